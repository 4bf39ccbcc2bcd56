// Package main provides walletd, the wallet daemon: it owns the Wallet
// Core, drives the Synchronizer against a configured indexer, and
// persists state on shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klingon-exchange/btcwallet/internal/indexer"
	"github.com/klingon-exchange/btcwallet/internal/store"
	"github.com/klingon-exchange/btcwallet/internal/sync"
	"github.com/klingon-exchange/btcwallet/internal/walletconfig"
	"github.com/klingon-exchange/btcwallet/internal/walletcore"
	"github.com/klingon-exchange/btcwallet/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.btcwallet", "Data directory")
		configFile  = flag.String("config", "", "Config file path; only its directory is used, and walletd.yaml is read from there (default: <data-dir>/walletd.yaml)")
		passphrase  = flag.String("passphrase", "", "Passphrase to encrypt a newly created wallet with (not used when loading an existing wallet)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("walletd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	configDir := *dataDir
	if *configFile != "" {
		configDir = dirOf(*configFile)
	}

	cfg, err := walletconfig.Load(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Storage.DataDir = *dataDir
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log := logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("config loaded", "path", walletconfig.ConfigPath(configDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.WalletPath())
	if err != nil {
		log.Fatal("open wallet store", "error", err)
	}

	core := walletcore.New(st, cfg.ChainParams(), log.Component("walletcore"))

	if st.FileExists() {
		if err := core.Load(); err != nil {
			log.Fatal("load wallet", "error", err)
		}
		log.Info("wallet loaded", "path", cfg.WalletPath())
	} else {
		mnemonic, err := core.InitSeed("")
		if err != nil {
			log.Fatal("init seed", "error", err)
		}
		if *passphrase != "" {
			if err := core.UpdatePassword("", *passphrase); err != nil {
				log.Fatal("set passphrase", "error", err)
			}
		}
		if err := core.CreateAccounts(*passphrase); err != nil {
			log.Fatal("create accounts", "error", err)
		}
		if err := core.Save(true); err != nil {
			log.Fatal("save new wallet", "error", err)
		}
		log.Info("new wallet created", "path", cfg.WalletPath())
		fmt.Println("Wallet seed mnemonic (write this down, it will not be shown again):")
		fmt.Println(mnemonic)
	}

	transport, err := buildTransport(cfg)
	if err != nil {
		log.Fatal("build indexer transport", "error", err)
	}

	client := indexer.NewClient(transport)
	if err := client.Connect(ctx); err != nil {
		log.Fatal("connect to indexer", "error", err)
	}
	defer client.Close()
	log.Info("connected to indexer")

	scriptHashOf := func(addr string) (string, error) {
		return indexer.AddressToScriptHash(addr, cfg.ChainParams())
	}

	synchronizer := sync.New(core, client, scriptHashOf, log.Component("sync"))

	go func() {
		for event := range synchronizer.Updates() {
			switch event.Kind {
			case sync.EventNewTransaction:
				log.Info("new transaction", "txid", event.TxID)
			case sync.EventUpdated:
				log.Debug("wallet state updated")
			}
			if err := core.Save(true); err != nil {
				log.Error("autosave failed", "error", err)
			}
		}
	}()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- synchronizer.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down...")
	case err := <-runErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("synchronizer loop exited", "error", err)
		}
	}

	synchronizer.Stop()
	cancel()

	if err := core.Save(true); err != nil {
		log.Error("final save failed", "error", err)
	}
	log.Info("stopped")
}

func buildTransport(cfg *walletconfig.Config) (indexer.Transport, error) {
	if cfg.Indexer.WebsocketURL != "" {
		return indexer.NewWSTransport(cfg.Indexer.WebsocketURL), nil
	}
	if len(cfg.Indexer.Servers) == 0 {
		return nil, fmt.Errorf("no indexer servers configured")
	}
	return indexer.NewTCPTransport(cfg.Indexer.Servers, cfg.Indexer.UseTLS), nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
