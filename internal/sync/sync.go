// Package sync implements the Synchronizer: the long-lived background
// worker that drives address subscriptions, history reconciliation, and
// missing-transaction fetch against the indexer. It never touches the
// persistent store directly — it calls back into the WalletView
// interface, which the wallet core satisfies, so that state mutation and
// locking stay owned by the wallet core (per the spec's "any operation
// that calls out to the indexer MUST NOT hold a lock across the wait"
// concurrency rule).
package sync

import (
	"context"
	"fmt"

	"github.com/klingon-exchange/btcwallet/internal/indexer"
	"github.com/klingon-exchange/btcwallet/pkg/logging"
)

// WalletView is the subset of Wallet Core operations the Synchronizer
// needs. Implemented by internal/walletcore.Core.
type WalletView interface {
	// MineAddresses returns every address (including not-yet-materialized
	// next-addresses) that should be subscribed to.
	MineAddresses() []string

	// ExtendChains runs the per-account, per-change-flag chain extension
	// described in §4.5 step 1, returning any newly created addresses
	// that must be subscribed to.
	ExtendChains() (newAddresses []string, err error)

	// History returns the locally known history for addr, or
	// (History{}, false) if nothing is known yet.
	History(addr string) (indexer.History, bool)

	// ReceiveHistory validates and applies a new history for addr per
	// check_new_history (§4.4.3), or returns an error (HistoryInconsistent
	// on consistency failure).
	ReceiveHistory(addr string, hist indexer.History) error

	// MissingTransactions returns (txid, height) pairs referenced by some
	// history but absent from the transaction cache.
	MissingTransactions() []TxRef

	// ReceiveTransaction stores a transaction fetched from the indexer.
	ReceiveTransaction(txid string, rawHex string) error

	// SetUpToDate flips the up_to_date bit; returns whether it changed.
	SetUpToDate(v bool) (changed bool)

	// OrphanCandidates returns confirmed transactions that, as of the
	// most recent ReceiveHistory call, are attributed to exactly one
	// address and no longer appear in that address's history — the
	// cross-request fallback case in check_new_history. The Synchronizer
	// owns the indexer client, so it performs the cross-request of each
	// candidate's output addresses and reports back via RecoverOrphan.
	OrphanCandidates() []OrphanCandidate

	// RecoverOrphan finalizes one OrphanCandidate given the addresses
	// (possibly none) that still reported it after the cross-request;
	// txid is pruned from the cache if foundAtAddresses is empty.
	RecoverOrphan(txid string, foundAtAddresses []string) error
}

// OrphanCandidate is a confirmed transaction whose sole attributing
// address just dropped it from its history.
type OrphanCandidate struct {
	TxID            string
	OutputAddresses []string
}

// TxRef is a (txid, height) pair awaiting fetch.
type TxRef struct {
	TxID   string
	Height int64
}

// Event is emitted on the Updates channel whenever the wallet's
// observable state changes in a way the UI/API layer should react to.
type Event struct {
	Kind EventKind
	TxID string // set for EventNewTransaction
}

type EventKind int

const (
	EventUpdated EventKind = iota
	EventNewTransaction
)

// Synchronizer drives the loop described in §4.5.
type Synchronizer struct {
	wallet WalletView
	client *indexer.Client
	log    *logging.Logger

	updates chan Event
	stop    chan struct{}

	scriptHashOf func(addr string) (string, error)
	addrOfHash   map[string]string
}

// New builds a Synchronizer over client, calling back into wallet.
// scriptHashOf converts a wallet address into the indexer's subscription
// key (network-dependent, so supplied by the caller).
func New(wallet WalletView, client *indexer.Client, scriptHashOf func(string) (string, error), log *logging.Logger) *Synchronizer {
	return &Synchronizer{
		wallet:       wallet,
		client:       client,
		log:          log,
		updates:      make(chan Event, 64),
		stop:         make(chan struct{}),
		scriptHashOf: scriptHashOf,
		addrOfHash:   make(map[string]string),
	}
}

// Updates returns the channel of updated/new_transaction notifications.
func (s *Synchronizer) Updates() <-chan Event {
	return s.updates
}

// Stop requests the run loop to exit; it is safe to call once.
func (s *Synchronizer) Stop() {
	close(s.stop)
}

// Run is the long-lived worker loop. It blocks until ctx is done or Stop
// is called.
func (s *Synchronizer) Run(ctx context.Context) error {
	for _, ref := range s.wallet.MissingTransactions() {
		s.fetchTransaction(ctx, ref.TxID)
	}

	if err := s.subscribeAll(ctx, s.wallet.MineAddresses()); err != nil {
		s.log.Warn("initial subscribe failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		default:
		}

		newAddrs, err := s.wallet.ExtendChains()
		if err != nil {
			s.log.Error("extend chains failed", "error", err)
		} else if len(newAddrs) > 0 {
			if err := s.subscribeAll(ctx, newAddrs); err != nil {
				s.log.Warn("subscribe to new addresses failed", "error", err)
			}
		}

		drained := len(s.wallet.MissingTransactions()) == 0
		if s.wallet.SetUpToDate(drained) {
			s.emit(Event{Kind: EventUpdated})
		}

		select {
		case notif, ok := <-s.client.Notifications():
			if !ok {
				return fmt.Errorf("indexer notification channel closed")
			}
			s.handleNotification(ctx, notif)
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		}
	}
}

func (s *Synchronizer) emit(e Event) {
	select {
	case s.updates <- e:
	default:
		s.log.Warn("updates channel full, dropping event")
	}
}

func (s *Synchronizer) subscribeAll(ctx context.Context, addrs []string) error {
	for _, addr := range addrs {
		hash, err := s.scriptHashOf(addr)
		if err != nil {
			return fmt.Errorf("scripthash for %s: %w", addr, err)
		}
		s.addrOfHash[hash] = addr

		status, err := s.client.Subscribe(ctx, hash)
		if err != nil {
			s.log.Warn("subscribe failed", "address", addr, "error", err)
			continue
		}
		s.reconcileStatus(ctx, addr, hash, status)
	}
	return nil
}

// handleNotification dispatches one asynchronous server push, per §4.5
// step 4.
func (s *Synchronizer) handleNotification(ctx context.Context, n indexer.Notification) {
	switch n.Method {
	case indexer.MethodSubscribe:
		if len(n.Params) < 2 {
			return
		}
		hash, _ := n.Params[0].(string)
		addr, ok := s.addrOfHash[hash]
		if !ok {
			return
		}
		status := parseNotificationStatus(n.Params[1])
		s.reconcileStatus(ctx, addr, hash, status)
	default:
		s.log.Debug("unhandled indexer notification", "method", n.Method)
	}
}

func parseNotificationStatus(v interface{}) indexer.Status {
	if v == nil {
		return indexer.Status{None: true}
	}
	if s, ok := v.(string); ok {
		if s == "*" {
			return indexer.Status{Pruned: true}
		}
		return indexer.Status{Hash: s}
	}
	return indexer.Status{None: true}
}

// reconcileStatus compares the server's announced status against the
// locally computed one, requesting a fresh history on mismatch.
func (s *Synchronizer) reconcileStatus(ctx context.Context, addr, hash string, remote indexer.Status) {
	local, haveLocal := s.wallet.History(addr)
	localStatus := indexer.ComputeStatusHash(local)

	if haveLocal && localStatus.Equal(remote) {
		return
	}

	hist, err := s.client.GetHistory(ctx, hash)
	if err != nil {
		s.log.Warn("get_history failed", "address", addr, "error", err)
		return
	}

	if !hist.Pruned {
		computed := indexer.ComputeStatusHash(hist)
		if !computed.Equal(remote) {
			s.log.Error("status mismatch from indexer", "address", addr)
			return // HistoryInconsistent: abort this response, leave local state untouched
		}
	}

	if err := s.wallet.ReceiveHistory(addr, hist); err != nil {
		s.log.Error("receive_history rejected", "address", addr, "error", err)
		return
	}

	for _, cand := range s.wallet.OrphanCandidates() {
		s.recoverOrphan(ctx, cand)
	}

	for _, ref := range s.wallet.MissingTransactions() {
		s.fetchTransaction(ctx, ref.TxID)
	}
}

// recoverOrphan cross-requests the history of each of the candidate's
// output addresses, looking for one that still reports it; the result
// (possibly empty) is reported back so the wallet can prune on failure.
func (s *Synchronizer) recoverOrphan(ctx context.Context, cand OrphanCandidate) {
	var foundAt []string
	for _, addr := range cand.OutputAddresses {
		hash, err := s.scriptHashOf(addr)
		if err != nil {
			continue
		}
		hist, err := s.client.GetHistory(ctx, hash)
		if err != nil {
			s.log.Warn("orphan recovery get_history failed", "address", addr, "error", err)
			continue
		}
		for _, e := range hist.Entries {
			if e.TxID == cand.TxID {
				foundAt = append(foundAt, addr)
				break
			}
		}
	}
	if err := s.wallet.RecoverOrphan(cand.TxID, foundAt); err != nil {
		s.log.Error("recover orphan failed", "txid", cand.TxID, "error", err)
	} else if len(foundAt) == 0 {
		s.log.Warn("orphaned transaction dropped", "txid", cand.TxID)
	}
}

func (s *Synchronizer) fetchTransaction(ctx context.Context, txid string) {
	rawHex, err := s.client.GetTransaction(ctx, txid)
	if err != nil {
		s.log.Warn("get_transaction failed", "txid", txid, "error", err)
		return
	}
	if err := s.wallet.ReceiveTransaction(txid, rawHex); err != nil {
		s.log.Error("receive transaction rejected", "txid", txid, "error", err)
		return
	}
	s.emit(Event{Kind: EventNewTransaction, TxID: txid})
}
