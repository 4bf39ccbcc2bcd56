package walletcore

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/klingon-exchange/btcwallet/internal/txbuilder"
)

func importedKeyCore(t *testing.T) (*Core, string) {
	t.Helper()
	c := newTestCore(t)
	if _, err := c.InitSeed(""); err != nil {
		t.Fatalf("InitSeed: %v", err)
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	wif, err := btcutil.NewWIF(priv, &chaincfg.RegressionNetParams, true)
	if err != nil {
		t.Fatalf("NewWIF: %v", err)
	}
	addr, err := c.ImportKey(wif.String(), "")
	if err != nil {
		t.Fatalf("ImportKey: %v", err)
	}
	return c, addr
}

func TestMakeUnsignedTransactionSpendsImportedUTXO(t *testing.T) {
	c, addr := importedKeyCore(t)
	_, fundingTxID, fundingHex := payToAddrTx(t, addr, 100_000)

	c.stateLock.Lock()
	c.history[addr] = indexerHistoryWith(fundingTxID, 10)
	c.stateLock.Unlock()
	if err := c.ReceiveTransaction(fundingTxID, fundingHex); err != nil {
		t.Fatalf("ReceiveTransaction: %v", err)
	}

	destAddr := sampleAddress(t, 0x20)
	destScript, err := c.addressToScript(destAddr)
	if err != nil {
		t.Fatalf("addressToScript: %v", err)
	}

	tx, err := c.MakeUnsignedTransaction([]txbuilder.Output{{Address: destAddr, Script: destScript, Amount: 40_000}}, nil, "", ImportedAccountID)
	if err != nil {
		t.Fatalf("MakeUnsignedTransaction: %v", err)
	}
	if len(tx.TxIn) != 1 {
		t.Fatalf("expected 1 input, got %d", len(tx.TxIn))
	}
	if len(tx.TxOut) != 2 {
		t.Fatalf("expected payment + change outputs, got %d", len(tx.TxOut))
	}
}

func TestMktxSignsSpendableInput(t *testing.T) {
	c, addr := importedKeyCore(t)
	_, fundingTxID, fundingHex := payToAddrTx(t, addr, 100_000)

	c.stateLock.Lock()
	c.history[addr] = indexerHistoryWith(fundingTxID, 10)
	c.stateLock.Unlock()
	if err := c.ReceiveTransaction(fundingTxID, fundingHex); err != nil {
		t.Fatalf("ReceiveTransaction: %v", err)
	}

	destAddr := sampleAddress(t, 0x21)
	destScript, err := c.addressToScript(destAddr)
	if err != nil {
		t.Fatalf("addressToScript: %v", err)
	}

	tx, err := c.Mktx([]txbuilder.Output{{Address: destAddr, Script: destScript, Amount: 40_000}}, "", nil, "", ImportedAccountID)
	if err != nil {
		t.Fatalf("Mktx: %v", err)
	}
	if len(tx.TxIn[0].SignatureScript) == 0 {
		t.Fatalf("expected input to be signed")
	}
}

func TestMakeUnsignedTransactionInsufficientFunds(t *testing.T) {
	c, addr := importedKeyCore(t)
	_, fundingTxID, fundingHex := payToAddrTx(t, addr, 1_000)

	c.stateLock.Lock()
	c.history[addr] = indexerHistoryWith(fundingTxID, 10)
	c.stateLock.Unlock()
	if err := c.ReceiveTransaction(fundingTxID, fundingHex); err != nil {
		t.Fatalf("ReceiveTransaction: %v", err)
	}

	destAddr := sampleAddress(t, 0x22)
	destScript, _ := c.addressToScript(destAddr)

	_, err := c.MakeUnsignedTransaction([]txbuilder.Output{{Address: destAddr, Script: destScript, Amount: 1_000_000}}, nil, "", ImportedAccountID)
	if err == nil {
		t.Fatalf("expected InsufficientFunds")
	}
}
