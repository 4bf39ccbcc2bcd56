package walletcore

// Verifier is the SPV Verifier collaborator: the component that walks
// merkle branches against the header chain to confirm a transaction's
// block height is real, independent of whatever the indexer itself
// reports. The Wallet Core only consumes it — it never verifies a
// merkle proof itself — feeding it every (txid, height) pair it learns
// of and, in return, treating the Verifier's chain position and
// confirmation count as authoritative wherever the two could disagree
// (pruning reorgs, wallet-core history that lags the header chain).
type Verifier interface {
	// Add registers height as the block a transaction was seen
	// confirmed in; subsequent GetHeight/GetConfirmations/GetTxPos
	// calls for txid are answered against it.
	Add(txid string, height int64)

	// GetHeight returns the verified height for txid, or 0 if txid is
	// unknown to the Verifier (unconfirmed or never added).
	GetHeight(txid string) int64

	// GetConfirmations returns (confirmations, timestamp) for txid:
	// confirmations is 0 for an unconfirmed or unknown transaction;
	// timestamp is the confirming block's header time, or 0 if
	// unknown.
	GetConfirmations(txid string) (confirmations int64, timestamp int64)

	// GetTxPos returns a value that orders txid by chain position:
	// ascending by height for confirmed transactions, and always after
	// every confirmed transaction for an unconfirmed or unknown one.
	GetTxPos(txid string) int64

	// BlockchainHeight returns the verified chain tip height.
	BlockchainHeight() int64
}

// SetVerifier installs the SPV Verifier collaborator. A freshly
// constructed Core has none — GetTxHistory falls back to its locally
// known heights and ReceiveHistory skips the Add call — which is the
// state a fresh watch-only import or an as-yet-unverified daemon start
// is in.
func (c *Core) SetVerifier(v Verifier) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	c.verifier = v
}
