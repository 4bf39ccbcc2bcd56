package walletconfig

import "github.com/btcsuite/btcd/chaincfg"

// ChainParams resolves the btcd network parameters for c.Network.
func (c *Config) ChainParams() *chaincfg.Params {
	switch c.Network {
	case Testnet:
		return &chaincfg.TestNet3Params
	case Regtest:
		return &chaincfg.RegressionNetParams
	case Simnet:
		return &chaincfg.SimNetParams
	default:
		return &chaincfg.MainNetParams
	}
}
