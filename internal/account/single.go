package account

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// SingleSigAccount is the "1" account type: one BIP32 leg, P2PKH
// addresses, account id of the form "m/0'/<i>".
type SingleSigAccount struct {
	addressChain

	id     string
	label  string
	leg    Leg
	params *chaincfg.Params
}

// NewSingleSigAccount constructs a single-sig account rooted at leg, for
// the given id (e.g. "m/0'/0").
func NewSingleSigAccount(id string, leg Leg, params *chaincfg.Params) *SingleSigAccount {
	return &SingleSigAccount{id: id, leg: leg, params: params}
}

func (a *SingleSigAccount) ID() string       { return a.id }
func (a *SingleSigAccount) TypeString() string { return "1" }
func (a *SingleSigAccount) NumLegs() int     { return 1 }
func (a *SingleSigAccount) Label() string    { return a.label }
func (a *SingleSigAccount) SetLabel(l string) { a.label = l }

func (a *SingleSigAccount) Addresses(flag ChangeFlag) []string {
	return a.slice(flag)
}

func (a *SingleSigAccount) CreateNextAddress(flag ChangeFlag) (string, error) {
	index := uint32(len(a.slice(flag)))
	addr, err := a.AddressAt(flag, index)
	if err != nil {
		return "", err
	}
	a.append(flag, addr)
	return addr, nil
}

func (a *SingleSigAccount) AddressAt(flag ChangeFlag, index uint32) (string, error) {
	pubkey, err := a.leg.pubkeyAt(flag, index)
	if err != nil {
		return "", err
	}
	hash160 := btcutil.Hash160(pubkey)
	addr, err := btcutil.NewAddressPubKeyHash(hash160, a.params)
	if err != nil {
		return "", fmt.Errorf("encode address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

func (a *SingleSigAccount) PubkeysAt(flag ChangeFlag, index uint32) ([][]byte, error) {
	pub, err := a.leg.pubkeyAt(flag, index)
	if err != nil {
		return nil, err
	}
	return [][]byte{pub}, nil
}

func (a *SingleSigAccount) RedeemScriptAt(flag ChangeFlag, index uint32) ([]byte, error) {
	return nil, nil
}

func (a *SingleSigAccount) PrivateKeysAt(legSecrets []*btcec.PrivateKey, flag ChangeFlag, index uint32) ([]*btcec.PrivateKey, error) {
	if err := validateLegCount(legSecrets, 1); err != nil {
		return nil, err
	}
	if legSecrets[0] == nil {
		return nil, nil
	}
	priv, err := privateKeyAt(a.leg.ChainCode, legSecrets[0], flag, index)
	if err != nil {
		return nil, err
	}
	return []*btcec.PrivateKey{priv}, nil
}

func (a *SingleSigAccount) FirstAddress() (string, error) {
	return a.AddressAt(External, 0)
}
