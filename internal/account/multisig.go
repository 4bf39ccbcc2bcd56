package account

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// MultisigAccount is the "2of2"/"2of3" account type: m-of-n BIP32 legs,
// P2SH addresses over an OP_m <pubkeys...> OP_n OP_CHECKMULTISIG redeem
// script. Pubkeys are assembled in leg order and never re-sorted — see
// the multisig pubkey ordering design note: wallets predating BIP67 rely
// on this.
type MultisigAccount struct {
	addressChain

	id     string
	label  string
	m      int
	legs   []Leg
	params *chaincfg.Params
}

// NewMultisigAccount constructs an m-of-len(legs) account, e.g. m=2 with
// two legs for "2of2", m=2 with three legs for "2of3".
func NewMultisigAccount(id string, m int, legs []Leg, params *chaincfg.Params) *MultisigAccount {
	return &MultisigAccount{id: id, m: m, legs: legs, params: params}
}

func (a *MultisigAccount) ID() string { return a.id }

func (a *MultisigAccount) TypeString() string {
	return fmt.Sprintf("%dof%d", a.m, len(a.legs))
}

func (a *MultisigAccount) NumLegs() int        { return len(a.legs) }
func (a *MultisigAccount) Label() string       { return a.label }
func (a *MultisigAccount) SetLabel(l string)   { a.label = l }

func (a *MultisigAccount) Addresses(flag ChangeFlag) []string {
	return a.slice(flag)
}

func (a *MultisigAccount) CreateNextAddress(flag ChangeFlag) (string, error) {
	index := uint32(len(a.slice(flag)))
	addr, err := a.AddressAt(flag, index)
	if err != nil {
		return "", err
	}
	a.append(flag, addr)
	return addr, nil
}

func (a *MultisigAccount) AddressAt(flag ChangeFlag, index uint32) (string, error) {
	script, err := a.RedeemScriptAt(flag, index)
	if err != nil {
		return "", err
	}
	addr, err := btcutil.NewAddressScriptHash(script, a.params)
	if err != nil {
		return "", fmt.Errorf("encode address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

func (a *MultisigAccount) PubkeysAt(flag ChangeFlag, index uint32) ([][]byte, error) {
	pubkeys := make([][]byte, len(a.legs))
	for i, leg := range a.legs {
		pub, err := leg.pubkeyAt(flag, index)
		if err != nil {
			return nil, fmt.Errorf("leg %d: %w", i, err)
		}
		pubkeys[i] = pub
	}
	return pubkeys, nil
}

// RedeemScriptAt builds OP_m <pubkey_1> ... <pubkey_n> OP_n OP_CHECKMULTISIG
// with pubkeys in leg order.
func (a *MultisigAccount) RedeemScriptAt(flag ChangeFlag, index uint32) ([]byte, error) {
	pubkeys, err := a.PubkeysAt(flag, index)
	if err != nil {
		return nil, err
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_1 - 1 + byte(a.m))
	for _, pub := range pubkeys {
		builder.AddData(pub)
	}
	builder.AddOp(txscript.OP_1 - 1 + byte(len(pubkeys)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	return builder.Script()
}

func (a *MultisigAccount) PrivateKeysAt(legSecrets []*btcec.PrivateKey, flag ChangeFlag, index uint32) ([]*btcec.PrivateKey, error) {
	if err := validateLegCount(legSecrets, len(a.legs)); err != nil {
		return nil, err
	}
	var keys []*btcec.PrivateKey
	for i, leg := range a.legs {
		if legSecrets[i] == nil {
			continue // leg's master private key not available locally: partial-sign
		}
		priv, err := privateKeyAt(leg.ChainCode, legSecrets[i], flag, index)
		if err != nil {
			return nil, fmt.Errorf("leg %d: %w", i, err)
		}
		keys = append(keys, priv)
	}
	return keys, nil
}

func (a *MultisigAccount) FirstAddress() (string, error) {
	return a.AddressAt(External, 0)
}
