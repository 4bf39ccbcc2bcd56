package walletcore

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/klingon-exchange/btcwallet/internal/account"
	"github.com/klingon-exchange/btcwallet/internal/cryptoutil"
	"github.com/klingon-exchange/btcwallet/internal/walleterr"
)

// ImportKey implements import_key(wif, passphrase): verifies passphrase
// by decoding the seed, parses wif to an address, fails if the address
// is already ours, and stores the WIF encrypted.
func (c *Core) ImportKey(wif string, passphrase string) (string, error) {
	if _, err := c.DecodeSeed(passphrase); err != nil {
		return "", err
	}

	decoded, err := btcutil.DecodeWIF(wif)
	if err != nil {
		return "", walleterr.New("ImportKey", walleterr.InvalidPrivateKey, err)
	}

	pkHash := btcutil.Hash160(decoded.SerializePubKey())
	addr, err := btcutil.NewAddressPubKeyHash(pkHash, c.params)
	if err != nil {
		return "", fmt.Errorf("encode imported address: %w", err)
	}
	addrStr := addr.EncodeAddress()

	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if c.isMineLocked(addrStr) {
		return "", walleterr.New("ImportKey", walleterr.AddressAlreadyPresent, nil)
	}

	encrypted, err := cryptoutil.PwEncode(wif, passphrase)
	if err != nil {
		return "", err
	}
	c.importedKeys[addrStr] = encrypted
	return addrStr, nil
}

// DeleteImportedKey removes an imported key, returning false if addr was
// not an imported key.
func (c *Core) DeleteImportedKey(addr string) bool {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if _, ok := c.importedKeys[addr]; !ok {
		return false
	}
	delete(c.importedKeys, addr)
	return true
}

// GetPrivateKey implements get_private_key(address, passphrase): returns
// the WIF private keys required to sign on behalf of address — one for
// single-sig/imported, up to NumLegs() for multisig (only legs whose
// master private key is present locally and decryptable).
func (c *Core) GetPrivateKey(addr string, passphrase string) ([]string, error) {
	c.stateLock.RLock()
	encryptedWIF, imported := c.importedKeys[addr]
	c.stateLock.RUnlock()

	if imported {
		wif, err := cryptoutil.PwDecode(encryptedWIF, passphrase)
		if err != nil {
			return nil, err
		}
		return []string{wif}, nil
	}

	idx, err := c.GetAddressIndex(addr)
	if err != nil {
		return nil, err
	}

	c.stateLock.RLock()
	entry, ok := c.accounts[idx.AccountID]
	c.stateLock.RUnlock()
	if !ok {
		return nil, walleterr.New("GetPrivateKey", walleterr.AddressNotFound, nil)
	}

	legSecrets, err := c.legSecretsFor(entry, passphrase)
	if err != nil {
		return nil, err
	}

	privKeys, err := entry.acct.PrivateKeysAt(legSecrets, idx.ChangeFlag, uint32(idx.ChainIndex))
	if err != nil {
		return nil, err
	}

	wifs := make([]string, 0, len(privKeys))
	for _, priv := range privKeys {
		if priv == nil {
			continue
		}
		wif, err := btcutil.NewWIF(priv, c.params, true)
		if err != nil {
			return nil, fmt.Errorf("encode WIF: %w", err)
		}
		wifs = append(wifs, wif.String())
	}
	return wifs, nil
}

// legSecretsFor decrypts whichever of entry's registry legs have a
// locally present master private key, in leg order; a leg whose
// registry slot is watch-only (privEncrypted == "") contributes nil.
func (c *Core) legSecretsFor(entry *accountEntry, passphrase string) ([]*btcec.PrivateKey, error) {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()

	out := make([]*btcec.PrivateKey, len(entry.regIndices))
	for i, ri := range entry.regIndices {
		enc := c.registry[ri].privEncrypted
		if enc == "" {
			continue
		}
		hexScalar, err := cryptoutil.PwDecode(enc, passphrase)
		if err != nil {
			return nil, err
		}
		raw, err := hexDecode(hexScalar)
		if err != nil {
			return nil, fmt.Errorf("decode registry leg %d: %w", ri, err)
		}
		priv, _ := btcec.PrivKeyFromBytes(raw)
		out[i] = priv
	}
	return out, nil
}

// UpdatePassword implements update_password(seed_plaintext, old_pw,
// new_pw): re-encrypts the seed, all imported keys, and all master
// private keys under the new passphrase, and updates use_encryption.
func (c *Core) UpdatePassword(oldPassphrase, newPassphrase string) error {
	seedHex, err := c.DecodeSeed(oldPassphrase)
	if err != nil {
		return err
	}

	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	reEncoded, err := cryptoutil.PwEncode(seedHex, newPassphrase)
	if err != nil {
		return err
	}

	reImported := make(map[string]string, len(c.importedKeys))
	for addr, enc := range c.importedKeys {
		plain, err := cryptoutil.PwDecode(enc, oldPassphrase)
		if err != nil {
			return err
		}
		reEnc, err := cryptoutil.PwEncode(plain, newPassphrase)
		if err != nil {
			return err
		}
		reImported[addr] = reEnc
	}

	var reRegistry [account.NumRegistryPrefixes]registryEntry
	for i, entry := range c.registry {
		reRegistry[i] = entry
		if entry.privEncrypted == "" {
			continue
		}
		plain, err := cryptoutil.PwDecode(entry.privEncrypted, oldPassphrase)
		if err != nil {
			return err
		}
		reEnc, err := cryptoutil.PwEncode(plain, newPassphrase)
		if err != nil {
			return err
		}
		reRegistry[i].privEncrypted = reEnc
	}

	c.seedEncrypted = reEncoded
	c.importedKeys = reImported
	c.registry = reRegistry
	c.useEncryption = newPassphrase != ""

	return nil
}
