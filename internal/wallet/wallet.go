// Package wallet implements the on-chain half of the settlement engine:
// BIP32 key and address derivation, gap-limited address indexes, utxo and
// transaction tracking against a chain indexer, and outgoing transaction
// construction.
package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/klingwallet/internal/chain"
)

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256) // 256 bits = 24 words
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// Deriver holds a BIP32 master key and derives child keys from it.
// Branch keys (m/purpose'/coin'/account'/change) are cached, so deriving
// a run of indexes on one branch costs one derivation per index.
type Deriver struct {
	master *hdkeychain.ExtendedKey

	mu       sync.Mutex
	branches map[chain.Path]*hdkeychain.ExtendedKey
}

// NewDeriverFromMnemonic creates a deriver from a BIP39 mnemonic.
// The passphrase is optional (can be empty string).
func NewDeriverFromMnemonic(mnemonic, passphrase string) (*Deriver, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, &DerivationError{Reason: "invalid mnemonic"}
	}
	return NewDeriverFromSeed(bip39.NewSeed(mnemonic, passphrase))
}

// NewDeriverFromSeed creates a deriver from a raw BIP39 seed.
func NewDeriverFromSeed(seed []byte) (*Deriver, error) {
	// The network only affects extended key serialization, which the
	// wallet never exports, so mainnet params are used for every network.
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, &DerivationError{Reason: "invalid seed", Err: err}
	}

	return &Deriver{
		master:   master,
		branches: make(map[chain.Path]*hdkeychain.ExtendedKey),
	}, nil
}

// Key derives the extended key at p.
func (d *Deriver) Key(p chain.Path) (*hdkeychain.ExtendedKey, error) {
	branch, err := d.branch(p)
	if err != nil {
		return nil, err
	}

	key, err := branch.Derive(p.Index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive index %d: %w", p.Index, err)
	}
	return key, nil
}

// PrivateKey derives the private key at p.
func (d *Deriver) PrivateKey(p chain.Path) (*btcec.PrivateKey, error) {
	key, err := d.Key(p)
	if err != nil {
		return nil, err
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return privKey, nil
}

// PublicKey derives the public key at p.
func (d *Deriver) PublicKey(p chain.Path) (*btcec.PublicKey, error) {
	key, err := d.Key(p)
	if err != nil {
		return nil, err
	}

	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	return pubKey, nil
}

// branch returns the key at m/purpose'/coin'/account'/change, cached.
func (d *Deriver) branch(p chain.Path) (*hdkeychain.ExtendedKey, error) {
	id := p
	id.Index = 0

	d.mu.Lock()
	defer d.mu.Unlock()

	if key, ok := d.branches[id]; ok {
		return key, nil
	}

	// m/purpose' (hardened)
	purposeKey, err := d.master.Derive(hdkeychain.HardenedKeyStart + p.Purpose)
	if err != nil {
		return nil, fmt.Errorf("failed to derive purpose: %w", err)
	}

	// m/purpose'/coin' (hardened)
	coinKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + p.CoinType)
	if err != nil {
		return nil, fmt.Errorf("failed to derive coin: %w", err)
	}

	// m/purpose'/coin'/account' (hardened)
	accountKey, err := coinKey.Derive(hdkeychain.HardenedKeyStart + p.Account)
	if err != nil {
		return nil, fmt.Errorf("failed to derive account: %w", err)
	}

	// m/purpose'/coin'/account'/change (non-hardened)
	changeKey, err := accountKey.Derive(p.Change)
	if err != nil {
		return nil, fmt.Errorf("failed to derive change: %w", err)
	}

	d.branches[id] = changeKey
	return changeKey, nil
}

// ClearCache drops cached branch keys.
func (d *Deriver) ClearCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.branches = make(map[chain.Path]*hdkeychain.ExtendedKey)
}
