// Package chain defines Bitcoin network parameters and derivation path
// templates for the address types the wallet supports.
package chain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies a Bitcoin network.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// AddressType represents the address encoding format.
type AddressType string

const (
	AddressP2PKH  AddressType = "p2pkh"  // Legacy (1...)
	AddressP2SH   AddressType = "p2sh"   // Nested SegWit, P2SH-P2WPKH (3...)
	AddressP2WPKH AddressType = "p2wpkh" // Native SegWit (bc1q...)
	AddressP2TR   AddressType = "p2tr"   // Taproot (bc1p...)
)

// AddressTypes lists every supported address type in display order.
var AddressTypes = []AddressType{AddressP2WPKH, AddressP2SH, AddressP2PKH, AddressP2TR}

// Purpose returns the BIP43 purpose used for an address type.
func (t AddressType) Purpose() (uint32, bool) {
	switch t {
	case AddressP2PKH:
		return 44, true
	case AddressP2SH:
		return 49, true
	case AddressP2WPKH:
		return 84, true
	case AddressP2TR:
		return 86, true
	default:
		return 0, false
	}
}

// Valid reports whether t is a supported address type.
func (t AddressType) Valid() bool {
	_, ok := t.Purpose()
	return ok
}

// ParseAddressType parses a user supplied address type. Common aliases
// such as "p2sh-p2wpkh" or "taproot" are accepted.
func ParseAddressType(s string) (AddressType, error) {
	switch strings.ToLower(s) {
	case "p2sh-p2wpkh", "nested", "p2sh":
		return AddressP2SH, nil
	case "legacy", "p2pkh":
		return AddressP2PKH, nil
	case "segwit", "native", "p2wpkh", "":
		return AddressP2WPKH, nil
	case "taproot", "p2tr":
		return AddressP2TR, nil
	}
	return "", fmt.Errorf("unsupported address type: %s", s)
}

// Params contains all parameters for a Bitcoin network.
type Params struct {
	Network  Network
	Name     string
	CoinType uint32 // BIP44 coin type, 0 on mainnet and 1 elsewhere

	// Net holds the btcd parameters used for address encoding.
	Net *chaincfg.Params

	DefaultAddressType AddressType
}

// PathTemplate returns the template path for an address type on this
// network, e.g. m/84'/0'/0'/0/0.
func (p *Params) PathTemplate(t AddressType) (string, error) {
	purpose, ok := t.Purpose()
	if !ok {
		return "", fmt.Errorf("unsupported address type: %s", t)
	}
	return FormatPath(Path{Purpose: purpose, CoinType: p.CoinType}), nil
}

// Path is a parsed five level BIP44 style path. Purpose, coin type and
// account are always hardened.
type Path struct {
	Purpose  uint32
	CoinType uint32
	Account  uint32
	Change   uint32
	Index    uint32
}

// WithIndex returns a copy of p pointing at the given change branch and index.
func (p Path) WithIndex(change bool, index uint32) Path {
	p.Change = 0
	if change {
		p.Change = 1
	}
	p.Index = index
	return p
}

// FormatPath renders a path as m/purpose'/coin'/account'/change/index.
func FormatPath(p Path) string {
	return "m/" +
		strconv.FormatUint(uint64(p.Purpose), 10) + "'/" +
		strconv.FormatUint(uint64(p.CoinType), 10) + "'/" +
		strconv.FormatUint(uint64(p.Account), 10) + "'/" +
		strconv.FormatUint(uint64(p.Change), 10) + "/" +
		strconv.FormatUint(uint64(p.Index), 10)
}

// ParsePath parses a five level path. Both ' and h mark hardened levels;
// the first three levels must be hardened and the last two must not.
func ParsePath(s string) (Path, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 6 || parts[0] != "m" {
		return Path{}, fmt.Errorf("malformed derivation path %q", s)
	}

	var vals [5]uint32
	for i, part := range parts[1:] {
		hardened := strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h")
		if hardened != (i < 3) {
			return Path{}, fmt.Errorf("malformed derivation path %q: level %d hardening", s, i+1)
		}
		part = strings.TrimRight(part, "'h")
		n, err := strconv.ParseUint(part, 10, 31)
		if err != nil {
			return Path{}, fmt.Errorf("malformed derivation path %q: %w", s, err)
		}
		vals[i] = uint32(n)
	}

	return Path{
		Purpose:  vals[0],
		CoinType: vals[1],
		Account:  vals[2],
		Change:   vals[3],
		Index:    vals[4],
	}, nil
}

var registry = make(map[Network]*Params)

// Register adds network params to the registry.
func Register(params *Params) {
	registry[params.Network] = params
}

// Get returns params for a network.
func Get(network Network) (*Params, bool) {
	params, ok := registry[network]
	return params, ok
}

// MustGet returns params for a network and panics if it is unknown.
func MustGet(network Network) *Params {
	params, ok := Get(network)
	if !ok {
		panic("chain: unknown network " + string(network))
	}
	return params
}

// ParseNetwork parses a network name. "signet" and "testnet3" map to
// testnet parameters for derivation purposes.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(s) {
	case "mainnet", "bitcoin", "main", "":
		return Mainnet, nil
	case "testnet", "testnet3", "signet":
		return Testnet, nil
	case "regtest":
		return Regtest, nil
	}
	return "", fmt.Errorf("unknown network: %s", s)
}
