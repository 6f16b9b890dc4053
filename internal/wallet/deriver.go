package wallet

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/klingwallet/internal/chain"
	"github.com/klingon-exchange/klingwallet/internal/errs"
)

// MaxDeriveCount bounds a single Derive call.
const MaxDeriveCount = 1000

// DerivationError is returned for invalid seeds, malformed paths and
// unsupported address types. It matches errs.ErrValidation.
type DerivationError struct {
	Reason string
	Err    error
}

func (e *DerivationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("derivation failed: %s: %v", e.Reason, e.Err)
	}
	return "derivation failed: " + e.Reason
}

func (e *DerivationError) Unwrap() []error {
	if e.Err == nil {
		return []error{errs.ErrValidation}
	}
	return []error{errs.ErrValidation, e.Err}
}

// DeriveRequest selects a run of addresses on one branch.
type DeriveRequest struct {
	Network     chain.Network
	AddressType chain.AddressType

	// PathTemplate is a five level path such as m/84'/0'/0'/0/0. The coin
	// type is rewritten to the network's, change and index are replaced.
	// Empty means the default template of the address type.
	PathTemplate string

	Change bool
	Start  uint32
	Count  int
}

// Derive derives req.Count addresses starting at req.Start. The result is a
// pure function of the master key and the request.
func (d *Deriver) Derive(req DeriveRequest) ([]Address, error) {
	params, ok := chain.Get(req.Network)
	if !ok {
		return nil, &DerivationError{Reason: fmt.Sprintf("unknown network %q", req.Network)}
	}
	if !req.AddressType.Valid() {
		return nil, &DerivationError{Reason: fmt.Sprintf("unsupported address type %q", req.AddressType)}
	}
	if req.Count < 0 || req.Count > MaxDeriveCount {
		return nil, &DerivationError{Reason: fmt.Sprintf("count %d out of range", req.Count)}
	}
	if uint64(req.Start)+uint64(req.Count) > 1<<31 {
		return nil, &DerivationError{Reason: "index range exceeds non-hardened keys"}
	}

	base, err := templatePath(params, req.AddressType, req.PathTemplate)
	if err != nil {
		return nil, err
	}

	out := make([]Address, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		p := base.WithIndex(req.Change, req.Start+uint32(i))
		addr, err := d.deriveAt(p, req.AddressType, params)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// DeriveOne derives the single address at index on a branch.
func (d *Deriver) DeriveOne(network chain.Network, t chain.AddressType, change bool, index uint32) (Address, error) {
	addrs, err := d.Derive(DeriveRequest{Network: network, AddressType: t, Change: change, Start: index, Count: 1})
	if err != nil {
		return Address{}, err
	}
	return addrs[0], nil
}

func (d *Deriver) deriveAt(p chain.Path, t chain.AddressType, params *chain.Params) (Address, error) {
	pubKey, err := d.PublicKey(p)
	if err != nil {
		return Address{}, &DerivationError{Reason: "key derivation", Err: err}
	}

	addr, err := encodeAddress(pubKey, t, params.Net)
	if err != nil {
		return Address{}, &DerivationError{Reason: "address encoding", Err: err}
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return Address{}, &DerivationError{Reason: "output script", Err: err}
	}

	return Address{
		Index:      int(p.Index),
		Path:       chain.FormatPath(p),
		Address:    addr.EncodeAddress(),
		ScriptHash: ScriptHash(script),
		PublicKey:  hex.EncodeToString(pubKey.SerializeCompressed()),
	}, nil
}

func templatePath(params *chain.Params, t chain.AddressType, template string) (chain.Path, error) {
	if template == "" {
		var err error
		if template, err = params.PathTemplate(t); err != nil {
			return chain.Path{}, &DerivationError{Reason: "path template", Err: err}
		}
	}

	p, err := chain.ParsePath(template)
	if err != nil {
		return chain.Path{}, &DerivationError{Reason: "malformed path", Err: err}
	}
	p.CoinType = params.CoinType
	return p, nil
}

// Derive derives addresses straight from a mnemonic. It is a convenience
// for one-off derivations such as the CLI; long lived callers keep a
// Deriver.
func Derive(mnemonic, passphrase string, req DeriveRequest) ([]Address, error) {
	d, err := NewDeriverFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return nil, err
	}
	return d.Derive(req)
}

// PathFor returns the derivation path of (type, change, index) on network.
func PathFor(network chain.Network, t chain.AddressType, change bool, index uint32) (chain.Path, error) {
	params, ok := chain.Get(network)
	if !ok {
		return chain.Path{}, &DerivationError{Reason: fmt.Sprintf("unknown network %q", network)}
	}
	base, err := templatePath(params, t, "")
	if err != nil {
		return chain.Path{}, err
	}
	return base.WithIndex(change, index), nil
}
