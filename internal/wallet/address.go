package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/klingwallet/internal/chain"
	"github.com/klingon-exchange/klingwallet/internal/errs"
)

// addressP2WSH is reported by ParseAddress for pay-to-witness-script-hash
// destinations. The wallet never derives these.
const addressP2WSH chain.AddressType = "p2wsh"

// Address is a derived wallet address. Index is -1 when unset.
type Address struct {
	Index      int    `json:"index"`
	Path       string `json:"path"`
	Address    string `json:"address"`
	ScriptHash string `json:"scriptHash"`
	PublicKey  string `json:"publicKey"`
}

// UnsetAddress is the placeholder for an index pointer that was never set.
func UnsetAddress() Address {
	return Address{Index: -1}
}

// IsSet reports whether a is a real derived address.
func (a Address) IsSet() bool {
	return a.Index >= 0 && a.Address != ""
}

// encodeAddress builds the address of the given type for a public key.
func encodeAddress(pubKey *btcec.PublicKey, t chain.AddressType, net *chaincfg.Params) (btcutil.Address, error) {
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())

	switch t {
	case chain.AddressP2PKH:
		return btcutil.NewAddressPubKeyHash(pubKeyHash, net)

	case chain.AddressP2WPKH:
		return btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, net)

	case chain.AddressP2SH:
		redeemScript, err := p2wpkhRedeemScript(pubKey, net)
		if err != nil {
			return nil, err
		}
		return btcutil.NewAddressScriptHash(redeemScript, net)

	case chain.AddressP2TR:
		taprootKey := txscript.ComputeTaprootKeyNoScript(pubKey)
		return btcutil.NewAddressTaproot(taprootKey.SerializeCompressed()[1:], net)
	}

	return nil, fmt.Errorf("unsupported address type: %s", t)
}

// p2wpkhRedeemScript returns the witness program nested inside a
// P2SH-P2WPKH output.
func p2wpkhRedeemScript(pubKey *btcec.PublicKey, net *chaincfg.Params) ([]byte, error) {
	witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), net)
	if err != nil {
		return nil, fmt.Errorf("failed to create witness address: %w", err)
	}
	return txscript.PayToAddrScript(witnessAddr)
}

// ScriptHash returns the Electrum script hash of an output script: the
// SHA256 of the script, byte-reversed, hex encoded.
func ScriptHash(pkScript []byte) string {
	sum := sha256.Sum256(pkScript)
	for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
		sum[i], sum[j] = sum[j], sum[i]
	}
	return hex.EncodeToString(sum[:])
}

// ScriptHashForAddress returns the Electrum script hash of an address.
func ScriptHashForAddress(address string, network chain.Network) (string, error) {
	script, err := PayToAddrScript(address, network)
	if err != nil {
		return "", err
	}
	return ScriptHash(script), nil
}

// ValidateAddress checks if an address is valid for a network.
func ValidateAddress(address string, network chain.Network) bool {
	_, _, err := ParseAddress(address, network)
	return err == nil
}

// ParseAddress decodes an address and reports its type. Addresses of another
// network are rejected.
func ParseAddress(address string, network chain.Network) (btcutil.Address, chain.AddressType, error) {
	params, ok := chain.Get(network)
	if !ok {
		return nil, "", errs.Validationf("wallet.ParseAddress", "unknown network %q", network)
	}

	decoded, err := btcutil.DecodeAddress(address, params.Net)
	if err != nil {
		return nil, "", errs.New(errs.ErrValidation, "wallet.ParseAddress", fmt.Errorf("failed to decode address: %w", err))
	}
	if !decoded.IsForNet(params.Net) {
		return nil, "", errs.Validationf("wallet.ParseAddress", "address %s is not for %s", address, network)
	}

	var addrType chain.AddressType
	switch decoded.(type) {
	case *btcutil.AddressPubKeyHash:
		addrType = chain.AddressP2PKH
	case *btcutil.AddressScriptHash:
		addrType = chain.AddressP2SH
	case *btcutil.AddressWitnessPubKeyHash:
		addrType = chain.AddressP2WPKH
	case *btcutil.AddressWitnessScriptHash:
		addrType = addressP2WSH
	case *btcutil.AddressTaproot:
		addrType = chain.AddressP2TR
	default:
		return nil, "", errs.Validationf("wallet.ParseAddress", "unsupported address %s", address)
	}

	return decoded, addrType, nil
}

// PayToAddrScript returns the output script paying to address.
func PayToAddrScript(address string, network chain.Network) ([]byte, error) {
	decoded, _, err := ParseAddress(address, network)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(decoded)
}
