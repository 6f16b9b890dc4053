package lightning

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/zpay32"

	"github.com/klingon-exchange/klingwallet/internal/chain"
	"github.com/klingon-exchange/klingwallet/internal/errs"
)

// DecodedInvoice is the wallet's view of a BOLT11 payment request.
type DecodedInvoice struct {
	PaymentHash string        `json:"payment_hash"`
	AmountSat   int64         `json:"amount_sat"`
	Description string        `json:"description"`
	Destination string        `json:"destination"`
	Timestamp   time.Time     `json:"timestamp"`
	Expiry      time.Duration `json:"expiry"`
}

// ExpiresAt returns when the invoice stops being payable.
func (d *DecodedInvoice) ExpiresAt() time.Time {
	return d.Timestamp.Add(d.Expiry)
}

// Expired reports whether the invoice has expired at now.
func (d *DecodedInvoice) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt())
}

// DecodeInvoice parses bolt11 for the given network. Malformed invoices and
// invoices for another network are validation errors.
func DecodeInvoice(bolt11 string, network chain.Network) (*DecodedInvoice, error) {
	const op = "lightning.DecodeInvoice"

	params, ok := chain.Get(network)
	if !ok {
		return nil, errs.Validationf(op, "unknown network %q", network)
	}

	bolt11 = strings.TrimPrefix(strings.TrimSpace(bolt11), "lightning:")
	inv, err := zpay32.Decode(bolt11, params.Net)
	if err != nil {
		return nil, errs.New(errs.ErrValidation, op, err)
	}

	out := &DecodedInvoice{
		Timestamp: inv.Timestamp,
		Expiry:    inv.Expiry(),
	}
	if inv.PaymentHash != nil {
		out.PaymentHash = hex.EncodeToString(inv.PaymentHash[:])
	}
	if inv.MilliSat != nil {
		out.AmountSat = int64(inv.MilliSat.ToSatoshis())
	}
	if inv.Description != nil {
		out.Description = *inv.Description
	}
	if inv.Destination != nil {
		out.Destination = pubkeyHex(inv.Destination)
	}
	return out, nil
}

func pubkeyHex(pub *btcec.PublicKey) string {
	return hex.EncodeToString(pub.SerializeCompressed())
}
