package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/klingon-exchange/klingwallet/internal/errs"
	"github.com/klingon-exchange/klingwallet/internal/lightning"
)

// ========================================
// Lightning handlers
// ========================================

func (s *Server) node() (lightning.Node, error) {
	if s.deps.Node == nil {
		return nil, lightning.ErrNotConfigured
	}
	return s.deps.Node, nil
}

// InvoiceParams carries a BOLT11 payment request.
type InvoiceParams struct {
	WalletID  string `json:"wallet_id,omitempty"`
	Invoice   string `json:"invoice"`
	AmountSat int64  `json:"amount_sat,omitempty"`
}

// DecodedInvoiceResult is the response for lightning_decodeInvoice.
type DecodedInvoiceResult struct {
	*lightning.DecodedInvoice
	ExpiresAt time.Time `json:"expires_at"`
	Expired   bool      `json:"expired"`
}

func (s *Server) lightningDecodeInvoice(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p InvoiceParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("invoice", p.Invoice); err != nil {
		return nil, err
	}

	inv, err := lightning.DecodeInvoice(p.Invoice, s.deps.Engine.Network())
	if err != nil {
		return nil, err
	}
	return &DecodedInvoiceResult{
		DecodedInvoice: inv,
		ExpiresAt:      inv.ExpiresAt(),
		Expired:        inv.Expired(time.Now()),
	}, nil
}

// CreateInvoiceParams is the parameters for lightning_createInvoice.
type CreateInvoiceParams struct {
	AmountSat     int64  `json:"amount_sat"`
	Description   string `json:"description,omitempty"`
	ExpirySeconds int64  `json:"expiry_seconds,omitempty"`
}

func (s *Server) lightningCreateInvoice(ctx context.Context, params json.RawMessage) (interface{}, error) {
	n, err := s.node()
	if err != nil {
		return nil, err
	}
	var p CreateInvoiceParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.AmountSat < 0 {
		return nil, errs.Validationf("rpc.lightning_createInvoice", "amount must not be negative")
	}
	expiry := time.Hour
	if p.ExpirySeconds > 0 {
		expiry = time.Duration(p.ExpirySeconds) * time.Second
	}
	return n.CreateInvoice(ctx, p.AmountSat, p.Description, expiry)
}

func (s *Server) lightningPayInvoice(ctx context.Context, params json.RawMessage) (interface{}, error) {
	const op = "rpc.lightning_payInvoice"

	n, err := s.node()
	if err != nil {
		return nil, err
	}
	var p InvoiceParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("invoice", p.Invoice); err != nil {
		return nil, err
	}

	inv, err := lightning.DecodeInvoice(p.Invoice, s.deps.Engine.Network())
	if err != nil {
		return nil, err
	}
	if inv.Expired(time.Now()) {
		return nil, errs.Validationf(op, "invoice expired at %s", inv.ExpiresAt().Format(time.RFC3339))
	}
	switch {
	case inv.AmountSat > 0 && p.AmountSat != 0:
		return nil, errs.Validationf(op, "invoice already has an amount")
	case inv.AmountSat == 0 && p.AmountSat <= 0:
		return nil, errs.Validationf(op, "amount is required for zero-amount invoices")
	}

	payment, err := n.PayInvoice(ctx, p.Invoice, p.AmountSat)
	if payment != nil && p.WalletID != "" && s.deps.Activity != nil {
		if rerr := s.deps.Activity.UpsertLightning(p.WalletID, s.deps.Engine.Network(), []lightning.Payment{*payment}); rerr != nil {
			s.log.Warn("Failed to record payment", "hash", payment.PaymentHash, "error", rerr)
		}
	}
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// ChannelsResult is the response for lightning_listChannels.
type ChannelsResult struct {
	Channels []lightning.Channel `json:"channels"`
	Count    int                 `json:"count"`
}

func (s *Server) lightningListChannels(ctx context.Context, params json.RawMessage) (interface{}, error) {
	n, err := s.node()
	if err != nil {
		return nil, err
	}
	channels, err := n.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	return &ChannelsResult{Channels: channels, Count: len(channels)}, nil
}

// CloseChannelParams is the parameters for lightning_closeChannel.
type CloseChannelParams struct {
	ChannelPoint string `json:"channel_point"`
	Counterparty string `json:"counterparty"`
	Force        bool   `json:"force,omitempty"`
}

func (s *Server) lightningCloseChannel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	n, err := s.node()
	if err != nil {
		return nil, err
	}
	var p CloseChannelParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("channel_point", p.ChannelPoint); err != nil {
		return nil, err
	}
	if err := n.CloseChannel(ctx, p.ChannelPoint, p.Counterparty, p.Force); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

// ========================================
// Balance handlers
// ========================================

func (s *Server) balanceGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return s.deps.Balances.Get(ctx, p.WalletID)
}
