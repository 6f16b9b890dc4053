// Package lightning defines the Lightning node runtime the wallet consumes
// and an lnd implementation of it.
package lightning

import (
	"context"
	"errors"
	"time"
)

// ErrNotConfigured is returned when no Lightning node is attached.
var ErrNotConfigured = errors.New("lightning node not configured")

// Direction of a payment relative to this node.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// PaymentStatus mirrors the node's payment lifecycle.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// Channel is a channel as reported by the node. Amounts are in satoshis.
type Channel struct {
	ID            string `json:"id"`
	ChannelPoint  string `json:"channel_point"`
	RemotePubkey  string `json:"remote_pubkey"`
	Capacity      int64  `json:"capacity"`
	Balance       int64  `json:"balance"`
	Outbound      int64  `json:"outbound"`
	Inbound       int64  `json:"inbound"`
	Open          bool   `json:"open"`
	Ready         bool   `json:"ready"`
	Private       bool   `json:"private"`
	FundingTxID   string `json:"funding_txid,omitempty"`
	FundingOutput uint32 `json:"funding_output"`
}

// Usable reports whether the channel contributes spendable balance.
func (c Channel) Usable() bool {
	return c.Open && c.Ready
}

// Invoice is a created BOLT11 invoice.
type Invoice struct {
	PaymentRequest string        `json:"payment_request"`
	PaymentHash    string        `json:"payment_hash"`
	AmountSat      int64         `json:"amount_sat"`
	Description    string        `json:"description"`
	Expiry         time.Duration `json:"expiry"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Payment is a sent or received Lightning payment.
type Payment struct {
	ID             string        `json:"id"`
	PaymentHash    string        `json:"payment_hash"`
	Preimage       string        `json:"preimage,omitempty"`
	PaymentRequest string        `json:"payment_request,omitempty"`
	Direction      Direction     `json:"direction"`
	Status         PaymentStatus `json:"status"`
	AmountSat      int64         `json:"amount_sat"`
	FeeSat         int64         `json:"fee_sat"`
	Description    string        `json:"description,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// EventType identifies node events.
type EventType string

const (
	EventPaymentClaimed   EventType = "payment_claimed"
	EventNewChannel       EventType = "new_channel"
	EventSpendableOutputs EventType = "spendable_outputs"
	EventChannelClosed    EventType = "channel_closed"
)

// Event is delivered on Node.Events.
type Event struct {
	Type    EventType `json:"type"`
	Payment *Payment  `json:"payment,omitempty"`
	Channel *Channel  `json:"channel,omitempty"`
	Time    time.Time `json:"time"`
}

// Node is the Lightning node runtime.
type Node interface {
	NodeID(ctx context.Context) (string, error)
	ListChannels(ctx context.Context) ([]Channel, error)

	// ClaimableBalance returns funds in flight during channel open or close.
	ClaimableBalance(ctx context.Context) (int64, error)

	CreateInvoice(ctx context.Context, amountSat int64, description string, expiry time.Duration) (*Invoice, error)

	// PayInvoice pays a BOLT11 invoice. amountSat overrides the amount for
	// zero-amount invoices and must be zero otherwise.
	PayInvoice(ctx context.Context, bolt11 string, amountSat int64) (*Payment, error)

	ListPayments(ctx context.Context) ([]Payment, error)

	// ConnectPeer connects to pubkey@host. Already being connected is not an error.
	ConnectPeer(ctx context.Context, pubkey, host string) error

	CloseChannel(ctx context.Context, channelPoint, counterparty string, force bool) error

	Events() <-chan Event
}
