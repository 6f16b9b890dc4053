package blocktank

import (
	"fmt"
	"strings"
	"time"
)

// LSPNode is the LSP's Lightning node.
type LSPNode struct {
	Alias             string   `json:"alias"`
	PubKey            string   `json:"pubkey"`
	ConnectionStrings []string `json:"connectionStrings"`
}

// Address splits the first usable pubkey@host connection string.
func (n LSPNode) Address() (pubkey, host string, err error) {
	for _, cs := range n.ConnectionStrings {
		pk, h, ok := strings.Cut(cs, "@")
		if ok && pk != "" && h != "" {
			return pk, h, nil
		}
	}
	return "", "", fmt.Errorf("lsp node %s has no usable connection string", n.PubKey)
}

// Bolt11Payment is the Lightning leg of an order payment.
type Bolt11Payment struct {
	Request   string    `json:"request"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// OnchainPayment is the on-chain leg of an order payment.
type OnchainPayment struct {
	Address      string `json:"address"`
	ConfirmedSat int64  `json:"confirmedSat"`
	RequiredConf int    `json:"confirmations"`
}

// OrderPayment describes how an order is paid.
type OrderPayment struct {
	State         PaymentState    `json:"state"`
	PaidSat       int64           `json:"paidSat"`
	Bolt11Invoice *Bolt11Payment  `json:"bolt11Invoice,omitempty"`
	Onchain       *OnchainPayment `json:"onchain,omitempty"`
}

// OrderChannel is the channel opened for an order.
type OrderChannel struct {
	FundingTxID  string    `json:"fundingTxId"`
	FundingVout  uint32    `json:"fundingTxVout"`
	ClosingTxID  string    `json:"closingTxId,omitempty"`
	OpenedAt     time.Time `json:"openedAt"`
	ClosedAt     time.Time `json:"closedAt,omitempty"`
	ChannelPoint string    `json:"channelPoint,omitempty"`
}

// Order is a channel purchase as reported by the LSP.
type Order struct {
	ID                 string        `json:"id"`
	State              State         `json:"state"`
	FeeSat             int64         `json:"feeSat"`
	LSPBalanceSat      int64         `json:"lspBalanceSat"`
	ClientBalanceSat   int64         `json:"clientBalanceSat"`
	ChannelExpiryWeeks int           `json:"channelExpiryWeeks"`
	ZeroConf           bool          `json:"zeroConf"`
	LSPNode            LSPNode       `json:"lspNode"`
	Payment            OrderPayment  `json:"payment"`
	Channel            *OrderChannel `json:"channel,omitempty"`
	OrderExpiresAt     time.Time     `json:"orderExpiresAt"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// Expired reports whether the order can no longer be paid at now.
func (o *Order) Expired(now time.Time) bool {
	return !o.OrderExpiresAt.IsZero() && !now.Before(o.OrderExpiresAt) && o.State == StateCreated
}

// Options are the optional parameters of an order.
type Options struct {
	ClientBalanceSat int64  `json:"clientBalanceSat,omitempty"`
	ZeroConf         bool   `json:"zeroConf,omitempty"`
	CouponCode       string `json:"couponCode,omitempty"`
	Source           string `json:"source,omitempty"`
	RefundAddress    string `json:"refundOnchainAddress,omitempty"`
}

// Limits bound what an order may ask for.
type Limits struct {
	MinChannelSizeSat   int64 `json:"minChannelSizeSat"`
	MaxChannelSizeSat   int64 `json:"maxChannelSizeSat"`
	MinExpiryWeeks      int   `json:"minExpiryWeeks"`
	MaxExpiryWeeks      int   `json:"maxExpiryWeeks"`
	MaxClientBalanceSat int64 `json:"maxClientBalanceSat"`
}

// Info describes the LSP's limits and nodes.
type Info struct {
	Version int       `json:"version"`
	Nodes   []LSPNode `json:"nodes"`
	Options Limits    `json:"options"`
}

// NodeURIs returns pubkey@host strings of all LSP nodes.
func (i *Info) NodeURIs() []string {
	var out []string
	for _, n := range i.Nodes {
		out = append(out, n.ConnectionStrings...)
	}
	return out
}
