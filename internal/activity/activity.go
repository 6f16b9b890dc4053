// Package activity merges on-chain transactions and Lightning payments into
// one sorted, filterable and groupable feed.
package activity

import (
	"sort"
	"time"

	"github.com/klingon-exchange/klingwallet/internal/lightning"
	"github.com/klingon-exchange/klingwallet/internal/wallet"
)

// Type is the kind of an activity item.
type Type string

const (
	TypeOnchain   Type = "onchain"
	TypeLightning Type = "lightning"
	TypeTether    Type = "tether"
)

// TxType is the direction of an item.
type TxType string

const (
	Sent     TxType = "sent"
	Received TxType = "received"
)

// Key identifies an item. No two items in a feed share a key.
type Key struct {
	Type Type
	ID   string
}

// OnchainDetails carries on-chain specific fields.
type OnchainDetails struct {
	Height           int64    `json:"height"`
	ConfirmTimestamp int64    `json:"confirm_timestamp,omitempty"`
	Vin              []string `json:"vin,omitempty"`
}

// LightningDetails carries Lightning specific fields.
type LightningDetails struct {
	PaymentHash    string `json:"payment_hash"`
	Preimage       string `json:"preimage,omitempty"`
	PaymentRequest string `json:"payment_request,omitempty"`
}

// Item is one entry of the activity feed. Exactly one of Onchain and
// Lightning is set, matching Type. Timestamp is in unix milliseconds.
type Item struct {
	Type       Type   `json:"activity_type"`
	ID         string `json:"id"`
	TxType     TxType `json:"tx_type"`
	Value      int64  `json:"value"`
	Fee        int64  `json:"fee"`
	Address    string `json:"address,omitempty"`
	Message    string `json:"message,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Confirmed  bool   `json:"confirmed"`
	Exists     bool   `json:"exists"`
	IsTransfer bool   `json:"is_transfer"`
	Status     string `json:"status,omitempty"`

	Onchain   *OnchainDetails   `json:"onchain,omitempty"`
	Lightning *LightningDetails `json:"lightning,omitempty"`
}

// Key returns the item's identity.
func (it Item) Key() Key {
	return Key{Type: it.Type, ID: it.ID}
}

// Time returns the timestamp as a time.Time.
func (it Item) Time() time.Time {
	return time.UnixMilli(it.Timestamp)
}

// Less orders items newest first, received before sent on equal
// timestamps. Type and id break the remaining ties so the order is total.
func Less(a, b Item) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	if a.TxType != b.TxType {
		return a.TxType == Received
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.ID < b.ID
}

// Sort sorts items in place.
func Sort(items []Item) {
	sort.SliceStable(items, func(i, j int) bool { return Less(items[i], items[j]) })
}

// Sorted reports whether items are already in feed order.
func Sorted(items []Item) bool {
	for i := 1; i < len(items); i++ {
		if Less(items[i], items[i-1]) {
			return false
		}
	}
	return true
}

// Merge replaces items of old that share a key with an item of updates,
// appends the rest and returns the result in feed order. When updates
// repeats a key the last one wins. Neither input is modified.
func Merge(old, updates []Item) []Item {
	out := make([]Item, len(old), len(old)+len(updates))
	copy(out, old)

	pos := make(map[Key]int, len(out))
	for i, it := range out {
		pos[it.Key()] = i
	}
	for _, it := range updates {
		if i, ok := pos[it.Key()]; ok {
			out[i] = it
			continue
		}
		pos[it.Key()] = len(out)
		out = append(out, it)
	}

	if !Sorted(out) {
		Sort(out)
	}
	return out
}

// MarkNonExistent returns a copy of items with the on-chain items in txids
// flagged as no longer existing.
func MarkNonExistent(items []Item, txids []string) []Item {
	gone := make(map[string]struct{}, len(txids))
	for _, id := range txids {
		gone[id] = struct{}{}
	}

	out := make([]Item, len(items))
	copy(out, items)
	for i := range out {
		if out[i].Type != TypeOnchain {
			continue
		}
		if _, ok := gone[out[i].ID]; ok {
			out[i].Exists = false
		}
	}
	return out
}

// FromOnchain converts a wallet transaction.
func FromOnchain(tx wallet.FormattedTransaction) Item {
	txType := Received
	if tx.Type == wallet.TxSent {
		txType = Sent
	}
	return Item{
		Type:       TypeOnchain,
		ID:         tx.TxID,
		TxType:     txType,
		Value:      tx.Value,
		Fee:        tx.Fee,
		Address:    tx.Address,
		Timestamp:  tx.Timestamp * 1000,
		Confirmed:  tx.Height > 0,
		Exists:     tx.Exists,
		IsTransfer: tx.IsTransfer,
		Onchain: &OnchainDetails{
			Height:           tx.Height,
			ConfirmTimestamp: tx.ConfirmTimestamp * 1000,
			Vin:              tx.Vin,
		},
	}
}

// FromLightning converts a node payment.
func FromLightning(p lightning.Payment) Item {
	txType := Received
	if p.Direction == lightning.DirectionSent {
		txType = Sent
	}
	id := p.ID
	if id == "" {
		id = p.PaymentHash
	}
	return Item{
		Type:      TypeLightning,
		ID:        id,
		TxType:    txType,
		Value:     p.AmountSat,
		Fee:       p.FeeSat,
		Message:   p.Description,
		Timestamp: p.CreatedAt.UnixMilli(),
		Confirmed: p.Status == lightning.PaymentSucceeded,
		Exists:    true,
		Status:    string(p.Status),
		Lightning: &LightningDetails{
			PaymentHash:    p.PaymentHash,
			Preimage:       p.Preimage,
			PaymentRequest: p.PaymentRequest,
		},
	}
}
