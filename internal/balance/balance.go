// Package balance combines on-chain and Lightning balances into one view.
// Nothing here is stored; every read recomputes from its sources.
package balance

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/klingwallet/internal/lightning"
	"github.com/klingon-exchange/klingwallet/pkg/logging"
)

// Balances is a wallet's combined balance in satoshis.
type Balances struct {
	Onchain   int64 `json:"onchain"`
	Spendable int64 `json:"spendable"`
	Reserve   int64 `json:"reserve"`
	Claimable int64 `json:"claimable"`
	Total     int64 `json:"total"`

	// Channels counts the open and ready channels that contributed.
	Channels int `json:"channels"`
}

// Compute derives balances. Open and ready channels add their outbound
// capacity to spendable and the rest of their local balance to reserve.
// Negative contributions count as zero, so Total is never negative.
func Compute(onchain int64, channels []lightning.Channel, claimable int64) Balances {
	b := Balances{
		Onchain:   max(onchain, 0),
		Claimable: max(claimable, 0),
	}
	for _, ch := range channels {
		if !ch.Usable() {
			continue
		}
		outbound := max(min(ch.Outbound, ch.Balance), 0)
		b.Spendable += outbound
		b.Reserve += max(ch.Balance-outbound, 0)
		b.Channels++
	}
	b.Total = b.Onchain + b.Spendable + b.Reserve + b.Claimable
	return b
}

// WalletSource provides the on-chain balance.
type WalletSource interface {
	Balance(walletID string) (int64, error)
}

// NodeSource provides Lightning balances.
type NodeSource interface {
	ListChannels(ctx context.Context) ([]lightning.Channel, error)
	ClaimableBalance(ctx context.Context) (int64, error)
}

// Aggregator reads balances from the wallet engine and the Lightning node.
type Aggregator struct {
	wallet WalletSource
	node   NodeSource
	log    *logging.Logger
}

// NewAggregator creates an aggregator. A nil node yields on-chain only
// balances.
func NewAggregator(wallet WalletSource, node NodeSource, log *logging.Logger) *Aggregator {
	return &Aggregator{
		wallet: wallet,
		node:   node,
		log:    logging.OrDefault(log, "balance"),
	}
}

// Get computes the balances of a wallet.
func (a *Aggregator) Get(ctx context.Context, walletID string) (Balances, error) {
	onchain, err := a.wallet.Balance(walletID)
	if err != nil {
		return Balances{}, err
	}
	if a.node == nil {
		return Compute(onchain, nil, 0), nil
	}

	var (
		channels  []lightning.Channel
		claimable int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		channels, err = a.node.ListChannels(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		claimable, err = a.node.ClaimableBalance(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return Balances{}, fmt.Errorf("lightning balances: %w", err)
	}

	b := Compute(onchain, channels, claimable)
	a.log.Debug("Balances computed", "wallet", walletID, "total", b.Total, "channels", b.Channels)
	return b, nil
}
