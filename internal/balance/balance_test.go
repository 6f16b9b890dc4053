package balance

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingwallet/internal/errs"
	"github.com/klingon-exchange/klingwallet/internal/lightning"
	"github.com/klingon-exchange/klingwallet/pkg/logging"
)

func TestCompute(t *testing.T) {
	channels := []lightning.Channel{
		{ID: "a", Balance: 60_000, Outbound: 59_000, Open: true, Ready: true},
		{ID: "b", Balance: 20_000, Outbound: 19_800, Open: true, Ready: true},
		{ID: "pending", Balance: 50_000, Outbound: 50_000, Open: true, Ready: false},
		{ID: "closed", Balance: 10_000, Outbound: 10_000},
	}

	b := Compute(100_000, channels, 5_000)
	require.Equal(t, Balances{
		Onchain:   100_000,
		Spendable: 78_800,
		Reserve:   1_200,
		Claimable: 5_000,
		Total:     185_000,
		Channels:  2,
	}, b)
}

func TestComputeClampsNegative(t *testing.T) {
	b := Compute(-5, []lightning.Channel{
		{Balance: -100, Outbound: -50, Open: true, Ready: true},
		{Balance: 100, Outbound: 300, Open: true, Ready: true},
	}, -1)
	require.Equal(t, int64(100), b.Total)
	require.Equal(t, int64(100), b.Spendable)
	require.Zero(t, b.Reserve)
}

func TestComputeInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		n := rng.Intn(8)
		channels := make([]lightning.Channel, n)
		for j := range channels {
			channels[j] = lightning.Channel{
				Balance:  rng.Int63n(2_000_000) - 100_000,
				Outbound: rng.Int63n(2_000_000) - 100_000,
				Open:     rng.Intn(4) > 0,
				Ready:    rng.Intn(4) > 0,
			}
		}
		b := Compute(rng.Int63n(10_000_000)-1_000, channels, rng.Int63n(100_000)-1_000)

		require.Equal(t, b.Onchain+b.Spendable+b.Reserve+b.Claimable, b.Total)
		require.GreaterOrEqual(t, b.Total, int64(0))
		require.GreaterOrEqual(t, b.Spendable, int64(0))
		require.GreaterOrEqual(t, b.Reserve, int64(0))
	}
}

type staticWallet struct {
	balance int64
	err     error
}

func (w staticWallet) Balance(string) (int64, error) { return w.balance, w.err }

type staticNode struct {
	channels  []lightning.Channel
	claimable int64
	err       error
}

func (n staticNode) ListChannels(context.Context) ([]lightning.Channel, error) {
	return n.channels, n.err
}

func (n staticNode) ClaimableBalance(context.Context) (int64, error) { return n.claimable, nil }

func TestAggregator(t *testing.T) {
	ctx := context.Background()
	node := staticNode{
		channels:  []lightning.Channel{{Balance: 1_000, Outbound: 900, Open: true, Ready: true}},
		claimable: 50,
	}

	b, err := NewAggregator(staticWallet{balance: 10_000}, node, logging.Discard()).Get(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, int64(11_050), b.Total)

	b, err = NewAggregator(staticWallet{balance: 10_000}, nil, logging.Discard()).Get(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, int64(10_000), b.Total)

	_, err = NewAggregator(staticWallet{err: errors.New("not loaded")}, node, logging.Discard()).Get(ctx, "w1")
	require.Error(t, err)

	node.err = errs.Network("lnd.ListChannels", errors.New("unreachable"))
	_, err = NewAggregator(staticWallet{balance: 1}, node, logging.Discard()).Get(ctx, "w1")
	require.ErrorIs(t, err, errs.ErrNetwork)
}
