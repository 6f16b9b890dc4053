package activity

import (
	"context"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingwallet/internal/chain"
	"github.com/klingon-exchange/klingwallet/internal/lightning"
	"github.com/klingon-exchange/klingwallet/internal/storage"
	"github.com/klingon-exchange/klingwallet/internal/wallet"
	"github.com/klingon-exchange/klingwallet/pkg/logging"
)

var _ wallet.ActivitySink = (*Ledger)(nil)

func newTestLedger(t *testing.T, now time.Time) (*Ledger, *storage.Storage) {
	t.Helper()
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewLedger(store, clock.NewTestClock(now), time.UTC, logging.Discard()), store
}

func TestLedgerPersistsOnchain(t *testing.T) {
	now := time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC)
	l, store := newTestLedger(t, now)

	txs := []wallet.FormattedTransaction{
		{TxID: "aa", Type: wallet.TxReceived, Value: 5000, Height: 10, Timestamp: now.Add(-time.Hour).Unix(), Vin: []string{"p:0"}, Exists: true},
		{TxID: "bb", Type: wallet.TxSent, Value: 1000, Fee: 200, Timestamp: now.Add(-48 * time.Hour).Unix(), Exists: true},
	}
	require.NoError(t, l.UpsertOnchain("w1", chain.Mainnet, txs))

	items, err := l.Items("w1", chain.Mainnet)
	require.NoError(t, err)
	require.Equal(t, []string{"aa", "bb"}, ids(items))

	// A fresh ledger reads the same feed back from storage.
	reloaded := NewLedger(store, clock.NewTestClock(now), time.UTC, logging.Discard())
	items, err = reloaded.Items("w1", chain.Mainnet)
	require.NoError(t, err)
	require.Equal(t, []string{"aa", "bb"}, ids(items))
	require.Equal(t, []string{"p:0"}, items[0].Onchain.Vin)
	require.Equal(t, int64(200), items[1].Fee)

	other, err := reloaded.Items("w1", chain.Testnet)
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestLedgerMarkNonExistent(t *testing.T) {
	now := time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC)
	l, store := newTestLedger(t, now)

	require.NoError(t, l.UpsertOnchain("w1", chain.Mainnet, []wallet.FormattedTransaction{
		{TxID: "ghost", Type: wallet.TxReceived, Value: 700, Timestamp: now.Unix(), Exists: true},
	}))
	require.NoError(t, l.MarkNonExistent("w1", chain.Mainnet, []string{"ghost"}))

	visible, err := l.List("w1", chain.Mainnet, Filter{})
	require.NoError(t, err)
	require.Empty(t, visible)

	reloaded := NewLedger(store, nil, time.UTC, logging.Discard())
	all, err := reloaded.List("w1", chain.Mainnet, Filter{IncludeHidden: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.False(t, all[0].Exists)

	// Reappearing restores it.
	require.NoError(t, l.UpsertOnchain("w1", chain.Mainnet, []wallet.FormattedTransaction{
		{TxID: "ghost", Type: wallet.TxReceived, Value: 700, Timestamp: now.Unix(), Exists: true},
	}))
	visible, err = l.List("w1", chain.Mainnet, Filter{})
	require.NoError(t, err)
	require.Len(t, visible, 1)
}

func TestLedgerTagsAndGroups(t *testing.T) {
	now := time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLedger(t, now)

	require.NoError(t, l.UpsertLightning("w1", chain.Mainnet, []lightning.Payment{
		{PaymentHash: "h1", Direction: lightning.DirectionReceived, Status: lightning.PaymentSucceeded, AmountSat: 10, CreatedAt: now.Add(-time.Minute)},
		{PaymentHash: "h2", Direction: lightning.DirectionSent, Status: lightning.PaymentSucceeded, AmountSat: 20, CreatedAt: now.AddDate(-1, 0, 0)},
	}))
	require.NoError(t, l.AddTag("w1", "h1", "coffee"))
	require.Error(t, l.AddTag("w1", "h1", ""))

	tagged, err := l.List("w1", chain.Mainnet, Filter{Tags: []string{"coffee"}})
	require.NoError(t, err)
	require.Equal(t, []string{"h1"}, ids(tagged))

	require.NoError(t, l.RemoveTag("w1", "h1", "coffee"))
	tagged, err = l.List("w1", chain.Mainnet, Filter{Tags: []string{"coffee"}})
	require.NoError(t, err)
	require.Empty(t, tagged)

	groups, err := l.Groups("w1", chain.Mainnet, Filter{})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, PeriodToday, groups[0].Period)
	require.Equal(t, PeriodEarlier, groups[1].Period)
}

func TestLedgerConsume(t *testing.T) {
	now := time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLedger(t, now)

	events := make(chan lightning.Event, 3)
	events <- lightning.Event{Type: lightning.EventNewChannel}
	events <- lightning.Event{Type: lightning.EventPaymentClaimed, Payment: &lightning.Payment{
		PaymentHash: "claimed", Direction: lightning.DirectionReceived, Status: lightning.PaymentSucceeded,
		AmountSat: 1234, CreatedAt: now,
	}}
	close(events)

	l.Consume(context.Background(), "w1", chain.Mainnet, events)

	items, err := l.Items("w1", chain.Mainnet)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "claimed", items[0].ID)
	require.Equal(t, int64(1234), items[0].Value)
}
