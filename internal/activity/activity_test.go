package activity

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingwallet/internal/lightning"
	"github.com/klingon-exchange/klingwallet/internal/wallet"
)

func onchain(id string, ts int64, txType TxType) Item {
	return Item{Type: TypeOnchain, ID: id, TxType: txType, Timestamp: ts, Exists: true}
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestSortOrder(t *testing.T) {
	items := []Item{
		onchain("a", 1000, Sent),
		onchain("b", 3000, Sent),
		onchain("c", 1000, Received),
		onchain("d", 2000, Received),
	}
	Sort(items)
	require.Equal(t, []string{"b", "d", "c", "a"}, ids(items))
	require.True(t, Sorted(items))
}

func TestSortIgnoresInsertionOrder(t *testing.T) {
	base := []Item{
		onchain("a", 5, Sent), onchain("b", 5, Received), onchain("c", 9, Sent),
		onchain("d", 1, Received), onchain("e", 5, Sent), onchain("f", 9, Received),
	}
	want := append([]Item(nil), base...)
	Sort(want)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]Item(nil), base...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		Sort(shuffled)
		require.Equal(t, ids(want), ids(shuffled))
	}
}

func TestMergeReplacesAndAppends(t *testing.T) {
	old := []Item{onchain("a", 3000, Received), onchain("b", 1000, Sent)}
	updated := onchain("b", 1000, Sent)
	updated.Value = 42

	got := Merge(old, []Item{updated, onchain("c", 2000, Received)})
	require.Equal(t, []string{"a", "c", "b"}, ids(got))
	require.Equal(t, int64(42), got[2].Value)

	require.Len(t, old, 2)
	require.Zero(t, old[1].Value)
}

func TestMergeKeepsTypesApart(t *testing.T) {
	ln := Item{Type: TypeLightning, ID: "a", TxType: Received, Timestamp: 10, Exists: true}
	got := Merge([]Item{onchain("a", 10, Received)}, []Item{ln})
	require.Len(t, got, 2)
}

func TestMergeIdempotent(t *testing.T) {
	a := []Item{onchain("x", 50, Sent), onchain("y", 10, Received), onchain("z", 30, Sent)}
	b := []Item{onchain("y", 60, Received), onchain("w", 30, Received), onchain("w", 30, Received)}

	once := Merge(a, b)
	twice := Merge(once, b)
	require.Equal(t, once, twice)
	require.True(t, Sorted(once))
	require.Equal(t, []string{"y", "x", "w", "z"}, ids(once))
}

func TestMarkNonExistent(t *testing.T) {
	ln := Item{Type: TypeLightning, ID: "t1", Exists: true}
	items := []Item{onchain("t1", 1, Received), onchain("t2", 2, Received), ln}

	got := MarkNonExistent(items, []string{"t1"})
	require.False(t, got[0].Exists)
	require.True(t, got[1].Exists)
	require.True(t, got[2].Exists)
	require.True(t, items[0].Exists)
}

func TestFromOnchain(t *testing.T) {
	it := FromOnchain(wallet.FormattedTransaction{
		TxID:             "abc",
		Type:             wallet.TxSent,
		Value:            1000,
		Fee:              150,
		Height:           800_000,
		Timestamp:        1_700_000_000,
		ConfirmTimestamp: 1_700_000_600,
		Address:          "bc1qdest",
		Exists:           true,
	})
	require.Equal(t, Key{TypeOnchain, "abc"}, it.Key())
	require.Equal(t, Sent, it.TxType)
	require.Equal(t, int64(1_700_000_000_000), it.Timestamp)
	require.True(t, it.Confirmed)
	require.Equal(t, int64(800_000), it.Onchain.Height)
	require.Equal(t, int64(1_700_000_600_000), it.Onchain.ConfirmTimestamp)

	unconfirmed := FromOnchain(wallet.FormattedTransaction{TxID: "def", Type: wallet.TxReceived})
	require.False(t, unconfirmed.Confirmed)
	require.Equal(t, Received, unconfirmed.TxType)
}

func TestFromLightning(t *testing.T) {
	created := time.UnixMilli(1_700_000_000_123)
	it := FromLightning(lightning.Payment{
		PaymentHash: "beef",
		Direction:   lightning.DirectionSent,
		Status:      lightning.PaymentSucceeded,
		AmountSat:   2_000,
		FeeSat:      3,
		Description: "coffee",
		CreatedAt:   created,
	})
	require.Equal(t, "beef", it.ID)
	require.Equal(t, TypeLightning, it.Type)
	require.Equal(t, Sent, it.TxType)
	require.Equal(t, created.UnixMilli(), it.Timestamp)
	require.True(t, it.Confirmed)
	require.Equal(t, "coffee", it.Message)
	require.Equal(t, "beef", it.Lightning.PaymentHash)
}
