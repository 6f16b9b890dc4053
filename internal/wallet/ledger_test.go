package wallet

import (
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/klingon-exchange/klingwallet/internal/backend"
)

func TestReconcile(t *testing.T) {
	const tip = 1000

	unconfirmed := map[string]int64{
		"mempool":   0,
		"shallow":   998,
		"deep":      990,
		"reorged":   999,
		"unmined":   997,
		"ghost":     0,
		"justmined": 0,
	}
	lookups := map[string]*backend.Transaction{
		"mempool":   {TxID: "mempool"},
		"shallow":   {TxID: "shallow", Confirmed: true, BlockHeight: 998},
		"deep":      {TxID: "deep", Confirmed: true, BlockHeight: 990},
		"reorged":   {TxID: "reorged", Confirmed: true, BlockHeight: 1000},
		"unmined":   {TxID: "unmined"},
		"justmined": {TxID: "justmined", Confirmed: true, BlockHeight: 1000},
	}

	res := Reconcile(unconfirmed, lookups, tip, 6)

	if len(res.Confirmed) != 1 || res.Confirmed[0] != "deep" {
		t.Errorf("confirmed = %v, want [deep]", res.Confirmed)
	}
	if len(res.Ghosts) != 1 || res.Ghosts[0] != "ghost" {
		t.Errorf("ghosts = %v, want [ghost]", res.Ghosts)
	}

	outdated := make(map[string]Reorg)
	for _, r := range res.Outdated {
		outdated[r.TxID] = r
	}
	if len(outdated) != 2 {
		t.Fatalf("outdated = %v, want reorged and unmined", res.Outdated)
	}
	if r := outdated["reorged"]; r.OldHeight != 999 || r.NewHeight != 1000 {
		t.Errorf("reorged = %+v", r)
	}
	if r := outdated["unmined"]; r.NewHeight != 0 {
		t.Errorf("unmined new height = %d, want 0", r.NewHeight)
	}

	wantHeights := map[string]int64{
		"mempool":   0,
		"shallow":   998,
		"reorged":   1000,
		"unmined":   0,
		"justmined": 1000,
	}
	if len(res.Unconfirmed) != len(wantHeights) {
		t.Fatalf("unconfirmed = %v", res.Unconfirmed)
	}
	for txid, h := range wantHeights {
		if got, ok := res.Unconfirmed[txid]; !ok || got != h {
			t.Errorf("unconfirmed[%s] = %d (present %v), want %d", txid, got, ok, h)
		}
	}

	// Every input lands in exactly one bucket.
	total := len(res.Unconfirmed) + len(res.Confirmed) + len(res.Ghosts)
	if total != len(unconfirmed) {
		t.Errorf("partition covers %d of %d transactions", total, len(unconfirmed))
	}
	if !res.Changed() {
		t.Error("result should report a change")
	}
}

func TestReconcileNoChange(t *testing.T) {
	res := Reconcile(map[string]int64{"a": 0}, map[string]*backend.Transaction{"a": {TxID: "a"}}, 100, 6)
	if res.Changed() {
		t.Errorf("unexpected change: %+v", res)
	}
	if _, ok := res.Unconfirmed["a"]; !ok {
		t.Error("a should stay unconfirmed")
	}
}

func TestUnconfirmedFrom(t *testing.T) {
	txs := []FormattedTransaction{
		{TxID: "a", Height: 0, Exists: true},
		{TxID: "b", Height: 95, Exists: true},
		{TxID: "c", Height: 90, Exists: true},
		{TxID: "d", Height: 0, Exists: false},
	}
	got := UnconfirmedFrom(txs, 100, 6)
	if len(got) != 2 {
		t.Fatalf("unconfirmed = %v, want a and b", got)
	}
	if _, ok := got["c"]; ok {
		t.Error("c has 11 confirmations")
	}
	if _, ok := got["d"]; ok {
		t.Error("non-existent transactions are not tracked")
	}
}

func TestTransactionLedgerPersistence(t *testing.T) {
	store := newTestStorage(t)
	clk := clock.NewTestClock(time.Unix(1700000000, 0))
	l := NewTransactionLedger(newFakeIndexer(), store, clk, 0, nil)

	if l.Target() != 6 {
		t.Errorf("Target() = %d, want 6", l.Target())
	}

	txs := []FormattedTransaction{
		{TxID: txid(1), Type: TxReceived, Value: 5000, Height: 0, Timestamp: 10, Exists: true, Vin: []string{"x:0"}},
		{TxID: txid(2), Type: TxSent, Value: 1000, Fee: 200, Height: 50, Timestamp: 5, Exists: true},
	}
	if err := l.Save("w1", "mainnet", txs, map[string]int64{txid(1): 0}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, unconfirmed, err := l.Load("w1", "mainnet")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 2 || loaded[txid(2)].Fee != 200 {
		t.Errorf("loaded = %+v", loaded)
	}
	if _, ok := unconfirmed[txid(1)]; !ok || len(unconfirmed) != 1 {
		t.Errorf("unconfirmed = %v", unconfirmed)
	}

	if err := l.RecordBoost("w1", "mainnet", Boost{ParentTxID: txid(1), ChildTxID: txid(3), Kind: BoostRBF, Fee: 400}); err != nil {
		t.Fatalf("RecordBoost() error = %v", err)
	}
	boosts, err := l.Boosts("w1", "mainnet")
	if err != nil {
		t.Fatalf("Boosts() error = %v", err)
	}
	if b := boosts[txid(1)]; b.ChildTxID != txid(3) || b.CreatedAt != 1700000000 {
		t.Errorf("boost = %+v", b)
	}

	if err := l.RecordBoost("w1", "mainnet", Boost{ParentTxID: txid(1), ChildTxID: txid(1), Kind: BoostRBF}); err == nil {
		t.Error("self boost should fail")
	}
	if err := l.RecordBoost("w1", "mainnet", Boost{ParentTxID: txid(1), ChildTxID: txid(4), Kind: "magic"}); err == nil {
		t.Error("unknown kind should fail")
	}
}
