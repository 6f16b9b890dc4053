package wallet

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"

	"github.com/klingon-exchange/klingwallet/internal/backend"
	"github.com/klingon-exchange/klingwallet/internal/chain"
	"github.com/klingon-exchange/klingwallet/internal/storage"
)

// Test mnemonic (DO NOT USE FOR REAL FUNDS)
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	dir, err := os.MkdirTemp("", "klingwallet-wallet-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	store, err := storage.New(&storage.Config{DataDir: dir})
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
		os.RemoveAll(dir)
	})
	return store
}

func newTestDeriver(t *testing.T) *Deriver {
	t.Helper()
	d, err := NewDeriverFromMnemonic(testMnemonic, "")
	if err != nil {
		t.Fatalf("NewDeriverFromMnemonic() error = %v", err)
	}
	return d
}

// foreignAddress returns a valid mainnet address the test wallet does not own.
func foreignAddress(t *testing.T, index uint32) string {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = 0x42
	}
	d, err := NewDeriverFromSeed(seed)
	if err != nil {
		t.Fatalf("NewDeriverFromSeed() error = %v", err)
	}
	a, err := d.DeriveOne(chain.Mainnet, chain.AddressP2WPKH, false, index)
	if err != nil {
		t.Fatalf("DeriveOne() error = %v", err)
	}
	return a.Address
}

type staticDerivers map[string]*Deriver

func (s staticDerivers) Deriver(walletID string) (*Deriver, error) {
	d, ok := s[walletID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotLoaded, walletID)
	}
	return d, nil
}

// fakeIndexer is an in-memory chain indexer.
type fakeIndexer struct {
	mu         sync.Mutex
	tip        int64
	history    map[string][]backend.HistoryItem
	unspent    map[string][]backend.UTXO
	txs        map[string]*backend.Transaction
	fees       *backend.FeeEstimate
	broadcasts []string
	queried    map[string]int
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{
		tip:     800000,
		history: make(map[string][]backend.HistoryItem),
		unspent: make(map[string][]backend.UTXO),
		txs:     make(map[string]*backend.Transaction),
		fees:    &backend.FeeEstimate{FastestFee: 20, HalfHourFee: 10, HourFee: 5, EconomyFee: 2, MinimumFee: 1},
		queried: make(map[string]int),
	}
}

// fund pays value to addr in a new transaction. height 0 means mempool.
func (f *fakeIndexer) fund(addr Address, txid string, value, height int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.history[addr.ScriptHash] = append(f.history[addr.ScriptHash], backend.HistoryItem{TxHash: txid, Height: height})
	f.unspent[addr.ScriptHash] = append(f.unspent[addr.ScriptHash], backend.UTXO{TxHash: txid, TxPos: 0, Value: value, Height: height})
	f.txs[txid] = &backend.Transaction{
		TxID:        txid,
		Confirmed:   height > 0,
		BlockHeight: height,
		BlockTime:   1700000000 + height,
		Fee:         150,
		Inputs: []backend.TxInput{{
			TxID:    "ff" + txid[2:],
			Vout:    1,
			PrevOut: &backend.TxOutput{Address: "bc1qforeignforeign", Value: value + 150},
		}},
		Outputs: []backend.TxOutput{{Address: addr.Address, Value: value}},
	}
}

func (f *fakeIndexer) drop(txid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.txs, txid)
	for sh, items := range f.history {
		kept := items[:0]
		for _, h := range items {
			if h.TxHash != txid {
				kept = append(kept, h)
			}
		}
		f.history[sh] = kept
	}
	for sh, items := range f.unspent {
		kept := items[:0]
		for _, u := range items {
			if u.TxHash != txid {
				kept = append(kept, u)
			}
		}
		f.unspent[sh] = kept
	}
}

func (f *fakeIndexer) setTip(tip int64) {
	f.mu.Lock()
	f.tip = tip
	f.mu.Unlock()
}

func (f *fakeIndexer) Type() backend.Type                { return backend.TypeElectrum }
func (f *fakeIndexer) Connect(ctx context.Context) error { return nil }
func (f *fakeIndexer) Close() error                      { return nil }

func (f *fakeIndexer) GetBlockHeight(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, nil
}

func (f *fakeIndexer) GetAddressHistory(ctx context.Context, scriptHashes []string) (map[string][]backend.HistoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]backend.HistoryItem)
	for _, sh := range scriptHashes {
		f.queried[sh]++
		if items := f.history[sh]; len(items) > 0 {
			out[sh] = append([]backend.HistoryItem(nil), items...)
		}
	}
	return out, nil
}

func (f *fakeIndexer) ListUnspent(ctx context.Context, scriptHashes []string) (map[string][]backend.UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]backend.UTXO)
	for _, sh := range scriptHashes {
		if items := f.unspent[sh]; len(items) > 0 {
			out[sh] = append([]backend.UTXO(nil), items...)
		}
	}
	return out, nil
}

func (f *fakeIndexer) GetTransactions(ctx context.Context, txids []string) (map[string]*backend.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*backend.Transaction)
	for _, id := range txids {
		if tx, ok := f.txs[id]; ok {
			c := *tx
			if c.Confirmed {
				c.Confirmations = f.tip - c.BlockHeight + 1
			}
			out[id] = &c
		}
	}
	return out, nil
}

func (f *fakeIndexer) GetFeeEstimates(ctx context.Context) (*backend.FeeEstimate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *f.fees
	return &c, nil
}

func (f *fakeIndexer) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	txid, err := backend.TxIDFromHex(rawTxHex)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, txid)
	return txid, nil
}

// recordingSink captures activity updates.
type recordingSink struct {
	mu          sync.Mutex
	upserts     map[string]FormattedTransaction
	nonExistent []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{upserts: make(map[string]FormattedTransaction)}
}

func (r *recordingSink) UpsertOnchain(walletID string, network chain.Network, txs []FormattedTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range txs {
		r.upserts[t.TxID] = t
	}
	return nil
}

func (r *recordingSink) MarkNonExistent(walletID string, network chain.Network, txids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nonExistent = append(r.nonExistent, txids...)
	sort.Strings(r.nonExistent)
	for _, id := range txids {
		if t, ok := r.upserts[id]; ok {
			t.Exists = false
			r.upserts[id] = t
		}
	}
	return nil
}

func (r *recordingSink) get(txid string) (FormattedTransaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.upserts[txid]
	return t, ok
}

// txid returns a deterministic 64 char hex txid.
func txid(n int) string {
	return fmt.Sprintf("%064x", n+1)
}
