package wallet

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/klingwallet/internal/backend"
	"github.com/klingon-exchange/klingwallet/internal/chain"
	"github.com/klingon-exchange/klingwallet/internal/errs"
	"github.com/klingon-exchange/klingwallet/internal/storage"
	"github.com/klingon-exchange/klingwallet/pkg/logging"
)

// Utxo is an unspent output owned by the wallet. Identity is
// (ScriptHash, TxHash, TxPos).
type Utxo struct {
	ScriptHash  string            `json:"scriptHash"`
	TxHash      string            `json:"txHash"`
	TxPos       uint32            `json:"txPos"`
	Value       int64             `json:"value"`
	Height      int64             `json:"height"`
	Address     string            `json:"address"`
	Path        string            `json:"path"`
	AddressType chain.AddressType `json:"addressType"`
	PublicKey   string            `json:"publicKey"`
}

// ID returns the identity of u as a single string.
func (u Utxo) ID() string {
	return fmt.Sprintf("%s:%s:%d", u.ScriptHash, u.TxHash, u.TxPos)
}

// Outpoint returns txid:vout.
func (u Utxo) Outpoint() string {
	return fmt.Sprintf("%s:%d", u.TxHash, u.TxPos)
}

// DedupeUtxos removes repeated identities, keeping the first occurrence.
func DedupeUtxos(utxos []Utxo) []Utxo {
	seen := make(map[string]struct{}, len(utxos))
	out := make([]Utxo, 0, len(utxos))
	for _, u := range utxos {
		id := u.ID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, u)
	}
	return out
}

// SumUtxos returns the total value of utxos.
func SumUtxos(utxos []Utxo) int64 {
	var total int64
	for _, u := range utxos {
		total += u.Value
	}
	return total
}

// HistoryEntry is a transaction touching a wallet address.
type HistoryEntry struct {
	TxHash     string
	Height     int64
	ScriptHash string
	Change     bool
}

// ScanResult is the outcome of scanning one address bucket.
type ScanResult struct {
	Key     IndexKey
	Utxos   []Utxo
	Balance int64
	History []HistoryEntry

	// Addresses maps every scanned script hash to its address.
	Addresses map[string]Address

	LastUsed       int
	LastUsedChange int
}

// UtxoSet discovers wallet outputs through the chain indexer.
type UtxoSet struct {
	indexer backend.Indexer
	index   *AddressIndex
	log     *logging.Logger
}

// NewUtxoSet creates a UtxoSet over an address index.
func NewUtxoSet(indexer backend.Indexer, index *AddressIndex, log *logging.Logger) *UtxoSet {
	return &UtxoSet{
		indexer: indexer,
		index:   index,
		log:     logging.OrDefault(log, "utxo"),
	}
}

// Refresh scans one bucket. With scanAll every derived address up to the
// gap boundary is queried and the boundary is pushed out while new activity
// turns up; otherwise only addresses up to lastUsed and the current
// pointers are queried. Last used indexes are recorded from the history
// seen.
func (s *UtxoSet) Refresh(ctx context.Context, key IndexKey, scanAll bool) (*ScanResult, error) {
	res := &ScanResult{
		Key:       key,
		Addresses: make(map[string]Address),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, change := range []bool{false, true} {
		change := change
		g.Go(func() error {
			br, err := s.scanBranch(gctx, key, change, scanAll)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for sh, a := range br.addrs {
				res.Addresses[sh] = a
			}
			res.History = append(res.History, br.history...)
			if change {
				res.LastUsedChange = br.lastUsed
			} else {
				res.LastUsed = br.lastUsed
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	scriptHashes := make([]string, 0, len(res.Addresses))
	for sh := range res.Addresses {
		scriptHashes = append(scriptHashes, sh)
	}
	sort.Strings(scriptHashes)

	unspent, err := s.indexer.ListUnspent(ctx, scriptHashes)
	if err != nil {
		return nil, errs.Network("wallet.ListUnspent", err)
	}

	var utxos []Utxo
	for _, sh := range scriptHashes {
		addr := res.Addresses[sh]
		for _, u := range unspent[sh] {
			utxos = append(utxos, Utxo{
				ScriptHash:  sh,
				TxHash:      u.TxHash,
				TxPos:       u.TxPos,
				Value:       u.Value,
				Height:      u.Height,
				Address:     addr.Address,
				Path:        addr.Path,
				AddressType: key.AddressType,
				PublicKey:   addr.PublicKey,
			})
		}
	}
	res.Utxos = DedupeUtxos(utxos)
	res.Balance = SumUtxos(res.Utxos)

	s.log.Debug("Scanned address bucket",
		"key", key.String(),
		"scan_all", scanAll,
		"addresses", len(scriptHashes),
		"utxos", len(res.Utxos),
		"balance", res.Balance,
	)
	return res, nil
}

type branchScan struct {
	addrs    map[string]Address
	history  []HistoryEntry
	lastUsed int
}

func (s *UtxoSet) scanBranch(ctx context.Context, key IndexKey, change, scanAll bool) (*branchScan, error) {
	out := &branchScan{addrs: make(map[string]Address), lastUsed: -1}
	queried := make(map[string]struct{})

	for {
		batch, err := s.candidates(ctx, key, change, scanAll)
		if err != nil {
			return nil, err
		}

		var pending []string
		byHash := make(map[string]Address, len(batch))
		for _, a := range batch {
			out.addrs[a.ScriptHash] = a
			if _, ok := queried[a.ScriptHash]; ok {
				continue
			}
			queried[a.ScriptHash] = struct{}{}
			byHash[a.ScriptHash] = a
			pending = append(pending, a.ScriptHash)
		}
		if len(pending) == 0 {
			break
		}

		history, err := s.indexer.GetAddressHistory(ctx, pending)
		if err != nil {
			return nil, errs.Network("wallet.GetAddressHistory", err)
		}

		highest := -1
		for _, sh := range pending {
			items := history[sh]
			if len(items) == 0 {
				continue
			}
			if idx := byHash[sh].Index; idx > highest {
				highest = idx
			}
			for _, h := range items {
				out.history = append(out.history, HistoryEntry{
					TxHash:     h.TxHash,
					Height:     h.Height,
					ScriptHash: sh,
					Change:     change,
				})
			}
		}

		st, err := s.index.State(key)
		if err != nil {
			return nil, err
		}
		_, lastUsed := st.pointers(change)
		if highest > lastUsed.Index {
			if err := s.index.MarkUsed(ctx, key, change, highest); err != nil {
				return nil, err
			}
		}
		if highest > out.lastUsed {
			out.lastUsed = highest
		}

		// New activity moves the gap boundary; keep going until a full
		// window comes back empty.
		if !scanAll || highest <= lastUsed.Index {
			break
		}
	}

	if out.lastUsed < 0 {
		st, err := s.index.State(key)
		if err != nil {
			return nil, err
		}
		_, lastUsed := st.pointers(change)
		out.lastUsed = lastUsed.Index
	}
	return out, nil
}

// candidates returns the addresses a scan should cover on one branch.
func (s *UtxoSet) candidates(ctx context.Context, key IndexKey, change, scanAll bool) ([]Address, error) {
	if scanAll {
		return s.index.Lookahead(ctx, key, change)
	}

	if _, err := s.index.Current(ctx, key, change); err != nil {
		return nil, err
	}
	st, err := s.index.State(key)
	if err != nil {
		return nil, err
	}
	cur, lastUsed := st.pointers(change)
	limit := lastUsed.Index
	if cur.Index > limit {
		limit = cur.Index
	}

	var out []Address
	for _, a := range st.Sorted(change) {
		if a.Index <= limit {
			out = append(out, a)
		}
	}
	return out, nil
}

// SaveUtxos persists the utxo set of a (wallet, network).
func SaveUtxos(store *storage.Storage, walletID string, network chain.Network, utxos []Utxo) error {
	records := make([]storage.UtxoRecord, 0, len(utxos))
	for _, u := range utxos {
		records = append(records, storage.UtxoRecord{
			ScriptHash:  u.ScriptHash,
			TxHash:      u.TxHash,
			TxPos:       u.TxPos,
			Value:       u.Value,
			Height:      u.Height,
			Address:     u.Address,
			Path:        u.Path,
			AddressType: string(u.AddressType),
			PublicKey:   u.PublicKey,
		})
	}
	if err := store.ReplaceUtxos(walletID, string(network), records); err != nil {
		return fmt.Errorf("save utxos: %w", err)
	}
	return nil
}

// LoadUtxos reads the persisted utxo set of a (wallet, network).
func LoadUtxos(store *storage.Storage, walletID string, network chain.Network) ([]Utxo, error) {
	records, err := store.GetUtxos(walletID, string(network))
	if err != nil {
		return nil, fmt.Errorf("load utxos: %w", err)
	}
	out := make([]Utxo, 0, len(records))
	for _, r := range records {
		out = append(out, Utxo{
			ScriptHash:  r.ScriptHash,
			TxHash:      r.TxHash,
			TxPos:       r.TxPos,
			Value:       r.Value,
			Height:      r.Height,
			Address:     r.Address,
			Path:        r.Path,
			AddressType: chain.AddressType(r.AddressType),
			PublicKey:   r.PublicKey,
		})
	}
	return out, nil
}
