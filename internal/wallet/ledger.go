package wallet

import (
	"context"
	"fmt"
	"sort"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/klingon-exchange/klingwallet/internal/backend"
	"github.com/klingon-exchange/klingwallet/internal/chain"
	"github.com/klingon-exchange/klingwallet/internal/config"
	"github.com/klingon-exchange/klingwallet/internal/errs"
	"github.com/klingon-exchange/klingwallet/internal/storage"
	"github.com/klingon-exchange/klingwallet/pkg/logging"
)

// Reorg describes an unconfirmed transaction whose confirmations dropped
// below what its last known height implied.
type Reorg struct {
	TxID      string
	OldHeight int64
	NewHeight int64
}

// ReconcileResult partitions the tracked unconfirmed set. Every input txid
// lands in exactly one of Unconfirmed (including reorged ones), Confirmed
// or Ghosts.
type ReconcileResult struct {
	// Unconfirmed is the new unconfirmed set with refreshed heights.
	Unconfirmed map[string]int64
	Confirmed   []string
	Outdated    []Reorg
	Ghosts      []string
}

// Changed reports whether anything other than heights moved.
func (r ReconcileResult) Changed() bool {
	return len(r.Confirmed)+len(r.Outdated)+len(r.Ghosts) > 0
}

// Reconcile classifies the unconfirmed set against fresh indexer lookups.
// A nil lookup is a ghost. A transaction at or past target confirmations
// leaves the set. One with fewer confirmations than tip-height+1 was
// reorged and gets its height recomputed.
func Reconcile(unconfirmed map[string]int64, lookups map[string]*backend.Transaction, tip, target int64) ReconcileResult {
	res := ReconcileResult{Unconfirmed: make(map[string]int64)}

	txids := make([]string, 0, len(unconfirmed))
	for txid := range unconfirmed {
		txids = append(txids, txid)
	}
	sort.Strings(txids)

	for _, txid := range txids {
		known := unconfirmed[txid]
		tx := lookups[txid]
		if tx == nil {
			res.Ghosts = append(res.Ghosts, txid)
			continue
		}

		height := int64(0)
		if tx.Confirmed && tx.BlockHeight > 0 {
			height = tx.BlockHeight
		}
		conf := confirmationsAt(tip, height)

		if conf >= target {
			res.Confirmed = append(res.Confirmed, txid)
			continue
		}

		if known > 0 && conf < confirmationsAt(tip, known) {
			res.Outdated = append(res.Outdated, Reorg{TxID: txid, OldHeight: known, NewHeight: height})
		}
		res.Unconfirmed[txid] = height
	}
	return res
}

func confirmationsAt(tip, height int64) int64 {
	if height <= 0 || tip < height {
		return 0
	}
	return tip - height + 1
}

// UnconfirmedFrom returns the transactions below target confirmations at
// tip, keyed by txid with their height.
func UnconfirmedFrom(txs []FormattedTransaction, tip, target int64) map[string]int64 {
	out := make(map[string]int64)
	for _, t := range txs {
		if !t.Exists {
			continue
		}
		if t.Confirmations(tip) < target {
			out[t.TxID] = t.Height
		}
	}
	return out
}

// TransactionLedger tracks wallet transactions and their confirmation
// state against the indexer.
type TransactionLedger struct {
	indexer backend.Indexer
	store   *storage.Storage
	clock   clock.Clock
	target  int64
	log     *logging.Logger
}

// NewTransactionLedger creates a ledger. A target of 0 uses
// config.ConfirmationTarget.
func NewTransactionLedger(indexer backend.Indexer, store *storage.Storage, clk clock.Clock, target int64, log *logging.Logger) *TransactionLedger {
	if target <= 0 {
		target = config.ConfirmationTarget
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &TransactionLedger{
		indexer: indexer,
		store:   store,
		clock:   clk,
		target:  target,
		log:     logging.OrDefault(log, "ledger"),
	}
}

// Target returns the confirmation target.
func (l *TransactionLedger) Target() int64 {
	return l.target
}

// Sync fetches the transactions seen in a scan's history and formats
// them. Transactions already deep enough in previous are not fetched
// again.
func (l *TransactionLedger) Sync(ctx context.Context, history []HistoryEntry, owned WalletAddresses, previous map[string]FormattedTransaction, tip int64) ([]FormattedTransaction, error) {
	seen := make(map[string]struct{})
	var fetch []string
	for _, h := range history {
		if _, ok := seen[h.TxHash]; ok {
			continue
		}
		seen[h.TxHash] = struct{}{}
		if prev, ok := previous[h.TxHash]; ok && prev.Exists && prev.Confirmations(tip) >= l.target {
			continue
		}
		fetch = append(fetch, h.TxHash)
	}
	sort.Strings(fetch)

	var formatted []FormattedTransaction
	if len(fetch) > 0 {
		txs, err := l.indexer.GetTransactions(ctx, fetch)
		if err != nil {
			return nil, errs.Network("wallet.GetTransactions", err)
		}
		formatted = FormatTransactions(txs, owned, previous, l.clock)

		for _, txid := range fetch {
			if _, ok := txs[txid]; !ok {
				l.log.Debug("Indexer returned history for unknown transaction", "txid", txid)
			}
		}
	}

	merged := make(map[string]FormattedTransaction, len(previous)+len(formatted))
	for txid, t := range previous {
		merged[txid] = t
	}
	for _, t := range formatted {
		merged[t.TxID] = t
	}

	out := make([]FormattedTransaction, 0, len(merged))
	for _, t := range merged {
		out = append(out, t)
	}
	SortTransactions(out)
	return out, nil
}

// ReconcileUnconfirmed looks up every tracked unconfirmed transaction and
// classifies it.
func (l *TransactionLedger) ReconcileUnconfirmed(ctx context.Context, unconfirmed map[string]int64) (ReconcileResult, int64, error) {
	if len(unconfirmed) == 0 {
		return ReconcileResult{Unconfirmed: map[string]int64{}}, 0, nil
	}

	tip, err := l.indexer.GetBlockHeight(ctx)
	if err != nil {
		return ReconcileResult{}, 0, errs.Network("wallet.GetBlockHeight", err)
	}

	txids := make([]string, 0, len(unconfirmed))
	for txid := range unconfirmed {
		txids = append(txids, txid)
	}
	sort.Strings(txids)

	lookups, err := l.indexer.GetTransactions(ctx, txids)
	if err != nil {
		return ReconcileResult{}, 0, errs.Network("wallet.GetTransactions", err)
	}

	res := Reconcile(unconfirmed, lookups, tip, l.target)
	for _, r := range res.Outdated {
		l.log.Warn("Transaction reorged", "txid", r.TxID, "old_height", r.OldHeight, "new_height", r.NewHeight)
	}
	for _, g := range res.Ghosts {
		l.log.Warn("Transaction no longer known to indexer", "txid", g)
	}
	return res, tip, nil
}

// Load reads the persisted transactions and unconfirmed set.
func (l *TransactionLedger) Load(walletID string, network chain.Network) (map[string]FormattedTransaction, map[string]int64, error) {
	records, err := l.store.ListTransactions(walletID, string(network))
	if err != nil {
		return nil, nil, fmt.Errorf("load transactions: %w", err)
	}
	txs := make(map[string]FormattedTransaction, len(records))
	for _, r := range records {
		txs[r.TxID] = fromTransactionRecord(r)
	}

	unc, err := l.store.ListUnconfirmed(walletID, string(network))
	if err != nil {
		return nil, nil, fmt.Errorf("load unconfirmed: %w", err)
	}
	unconfirmed := make(map[string]int64, len(unc))
	for _, u := range unc {
		unconfirmed[u.TxID] = u.Height
	}
	return txs, unconfirmed, nil
}

// Save persists transactions and replaces the unconfirmed set.
func (l *TransactionLedger) Save(walletID string, network chain.Network, txs []FormattedTransaction, unconfirmed map[string]int64) error {
	records := make([]storage.TransactionRecord, 0, len(txs))
	for _, t := range txs {
		records = append(records, toTransactionRecord(t))
	}
	if err := l.store.SaveTransactions(walletID, string(network), records); err != nil {
		return fmt.Errorf("save transactions: %w", err)
	}

	unc := make([]storage.UnconfirmedRecord, 0, len(unconfirmed))
	for txid, h := range unconfirmed {
		unc = append(unc, storage.UnconfirmedRecord{TxID: txid, Height: h})
	}
	if err := l.store.ReplaceUnconfirmed(walletID, string(network), unc); err != nil {
		return fmt.Errorf("save unconfirmed: %w", err)
	}
	return nil
}

// MarkExists flips the exists flag of a stored transaction.
func (l *TransactionLedger) MarkExists(walletID string, network chain.Network, txid string, exists bool) error {
	return l.store.SetTransactionExists(walletID, string(network), txid, exists)
}

// BoostKind is the fee bumping method.
type BoostKind string

const (
	BoostRBF  BoostKind = "rbf"
	BoostCPFP BoostKind = "cpfp"
)

// Boost links a transaction to the one that bumped its fee.
type Boost struct {
	ParentTxID string    `json:"parentTxid"`
	ChildTxID  string    `json:"childTxid"`
	Kind       BoostKind `json:"kind"`
	Fee        int64     `json:"fee"`
	CreatedAt  int64     `json:"createdAt"`
}

// RecordBoost stores fee-bump lineage.
func (l *TransactionLedger) RecordBoost(walletID string, network chain.Network, b Boost) error {
	if b.Kind != BoostRBF && b.Kind != BoostCPFP {
		return errs.Validationf("wallet.RecordBoost", "unknown boost kind %q", b.Kind)
	}
	if b.ParentTxID == "" || b.ChildTxID == "" || b.ParentTxID == b.ChildTxID {
		return errs.Validationf("wallet.RecordBoost", "invalid boost %s -> %s", b.ParentTxID, b.ChildTxID)
	}
	if b.CreatedAt == 0 {
		b.CreatedAt = l.clock.Now().Unix()
	}
	return l.store.SaveBoost(walletID, string(network), &storage.BoostRecord{
		ParentTxID: b.ParentTxID,
		ChildTxID:  b.ChildTxID,
		Kind:       string(b.Kind),
		Fee:        b.Fee,
		CreatedAt:  b.CreatedAt,
	})
}

// Boosts returns the recorded fee bumps keyed by parent txid.
func (l *TransactionLedger) Boosts(walletID string, network chain.Network) (map[string]Boost, error) {
	records, err := l.store.ListBoosts(walletID, string(network))
	if err != nil {
		return nil, err
	}
	out := make(map[string]Boost, len(records))
	for k, r := range records {
		out[k] = Boost{
			ParentTxID: r.ParentTxID,
			ChildTxID:  r.ChildTxID,
			Kind:       BoostKind(r.Kind),
			Fee:        r.Fee,
			CreatedAt:  r.CreatedAt,
		}
	}
	return out, nil
}
