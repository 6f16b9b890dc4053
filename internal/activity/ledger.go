package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/klingon-exchange/klingwallet/internal/chain"
	"github.com/klingon-exchange/klingwallet/internal/lightning"
	"github.com/klingon-exchange/klingwallet/internal/storage"
	"github.com/klingon-exchange/klingwallet/internal/wallet"
	"github.com/klingon-exchange/klingwallet/pkg/logging"
)

type feedKey struct {
	walletID string
	network  chain.Network
}

// Ledger keeps the persisted activity feed of every wallet. Items are
// cached per (wallet, network) after the first read.
type Ledger struct {
	store *storage.Storage
	clock clock.Clock
	loc   *time.Location
	log   *logging.Logger

	mu    sync.Mutex
	feeds map[feedKey][]Item
}

// NewLedger creates a ledger. A nil clock uses the wall clock and a nil
// location uses time.Local.
func NewLedger(store *storage.Storage, clk clock.Clock, loc *time.Location, log *logging.Logger) *Ledger {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Ledger{
		store: store,
		clock: clk,
		loc:   loc,
		log:   logging.OrDefault(log, "activity"),
		feeds: make(map[feedKey][]Item),
	}
}

// UpsertOnchain merges wallet transactions into the feed.
func (l *Ledger) UpsertOnchain(walletID string, network chain.Network, txs []wallet.FormattedTransaction) error {
	items := make([]Item, 0, len(txs))
	for _, tx := range txs {
		items = append(items, FromOnchain(tx))
	}
	return l.Upsert(walletID, network, items)
}

// UpsertLightning merges node payments into the feed.
func (l *Ledger) UpsertLightning(walletID string, network chain.Network, payments []lightning.Payment) error {
	items := make([]Item, 0, len(payments))
	for _, p := range payments {
		items = append(items, FromLightning(p))
	}
	return l.Upsert(walletID, network, items)
}

// Upsert persists items and merges them into the cached feed.
func (l *Ledger) Upsert(walletID string, network chain.Network, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	records := make([]storage.ActivityRecord, 0, len(items))
	for _, it := range items {
		rec, err := toRecord(it)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	feed, err := l.loadLocked(walletID, network)
	if err != nil {
		return err
	}
	if err := l.store.UpsertActivity(walletID, string(network), records); err != nil {
		return fmt.Errorf("save activity: %w", err)
	}
	l.feeds[feedKey{walletID, network}] = Merge(feed, items)

	l.log.Debug("Activity updated", "wallet", walletID, "network", network, "items", len(items))
	return nil
}

// MarkNonExistent flags on-chain items whose transaction disappeared.
func (l *Ledger) MarkNonExistent(walletID string, network chain.Network, txids []string) error {
	if len(txids) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	feed, err := l.loadLocked(walletID, network)
	if err != nil {
		return err
	}
	if err := l.store.MarkActivityExists(walletID, string(network), string(TypeOnchain), txids, false); err != nil {
		return fmt.Errorf("mark activity: %w", err)
	}
	l.feeds[feedKey{walletID, network}] = MarkNonExistent(feed, txids)

	l.log.Info("Activity hidden", "wallet", walletID, "network", network, "txids", txids)
	return nil
}

// Items returns the whole feed, hidden items included.
func (l *Ledger) Items(walletID string, network chain.Network) ([]Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	feed, err := l.loadLocked(walletID, network)
	if err != nil {
		return nil, err
	}
	return append([]Item(nil), feed...), nil
}

// List returns the items passing f. The tag map is loaded from storage
// when f filters on tags without supplying one.
func (l *Ledger) List(walletID string, network chain.Network, f Filter) ([]Item, error) {
	items, err := l.Items(walletID, network)
	if err != nil {
		return nil, err
	}
	if len(f.Tags) > 0 && f.TagMap == nil {
		if f.TagMap, err = l.store.TagMap(walletID); err != nil {
			return nil, fmt.Errorf("load tags: %w", err)
		}
	}
	return f.Apply(items), nil
}

// Groups returns the filtered feed grouped by period relative to now.
func (l *Ledger) Groups(walletID string, network chain.Network, f Filter) ([]Group, error) {
	items, err := l.List(walletID, network, f)
	if err != nil {
		return nil, err
	}
	return GroupByPeriod(items, l.clock.Now(), l.loc), nil
}

// AddTag tags an item.
func (l *Ledger) AddTag(walletID, id, tag string) error {
	if tag == "" {
		return fmt.Errorf("empty tag")
	}
	return l.store.AddTag(walletID, id, tag)
}

// RemoveTag untags an item.
func (l *Ledger) RemoveTag(walletID, id, tag string) error {
	return l.store.RemoveTag(walletID, id, tag)
}

// Tags returns all tags of a wallet keyed by item id.
func (l *Ledger) Tags(walletID string) (map[string][]string, error) {
	return l.store.TagMap(walletID)
}

// Forget drops cached feeds of a wallet. Persisted items stay.
func (l *Ledger) Forget(walletID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.feeds {
		if k.walletID == walletID {
			delete(l.feeds, k)
		}
	}
}

// Consume records claimed payments from a node event stream until ctx is
// done or events closes.
func (l *Ledger) Consume(ctx context.Context, walletID string, network chain.Network, events <-chan lightning.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != lightning.EventPaymentClaimed || ev.Payment == nil {
				continue
			}
			if err := l.UpsertLightning(walletID, network, []lightning.Payment{*ev.Payment}); err != nil {
				l.log.Warn("Failed to record payment", "hash", ev.Payment.PaymentHash, "error", err)
			}
		}
	}
}

func (l *Ledger) loadLocked(walletID string, network chain.Network) ([]Item, error) {
	key := feedKey{walletID, network}
	if feed, ok := l.feeds[key]; ok {
		return feed, nil
	}

	records, err := l.store.ListActivity(walletID, string(network))
	if err != nil {
		return nil, fmt.Errorf("load activity: %w", err)
	}
	items := make([]Item, 0, len(records))
	for _, rec := range records {
		it, err := fromRecord(rec)
		if err != nil {
			l.log.Warn("Skipping unreadable activity item", "id", rec.ID, "error", err)
			continue
		}
		items = append(items, it)
	}
	feed := Merge(nil, items)
	l.feeds[key] = feed
	return feed, nil
}

func toRecord(it Item) (storage.ActivityRecord, error) {
	rec := storage.ActivityRecord{
		ActivityType: string(it.Type),
		ID:           it.ID,
		TxType:       string(it.TxType),
		Value:        it.Value,
		Fee:          it.Fee,
		Address:      it.Address,
		Message:      it.Message,
		Timestamp:    it.Timestamp,
		Confirmed:    it.Confirmed,
		Exists:       it.Exists,
		IsTransfer:   it.IsTransfer,
		Status:       it.Status,
	}

	var details interface{}
	switch {
	case it.Type == TypeOnchain && it.Onchain != nil:
		details = it.Onchain
	case it.Type == TypeLightning && it.Lightning != nil:
		details = it.Lightning
	}
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return rec, fmt.Errorf("encode %s details: %w", it.Type, err)
		}
		rec.Data = string(data)
	}
	return rec, nil
}

func fromRecord(rec storage.ActivityRecord) (Item, error) {
	it := Item{
		Type:       Type(rec.ActivityType),
		ID:         rec.ID,
		TxType:     TxType(rec.TxType),
		Value:      rec.Value,
		Fee:        rec.Fee,
		Address:    rec.Address,
		Message:    rec.Message,
		Timestamp:  rec.Timestamp,
		Confirmed:  rec.Confirmed,
		Exists:     rec.Exists,
		IsTransfer: rec.IsTransfer,
		Status:     rec.Status,
	}
	if rec.Data == "" {
		return it, nil
	}

	switch it.Type {
	case TypeOnchain:
		it.Onchain = &OnchainDetails{}
		return it, json.Unmarshal([]byte(rec.Data), it.Onchain)
	case TypeLightning:
		it.Lightning = &LightningDetails{}
		return it, json.Unmarshal([]byte(rec.Data), it.Lightning)
	}
	return it, nil
}
