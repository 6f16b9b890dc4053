package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/klingon-exchange/klingwallet/internal/backend"
	"github.com/klingon-exchange/klingwallet/internal/chain"
	"github.com/klingon-exchange/klingwallet/internal/config"
	"github.com/klingon-exchange/klingwallet/internal/errs"
	"github.com/klingon-exchange/klingwallet/internal/storage"
	"github.com/klingon-exchange/klingwallet/pkg/logging"
)

// ErrWalletNotLoaded is returned for wallets the engine has no deriver for.
var ErrWalletNotLoaded = errors.New("wallet not loaded")

// ActivitySink receives on-chain transactions for the activity feed.
type ActivitySink interface {
	UpsertOnchain(walletID string, network chain.Network, txs []FormattedTransaction) error
	MarkNonExistent(walletID string, network chain.Network, txids []string) error
}

// EventType names an engine event.
type EventType string

const (
	EventRefreshed   EventType = "wallet.refreshed"
	EventTxReceived  EventType = "wallet.tx_received"
	EventTxBroadcast EventType = "wallet.tx_broadcast"
	EventTxConfirmed EventType = "wallet.tx_confirmed"
	EventTxReorged   EventType = "wallet.tx_reorged"
	EventTxGhost     EventType = "wallet.tx_ghost"
)

// Event is published on Engine.Events.
type Event struct {
	Type     EventType     `json:"type"`
	WalletID string        `json:"walletId"`
	Network  chain.Network `json:"network"`
	TxID     string        `json:"txid,omitempty"`
	Value    int64         `json:"value,omitempty"`
	Time     time.Time     `json:"time"`
}

// EngineConfig holds the engine's dependencies.
type EngineConfig struct {
	Network  chain.Network
	Indexer  backend.Indexer
	Storage  *storage.Storage
	Policy   config.WalletPolicy
	Activity ActivitySink
	Clock    clock.Clock
	Logger   *logging.Logger

	// DefaultAddressType is used for wallets without a stored choice.
	// Empty means the network default.
	DefaultAddressType chain.AddressType
}

// Engine owns every wallet aggregate and drives the address index, utxo
// scans and the transaction ledger against the indexer.
type Engine struct {
	cfg    EngineConfig
	log    *logging.Logger
	clock  clock.Clock
	index  *AddressIndex
	utxos  *UtxoSet
	ledger *TransactionLedger

	refreshLocks *KeyedMutex

	mu         sync.RWMutex
	network    chain.Network
	derivers   map[string]*Deriver
	addrTypes  map[string]chain.AddressType
	aggregates map[WalletKey]*Aggregate

	events chan Event

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopWg     sync.WaitGroup
}

// NewEngine creates an engine. Start launches its background loop.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Indexer == nil {
		return nil, errors.New("indexer is required")
	}
	if cfg.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if _, ok := chain.Get(cfg.Network); !ok {
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}
	cfg.Policy = cfg.Policy.Normalize()
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	log := logging.OrDefault(cfg.Logger, "wallet")
	e := &Engine{
		cfg:          cfg,
		log:          log,
		clock:        cfg.Clock,
		refreshLocks: NewKeyedMutex(),
		network:      cfg.Network,
		derivers:     make(map[string]*Deriver),
		addrTypes:    make(map[string]chain.AddressType),
		aggregates:   make(map[WalletKey]*Aggregate),
		events:       make(chan Event, 64),
	}
	e.index = NewAddressIndex(e, cfg.Storage, cfg.Policy.GapLimit, log.Component("index"))
	e.utxos = NewUtxoSet(cfg.Indexer, e.index, log.Component("utxo"))
	e.ledger = NewTransactionLedger(cfg.Indexer, cfg.Storage, cfg.Clock, cfg.Policy.ConfirmationTarget, log.Component("ledger"))
	return e, nil
}

// Index returns the engine's address index.
func (e *Engine) Index() *AddressIndex { return e.index }

// Ledger returns the engine's transaction ledger.
func (e *Engine) Ledger() *TransactionLedger { return e.ledger }

// Events delivers engine events. Events are dropped when nobody reads.
func (e *Engine) Events() <-chan Event { return e.events }

// Network returns the active network.
func (e *Engine) Network() chain.Network {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.network
}

// Deriver returns the deriver of a loaded wallet.
func (e *Engine) Deriver(walletID string) (*Deriver, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.derivers[walletID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotLoaded, walletID)
	}
	return d, nil
}

// AddWallet loads a wallet into the engine and restores its persisted
// state on the active network.
func (e *Engine) AddWallet(walletID string, d *Deriver) error {
	if d == nil {
		return errors.New("deriver is required")
	}

	t, err := e.storedAddressType(walletID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.derivers[walletID] = d
	e.addrTypes[walletID] = t
	e.mu.Unlock()

	_, err = e.aggregate(WalletKey{WalletID: walletID, Network: e.Network()})
	return err
}

// RemoveWallet unloads a wallet. Persisted state is kept.
func (e *Engine) RemoveWallet(walletID string) {
	e.mu.Lock()
	if d, ok := e.derivers[walletID]; ok {
		d.ClearCache()
	}
	delete(e.derivers, walletID)
	delete(e.addrTypes, walletID)
	for k := range e.aggregates {
		if k.WalletID == walletID {
			delete(e.aggregates, k)
		}
	}
	e.mu.Unlock()
	e.index.Forget(walletID)
}

// Wallets lists loaded wallet ids.
func (e *Engine) Wallets() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.derivers))
	for id := range e.derivers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddressType returns the selected address type of a wallet.
func (e *Engine) AddressType(walletID string) chain.AddressType {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.addrTypes[walletID]
}

// SetAddressType switches the receive address type. The next refresh scans
// every address.
func (e *Engine) SetAddressType(walletID string, t chain.AddressType) error {
	if !t.Valid() {
		return errs.Validationf("wallet.SetAddressType", "unsupported address type %q", t)
	}
	if _, err := e.Deriver(walletID); err != nil {
		return err
	}
	if err := e.cfg.Storage.SetSetting(addressTypeSetting(walletID), string(t)); err != nil {
		return fmt.Errorf("save address type: %w", err)
	}

	e.mu.Lock()
	e.addrTypes[walletID] = t
	e.mu.Unlock()

	agg, err := e.aggregate(WalletKey{WalletID: walletID, Network: e.Network()})
	if err != nil {
		return err
	}
	agg.mu.Lock()
	agg.needsFullScan = true
	agg.mu.Unlock()
	return nil
}

// MonitoredTypes returns the selected address type of a wallet followed by
// every other type that has addresses on the active network.
func (e *Engine) MonitoredTypes(walletID string) []chain.AddressType {
	selected := e.AddressType(walletID)
	network := e.Network()

	out := []chain.AddressType{selected}
	for _, t := range chain.AddressTypes {
		if t == selected {
			continue
		}
		if e.index.Initialized(IndexKey{WalletID: walletID, Network: network, AddressType: t}) {
			out = append(out, t)
		}
	}
	return out
}

// SwitchNetwork moves every wallet to another network. Background loops
// are restarted and the next refresh of each wallet scans every address.
func (e *Engine) SwitchNetwork(ctx context.Context, network chain.Network) error {
	if _, ok := chain.Get(network); !ok {
		return errs.Validationf("wallet.SwitchNetwork", "unknown network %q", network)
	}

	running := e.stopLoop()

	e.mu.Lock()
	e.network = network
	ids := make([]string, 0, len(e.derivers))
	for id := range e.derivers {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		agg, err := e.aggregate(WalletKey{WalletID: id, Network: network})
		if err != nil {
			return err
		}
		agg.mu.Lock()
		agg.needsFullScan = true
		agg.mu.Unlock()
	}

	e.log.Info("Switched network", "network", network)
	if running {
		e.Start(ctx)
	}
	return nil
}

// Snapshot returns the current state of a wallet on the active network.
func (e *Engine) Snapshot(walletID string) (Snapshot, error) {
	agg, err := e.loaded(walletID)
	if err != nil {
		return Snapshot{}, err
	}
	return agg.Snapshot(), nil
}

// Balance returns the on-chain balance of a wallet on the active network.
func (e *Engine) Balance(walletID string) (int64, error) {
	agg, err := e.loaded(walletID)
	if err != nil {
		return 0, err
	}
	return agg.Balance(), nil
}

// ReceiveAddress returns the current receive address of the selected type.
func (e *Engine) ReceiveAddress(ctx context.Context, walletID string) (Address, error) {
	key, err := e.indexKey(walletID)
	if err != nil {
		return Address{}, err
	}
	return e.index.Current(ctx, key, false)
}

// NewReceiveAddress advances the receive pointer and returns the new
// address.
func (e *Engine) NewReceiveAddress(ctx context.Context, walletID string) (Address, error) {
	key, err := e.indexKey(walletID)
	if err != nil {
		return Address{}, err
	}
	return e.index.EnsureNextAvailable(ctx, key, false)
}

// Refresh rescans a wallet on the active network and updates its utxos,
// transactions and unconfirmed set. A full scan is forced when one is
// pending.
func (e *Engine) Refresh(ctx context.Context, walletID string, scanAll bool) (Snapshot, error) {
	agg, err := e.loaded(walletID)
	if err != nil {
		return Snapshot{}, err
	}
	key := agg.key

	unlock, err := e.refreshLocks.Lock(ctx, key.String())
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()

	agg.mu.RLock()
	if agg.needsFullScan {
		scanAll = true
	}
	agg.mu.RUnlock()

	owned := make(WalletAddresses)
	var (
		utxos   []Utxo
		history []HistoryEntry
	)
	for _, t := range e.MonitoredTypes(walletID) {
		res, err := e.utxos.Refresh(ctx, key.IndexKey(t), scanAll)
		if err != nil {
			return Snapshot{}, fmt.Errorf("scan %s: %w", t, err)
		}
		utxos = append(utxos, res.Utxos...)
		history = append(history, res.History...)

		st, err := e.index.State(key.IndexKey(t))
		if err != nil {
			return Snapshot{}, err
		}
		owned.AddState(st)
	}

	tip, err := e.cfg.Indexer.GetBlockHeight(ctx)
	if err != nil {
		return Snapshot{}, errs.Network("wallet.GetBlockHeight", err)
	}

	previous := agg.transactionsCopy()
	txs, err := e.ledger.Sync(ctx, history, owned, previous, tip)
	if err != nil {
		return Snapshot{}, err
	}

	agg.mu.RLock()
	boosted := make(map[string]Boost, len(agg.boosted))
	for k, v := range agg.boosted {
		boosted[k] = v
	}
	agg.mu.RUnlock()

	txs = hideReplaced(txs, boosted)
	unconfirmed := UnconfirmedFrom(txs, tip, e.ledger.Target())
	utxos = DedupeUtxos(utxos)

	if err := SaveUtxos(e.cfg.Storage, key.WalletID, key.Network, utxos); err != nil {
		return Snapshot{}, err
	}
	if err := e.ledger.Save(key.WalletID, key.Network, txs, unconfirmed); err != nil {
		return Snapshot{}, err
	}

	agg.mu.Lock()
	agg.setUtxos(utxos)
	agg.tip = tip
	agg.unconfirmed = unconfirmed
	for _, t := range txs {
		agg.transactions[t.TxID] = t
	}
	if scanAll {
		agg.needsFullScan = false
	}
	agg.lastRefresh = e.clock.Now()
	agg.mu.Unlock()

	if e.cfg.Activity != nil {
		if err := e.cfg.Activity.UpsertOnchain(key.WalletID, key.Network, txs); err != nil {
			e.log.Warn("Failed to update activity", "wallet", key.WalletID, "error", err)
		}
	}

	for _, t := range txs {
		if _, seen := previous[t.TxID]; !seen && t.Type == TxReceived {
			e.emit(Event{Type: EventTxReceived, WalletID: key.WalletID, Network: key.Network, TxID: t.TxID, Value: t.Value})
		}
	}
	e.emit(Event{Type: EventRefreshed, WalletID: key.WalletID, Network: key.Network})

	e.log.Debug("Wallet refreshed",
		"wallet", key.WalletID,
		"network", key.Network,
		"scan_all", scanAll,
		"utxos", len(utxos),
		"transactions", len(txs),
		"unconfirmed", len(unconfirmed),
	)
	return agg.Snapshot(), nil
}

// ReconcileMempool checks every tracked unconfirmed transaction of a
// wallet. Ghosts are hidden from activity and trigger a full rescan;
// confirmations and reorgs trigger a normal refresh.
func (e *Engine) ReconcileMempool(ctx context.Context, walletID string) (ReconcileResult, error) {
	agg, err := e.loaded(walletID)
	if err != nil {
		return ReconcileResult{}, err
	}
	key := agg.key

	res, tip, err := e.ledger.ReconcileUnconfirmed(ctx, agg.unconfirmedCopy())
	if err != nil {
		return ReconcileResult{}, err
	}
	if !res.Changed() && len(res.Unconfirmed) == 0 {
		return res, nil
	}

	agg.mu.Lock()
	if tip > 0 {
		agg.tip = tip
	}
	agg.unconfirmed = res.Unconfirmed
	for _, r := range res.Outdated {
		if t, ok := agg.transactions[r.TxID]; ok {
			t.Height = r.NewHeight
			agg.transactions[r.TxID] = t
		}
	}
	for _, txid := range res.Ghosts {
		if t, ok := agg.transactions[txid]; ok {
			t.Exists = false
			agg.transactions[txid] = t
		}
	}
	if len(res.Ghosts) > 0 {
		agg.needsFullScan = true
	}
	agg.mu.Unlock()

	for _, txid := range res.Ghosts {
		if err := e.ledger.MarkExists(key.WalletID, key.Network, txid, false); err != nil {
			e.log.Warn("Failed to mark ghost transaction", "txid", txid, "error", err)
		}
		e.emit(Event{Type: EventTxGhost, WalletID: key.WalletID, Network: key.Network, TxID: txid})
	}
	if len(res.Ghosts) > 0 && e.cfg.Activity != nil {
		if err := e.cfg.Activity.MarkNonExistent(key.WalletID, key.Network, res.Ghosts); err != nil {
			e.log.Warn("Failed to hide ghost activity", "error", err)
		}
	}
	for _, r := range res.Outdated {
		e.emit(Event{Type: EventTxReorged, WalletID: key.WalletID, Network: key.Network, TxID: r.TxID})
	}
	for _, txid := range res.Confirmed {
		e.emit(Event{Type: EventTxConfirmed, WalletID: key.WalletID, Network: key.Network, TxID: txid})
	}

	if res.Changed() {
		if _, err := e.Refresh(ctx, walletID, len(res.Ghosts) > 0); err != nil {
			return res, fmt.Errorf("refresh after reconcile: %w", err)
		}
	}
	return res, nil
}

// SendRequest describes an outgoing payment.
type SendRequest struct {
	Outputs []Recipient
	Message string
	Tier    FeeTier
	// FeeRate is used with FeeCustom, in sat/vB.
	FeeRate uint64
	// Inputs pins utxo ids; empty spends every wallet utxo.
	Inputs []string
	Max    bool
}

// CreateSend returns a builder primed with the wallet's utxos, a change
// address from the selected type and the requested fee rate.
func (e *Engine) CreateSend(ctx context.Context, walletID string, req SendRequest) (*SendBuilder, error) {
	agg, err := e.loaded(walletID)
	if err != nil {
		return nil, err
	}
	key, err := e.indexKey(walletID)
	if err != nil {
		return nil, err
	}

	tiers, err := FetchFeeTiers(ctx, e.cfg.Indexer)
	if err != nil {
		return nil, err
	}
	rate, err := tiers.Rate(req.Tier, req.FeeRate)
	if err != nil {
		return nil, err
	}

	change, err := e.index.Current(ctx, key, true)
	if err != nil {
		return nil, err
	}

	agg.mu.RLock()
	utxos := append([]Utxo(nil), agg.utxos...)
	agg.mu.RUnlock()

	b := NewSendBuilder(key.Network, utxos, change, key.AddressType, rate)
	b.SetDustLimit(e.cfg.Policy.DustLimit)
	if len(req.Inputs) > 0 {
		if err := b.PinInputs(req.Inputs); err != nil {
			return nil, err
		}
	}
	if err := b.SetOutputs(req.Outputs); err != nil {
		return nil, err
	}
	if err := b.SetMessage(req.Message); err != nil {
		return nil, err
	}
	b.SetMax(req.Max)
	return b, nil
}

// Sign signs a send with the wallet's keys.
func (e *Engine) Sign(walletID string, b *SendBuilder) (*SignedTx, error) {
	d, err := e.Deriver(walletID)
	if err != nil {
		return nil, err
	}
	return b.Build(d)
}

// FeeTiers returns the current fee tiers.
func (e *Engine) FeeTiers(ctx context.Context) (FeeTiers, error) {
	return FetchFeeTiers(ctx, e.cfg.Indexer)
}

// Broadcast publishes a raw transaction and tracks it as unconfirmed. A
// transaction the indexer already knows counts as broadcast.
func (e *Engine) Broadcast(ctx context.Context, walletID, rawHex string) (string, error) {
	agg, err := e.loaded(walletID)
	if err != nil {
		return "", err
	}

	txid, err := e.cfg.Indexer.Broadcast(ctx, rawHex)
	if err != nil {
		return "", errs.Network("wallet.Broadcast", err)
	}

	agg.mu.Lock()
	if _, ok := agg.unconfirmed[txid]; !ok {
		agg.unconfirmed[txid] = 0
	}
	unconfirmed := make(map[string]int64, len(agg.unconfirmed))
	for k, v := range agg.unconfirmed {
		unconfirmed[k] = v
	}
	agg.mu.Unlock()

	records := make([]storage.UnconfirmedRecord, 0, len(unconfirmed))
	for k, v := range unconfirmed {
		records = append(records, storage.UnconfirmedRecord{TxID: k, Height: v})
	}
	if err := e.cfg.Storage.ReplaceUnconfirmed(agg.key.WalletID, string(agg.key.Network), records); err != nil {
		e.log.Warn("Failed to persist unconfirmed set", "error", err)
	}

	if err := e.advanceChange(ctx, walletID, rawHex); err != nil {
		e.log.Warn("Failed to advance change address", "wallet", walletID, "error", err)
	}

	e.log.Info("Transaction broadcast", "wallet", walletID, "txid", txid)
	e.emit(Event{Type: EventTxBroadcast, WalletID: walletID, Network: agg.key.Network, TxID: txid})
	return txid, nil
}

// advanceChange marks the current change address used when tx pays it, so
// the next send gets a fresh one.
func (e *Engine) advanceChange(ctx context.Context, walletID, rawHex string) error {
	key, err := e.indexKey(walletID)
	if err != nil {
		return err
	}
	tx, err := decodeTx(rawHex)
	if err != nil {
		return err
	}
	change, err := e.index.Current(ctx, key, true)
	if err != nil {
		return err
	}
	script, err := PayToAddrScript(change.Address, key.Network)
	if err != nil {
		return err
	}
	for _, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, script) {
			return e.index.MarkUsed(ctx, key, true, change.Index)
		}
	}
	return nil
}

// MarkTransfer flags a transaction as a transfer to or from a Lightning
// channel.
func (e *Engine) MarkTransfer(walletID, txid string) error {
	agg, err := e.loaded(walletID)
	if err != nil {
		return err
	}

	agg.mu.Lock()
	t, ok := agg.transactions[txid]
	if ok {
		t.IsTransfer = true
		agg.transactions[txid] = t
	}
	agg.mu.Unlock()
	if !ok {
		return errs.Validationf("wallet.MarkTransfer", "unknown transaction %s", txid)
	}

	if err := e.ledger.Save(agg.key.WalletID, agg.key.Network, []FormattedTransaction{t}, agg.unconfirmedCopy()); err != nil {
		return err
	}
	if e.cfg.Activity != nil {
		return e.cfg.Activity.UpsertOnchain(agg.key.WalletID, agg.key.Network, []FormattedTransaction{t})
	}
	return nil
}

// RecordBoost records a fee bump. An RBF replacement hides the original
// transaction from activity.
func (e *Engine) RecordBoost(walletID string, b Boost) error {
	agg, err := e.loaded(walletID)
	if err != nil {
		return err
	}
	if err := e.ledger.RecordBoost(agg.key.WalletID, agg.key.Network, b); err != nil {
		return err
	}

	agg.mu.Lock()
	agg.boosted[b.ParentTxID] = b
	if b.Kind == BoostRBF {
		if t, ok := agg.transactions[b.ParentTxID]; ok {
			t.Exists = false
			agg.transactions[b.ParentTxID] = t
		}
		delete(agg.unconfirmed, b.ParentTxID)
	}
	agg.mu.Unlock()

	if b.Kind == BoostRBF {
		if err := e.ledger.MarkExists(agg.key.WalletID, agg.key.Network, b.ParentTxID, false); err != nil {
			return err
		}
		if e.cfg.Activity != nil {
			return e.cfg.Activity.MarkNonExistent(agg.key.WalletID, agg.key.Network, []string{b.ParentTxID})
		}
	}
	return nil
}

// VerifyResult reports the outcome of re-deriving stored addresses.
type VerifyResult struct {
	Checked        int  `json:"checked"`
	Replaced       int  `json:"replaced"`
	RescanRequired bool `json:"rescanRequired"`
}

// VerifyAddresses re-derives every stored address of a wallet and replaces
// any that do not match. Replacements mean the stored history cannot be
// trusted and a full manual rescan is required.
func (e *Engine) VerifyAddresses(ctx context.Context, walletID string) (VerifyResult, error) {
	d, err := e.Deriver(walletID)
	if err != nil {
		return VerifyResult{}, err
	}
	network := e.Network()

	var res VerifyResult
	for _, t := range e.MonitoredTypes(walletID) {
		key := IndexKey{WalletID: walletID, Network: network, AddressType: t}
		st, err := e.index.State(key)
		if err != nil {
			return res, err
		}

		var fresh []Address
		for _, change := range []bool{false, true} {
			for _, a := range st.Sorted(change) {
				derived, err := d.DeriveOne(network, t, change, uint32(a.Index))
				if err != nil {
					return res, err
				}
				fresh = append(fresh, derived)
			}
		}
		res.Checked += len(fresh)

		n, err := e.index.ReplaceImpacted(ctx, key, fresh)
		if err != nil {
			return res, err
		}
		res.Replaced += n
	}

	if res.Replaced > 0 {
		res.RescanRequired = true
		agg, err := e.loaded(walletID)
		if err == nil {
			agg.mu.Lock()
			agg.needsFullScan = true
			agg.mu.Unlock()
		}
		e.log.Warn("Stored addresses did not match derivation, full rescan required",
			"wallet", walletID, "replaced", res.Replaced)
	}
	return res, nil
}

// ResetWallet clears all state of a wallet on the active network,
// including its address indexes.
func (e *Engine) ResetWallet(ctx context.Context, walletID string) error {
	agg, err := e.loaded(walletID)
	if err != nil {
		return err
	}
	key := agg.key

	unlock, err := e.refreshLocks.Lock(ctx, key.String())
	if err != nil {
		return err
	}
	defer unlock()

	for _, t := range chain.AddressTypes {
		if err := e.index.Reset(ctx, key.IndexKey(t)); err != nil {
			return err
		}
	}
	if err := e.cfg.Storage.ClearWalletNetwork(key.WalletID, string(key.Network)); err != nil {
		return fmt.Errorf("clear wallet: %w", err)
	}

	e.mu.Lock()
	e.aggregates[key] = newAggregate(key)
	e.mu.Unlock()

	e.log.Info("Wallet reset", "wallet", key.WalletID, "network", key.Network)
	return nil
}

// Start launches the mempool reconciliation loop. It is a no-op if the
// loop already runs.
func (e *Engine) Start(ctx context.Context) {
	e.startWithTicker(ctx, ticker.New(e.cfg.Policy.ReconcileInterval))
}

func (e *Engine) startWithTicker(ctx context.Context, t ticker.Ticker) {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.loopCancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.loopCancel = cancel

	e.loopWg.Add(1)
	go func() {
		defer e.loopWg.Done()
		e.reconcileLoop(loopCtx, t)
	}()
}

// Stop cancels the background loop and waits for it to exit.
func (e *Engine) Stop() {
	e.stopLoop()
}

func (e *Engine) stopLoop() bool {
	e.loopMu.Lock()
	cancel := e.loopCancel
	e.loopCancel = nil
	e.loopMu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	e.loopWg.Wait()
	return true
}

func (e *Engine) reconcileLoop(ctx context.Context, t ticker.Ticker) {
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Ticks():
			for _, id := range e.Wallets() {
				if ctx.Err() != nil {
					return
				}
				if _, err := e.ReconcileMempool(ctx, id); err != nil {
					e.log.Warn("Mempool reconciliation failed", "wallet", id, "error", err)
				}
			}
		}
	}
}

func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.clock.Now()
	}
	select {
	case e.events <- ev:
	default:
		e.log.Debug("Dropping wallet event", "type", ev.Type, "wallet", ev.WalletID)
	}
}

func (e *Engine) loaded(walletID string) (*Aggregate, error) {
	if _, err := e.Deriver(walletID); err != nil {
		return nil, err
	}
	return e.aggregate(WalletKey{WalletID: walletID, Network: e.Network()})
}

func (e *Engine) indexKey(walletID string) (IndexKey, error) {
	if _, err := e.Deriver(walletID); err != nil {
		return IndexKey{}, err
	}
	return IndexKey{WalletID: walletID, Network: e.Network(), AddressType: e.AddressType(walletID)}, nil
}

// aggregate returns the aggregate of key, restoring it from storage on
// first use.
func (e *Engine) aggregate(key WalletKey) (*Aggregate, error) {
	e.mu.RLock()
	agg, ok := e.aggregates[key]
	e.mu.RUnlock()
	if ok {
		return agg, nil
	}

	agg = newAggregate(key)
	utxos, err := LoadUtxos(e.cfg.Storage, key.WalletID, key.Network)
	if err != nil {
		return nil, err
	}
	txs, unconfirmed, err := e.ledger.Load(key.WalletID, key.Network)
	if err != nil {
		return nil, err
	}
	boosts, err := e.ledger.Boosts(key.WalletID, key.Network)
	if err != nil {
		return nil, err
	}
	agg.setUtxos(utxos)
	agg.transactions = txs
	agg.unconfirmed = unconfirmed
	agg.boosted = boosts

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.aggregates[key]; ok {
		return existing, nil
	}
	e.aggregates[key] = agg
	return agg, nil
}

func (e *Engine) storedAddressType(walletID string) (chain.AddressType, error) {
	v, ok, err := e.cfg.Storage.GetSetting(addressTypeSetting(walletID))
	if err != nil {
		return "", fmt.Errorf("load address type: %w", err)
	}
	if ok {
		if t, err := chain.ParseAddressType(v); err == nil {
			return t, nil
		}
	}
	if e.cfg.DefaultAddressType.Valid() {
		return e.cfg.DefaultAddressType, nil
	}
	return chain.MustGet(e.Network()).DefaultAddressType, nil
}

func addressTypeSetting(walletID string) string {
	return "wallet." + walletID + ".address_type"
}

// hideReplaced marks transactions replaced by RBF as non-existent.
func hideReplaced(txs []FormattedTransaction, boosted map[string]Boost) []FormattedTransaction {
	out := make([]FormattedTransaction, len(txs))
	copy(out, txs)
	for i, t := range out {
		if b, ok := boosted[t.TxID]; ok && b.Kind == BoostRBF {
			out[i].Exists = false
		}
	}
	return out
}
