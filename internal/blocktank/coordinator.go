package blocktank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/klingon-exchange/klingwallet/internal/errs"
	"github.com/klingon-exchange/klingwallet/internal/lightning"
	"github.com/klingon-exchange/klingwallet/internal/storage"
	"github.com/klingon-exchange/klingwallet/pkg/logging"
)

// EventType names a coordinator notice.
type EventType string

const (
	EventStateChanged EventType = "order.state_changed"
	EventFinalized    EventType = "order.finalized"
	EventProgress     EventType = "order.progress"
	EventFailed       EventType = "order.failed"
	EventOpened       EventType = "order.opened"
	EventClosed       EventType = "order.closed"
)

// openNoticeWindow is how long one success notice covers further orders
// reaching open.
const openNoticeWindow = time.Minute

// Progress steps shown while a channel is being set up.
const (
	StepOpening    = 2
	StepConnecting = 3
)

// Event is a notice for the presentation layer.
type Event struct {
	Type    EventType `json:"type"`
	OrderID string    `json:"order_id"`
	State   State     `json:"state"`
	Step    int       `json:"step,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig struct {
	Client  Client
	Node    lightning.Node
	Storage *storage.Storage
	Clock   clock.Clock
	Logger  *logging.Logger

	WatchInterval      time.Duration
	DefaultExpiryWeeks int

	// NewTicker builds watch loop tickers. Defaults to ticker.New.
	NewTicker func(time.Duration) ticker.Ticker
}

type watch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// batch tracks notices shared by orders refreshed together.
type batch struct {
	opened bool
}

// Coordinator follows channel orders through the LSP state graph and runs
// the side effects of each reached state.
type Coordinator struct {
	client    Client
	node      lightning.Node
	store     *storage.Storage
	markers   *Markers
	clock     clock.Clock
	newTicker func(time.Duration) ticker.Ticker
	interval  time.Duration
	expiry    int
	log       *logging.Logger

	mu         sync.Mutex
	orders     map[string]*Order
	watches    map[string]*watch
	lastOpened time.Time

	events chan Event
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		client:    cfg.Client,
		node:      cfg.Node,
		store:     cfg.Storage,
		markers:   NewMarkers(cfg.Storage),
		clock:     cfg.Clock,
		newTicker: cfg.NewTicker,
		interval:  cfg.WatchInterval,
		expiry:    cfg.DefaultExpiryWeeks,
		log:       logging.OrDefault(cfg.Logger, "blocktank"),
		orders:    make(map[string]*Order),
		watches:   make(map[string]*watch),
		events:    make(chan Event, 64),
	}
	if c.clock == nil {
		c.clock = clock.NewDefaultClock()
	}
	if c.newTicker == nil {
		c.newTicker = func(d time.Duration) ticker.Ticker { return ticker.New(d) }
	}
	if c.interval <= 0 {
		c.interval = 15 * time.Second
	}
	if c.expiry <= 0 {
		c.expiry = 6
	}
	return c
}

// Events returns coordinator notices. Notices are dropped when nobody reads.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Markers returns the marker store.
func (c *Coordinator) Markers() *Markers {
	return c.markers
}

// Info returns the LSP limits and nodes.
func (c *Coordinator) Info(ctx context.Context) (*Info, error) {
	return c.client.GetInfo(ctx)
}

// CreateOrder buys a channel with lspBalanceSat of inbound capacity. Zero
// expiryWeeks uses the configured default.
func (c *Coordinator) CreateOrder(ctx context.Context, lspBalanceSat int64, expiryWeeks int, opts Options) (*Order, error) {
	if expiryWeeks <= 0 {
		expiryWeeks = c.expiry
	}

	order, err := c.client.CreateOrder(ctx, lspBalanceSat, expiryWeeks, opts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.orders[order.ID] = order
	err = c.saveLocked(order)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := c.markers.Set(MarkerSettingUp, order.ID, ""); err != nil {
		return nil, err
	}
	if err := c.markers.Set(MarkerTransfer, order.ID, order.LSPNode.PubKey); err != nil {
		return nil, err
	}

	c.log.Info("Channel order created", "order", order.ID, "lsp_balance", lspBalanceSat, "fee", order.FeeSat)
	c.emit(Event{Type: EventStateChanged, OrderID: order.ID, State: order.State})
	return order, nil
}

// Order returns a tracked order, or nil when unknown.
func (c *Coordinator) Order(id string) (*Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(id)
}

// Orders returns all tracked orders, newest first.
func (c *Coordinator) Orders() ([]*Order, error) {
	records, err := c.store.ListOrders()
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	out := make([]*Order, 0, len(records))
	for _, rec := range records {
		o, err := orderFromRecord(rec)
		if err != nil {
			c.log.Warn("Skipping unreadable order", "order", rec.ID, "error", err)
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// RefreshOrder fetches the authoritative order and applies it.
func (c *Coordinator) RefreshOrder(ctx context.Context, id string) (*Order, error) {
	order, err := c.client.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.apply(ctx, order, nil)
}

// RefreshOrders refreshes ids, or every unsettled order when ids is empty.
// Only the first order reaching open in the batch raises a success notice.
// Failures of single orders do not stop the batch and are joined.
func (c *Coordinator) RefreshOrders(ctx context.Context, ids []string) ([]*Order, error) {
	if len(ids) == 0 {
		pending, err := c.Orders()
		if err != nil {
			return nil, err
		}
		for _, o := range pending {
			if !o.State.Settled() {
				ids = append(ids, o.ID)
			}
		}
		if len(ids) == 0 {
			return nil, nil
		}
	}

	fetched, err := c.client.GetOrders(ctx, ids)
	if err != nil {
		return nil, err
	}

	b := &batch{}
	var (
		out  []*Order
		errz []error
	)
	for _, o := range fetched {
		applied, err := c.apply(ctx, o, b)
		if err != nil {
			errz = append(errz, err)
		}
		if applied != nil {
			out = append(out, applied)
		}
	}
	return out, errors.Join(errz...)
}

// Finalize retries the finalize call of an order waiting for it.
func (c *Coordinator) Finalize(ctx context.Context, id string) (*Order, error) {
	const op = "blocktank.Finalize"

	c.mu.Lock()
	order, err := c.lookupLocked(id)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, errs.New(errs.ErrValidation, op, ErrOrderNotFound)
	}
	if order.State != StateReadyToFinalize {
		return nil, errs.Conflictf(op, "order %s is %s, not %s", id, order.State, StateReadyToFinalize)
	}
	return order, c.finalize(ctx, order)
}

// apply records fetched if it moves the order forward and runs the side
// effects of the reached state. Repeating the current state only refreshes
// the stored details.
func (c *Coordinator) apply(ctx context.Context, fetched *Order, b *batch) (*Order, error) {
	const op = "blocktank.apply"

	c.mu.Lock()
	current, err := c.lookupLocked(fetched.ID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	prev := StateCreated
	if current != nil {
		prev = current.State
		if fetched.State == prev {
			c.orders[fetched.ID] = fetched
			err := c.saveLocked(fetched)
			c.mu.Unlock()
			return fetched, err
		}
		if !prev.CanTransition(fetched.State) {
			c.mu.Unlock()
			return current, errs.Conflictf(op, "order %s: %s cannot move to %s", fetched.ID, prev, fetched.State)
		}
	}

	c.orders[fetched.ID] = fetched
	if err := c.saveLocked(fetched); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	c.log.Info("Channel order state changed", "order", fetched.ID, "from", prev, "to", fetched.State)
	c.emit(Event{Type: EventStateChanged, OrderID: fetched.ID, State: fetched.State})

	if fetched.State == prev {
		return fetched, nil
	}
	return fetched, c.enter(ctx, fetched, b)
}

// enter runs the side effects of reaching o.State.
func (c *Coordinator) enter(ctx context.Context, o *Order, b *batch) error {
	switch o.State {
	case StateReadyToFinalize:
		return c.finalize(ctx, o)

	case StateOpening:
		c.emit(Event{Type: EventProgress, OrderID: o.ID, State: o.State, Step: StepOpening})

	case StateConnecting:
		c.emit(Event{Type: EventProgress, OrderID: o.ID, State: o.State, Step: StepConnecting})

	case StateGivenUp, StateExpired:
		for _, m := range []Marker{MarkerSettingUp, MarkerConnecting, MarkerTransfer} {
			if err := c.markers.Clear(m, o.ID); err != nil {
				c.log.Warn("Failed to clear marker", "order", o.ID, "marker", m, "error", err)
			}
		}
		c.emit(Event{Type: EventFailed, OrderID: o.ID, State: o.State, Message: "channel purchase " + o.State.String()})
		return errs.New(errs.ErrExternalService, "blocktank.enter", fmt.Errorf("order %s %s", o.ID, o.State))

	case StateClosed:
		peer := o.LSPNode.PubKey
		others, err := c.openOrdersFor(peer, o.ID)
		if err != nil {
			return err
		}
		if others == 0 {
			if _, err := c.markers.ClearTransfers(peer); err != nil {
				return err
			}
		}
		c.emit(Event{Type: EventClosed, OrderID: o.ID, State: o.State})

	case StateOpen:
		if err := c.markers.Clear(MarkerConnecting, o.ID); err != nil {
			c.log.Warn("Failed to clear marker", "order", o.ID, "marker", MarkerConnecting, "error", err)
		}
		if c.claimOpenNotice(b) {
			c.emit(Event{Type: EventOpened, OrderID: o.ID, State: o.State, Message: "spending balance ready"})
		}
		c.resync(ctx, o)
	}
	return nil
}

// claimOpenNotice reports whether an order reaching open raises the success
// notice. One notice covers a batch and any order opening within
// openNoticeWindow of the last one, whichever loop refreshed it.
func (c *Coordinator) claimOpenNotice(b *batch) bool {
	if b != nil {
		if b.opened {
			return false
		}
		b.opened = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if !c.lastOpened.IsZero() && now.Sub(c.lastOpened) < openNoticeWindow {
		return false
	}
	c.lastOpened = now
	return true
}

// finalize connects to the LSP peer and asks the LSP to open the channel.
// The LSP accepts repeated calls, so a caller may retry after a failure.
func (c *Coordinator) finalize(ctx context.Context, o *Order) error {
	const op = "blocktank.finalize"

	if c.node == nil {
		return errs.New(errs.ErrValidation, op, lightning.ErrNotConfigured)
	}

	nodeID, err := c.node.NodeID(ctx)
	if err != nil {
		return err
	}
	if pubkey, host, err := o.LSPNode.Address(); err == nil {
		if err := c.node.ConnectPeer(ctx, pubkey, host); err != nil {
			return err
		}
	}
	if _, err := c.client.OpenChannel(ctx, o.ID, nodeID); err != nil {
		c.log.Warn("Finalize failed", "order", o.ID, "error", err)
		return err
	}

	if err := c.markers.Clear(MarkerSettingUp, o.ID); err != nil {
		return err
	}
	if err := c.markers.Set(MarkerConnecting, o.ID, ""); err != nil {
		return err
	}

	c.log.Info("Channel order finalized", "order", o.ID, "node", nodeID)
	c.emit(Event{Type: EventFinalized, OrderID: o.ID, State: o.State})
	return nil
}

// resync re-adds the LSP peer and reloads channels after an open.
func (c *Coordinator) resync(ctx context.Context, o *Order) {
	if c.node == nil {
		return
	}
	if pubkey, host, err := o.LSPNode.Address(); err == nil {
		if err := c.node.ConnectPeer(ctx, pubkey, host); err != nil {
			c.log.Warn("Failed to re-add LSP peer", "order", o.ID, "error", err)
		}
	}
	channels, err := c.node.ListChannels(ctx)
	if err != nil {
		c.log.Warn("Failed to refresh channels", "order", o.ID, "error", err)
		return
	}
	c.log.Debug("Channels refreshed", "order", o.ID, "channels", len(channels))
}

func (c *Coordinator) openOrdersFor(peer, except string) (int, error) {
	records, err := c.store.ListOrders(StateOpen.String())
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}
	n := 0
	for _, rec := range records {
		if rec.ID != except && rec.LSPNodeID == peer {
			n++
		}
	}
	return n, nil
}

// WatchOrder polls an order every interval until it opens, fails, expires
// or ctx is cancelled. Watching an already watched order is a no-op. Zero
// interval uses the configured one.
func (c *Coordinator) WatchOrder(ctx context.Context, id string, interval time.Duration) error {
	if interval <= 0 {
		interval = c.interval
	}

	c.mu.Lock()
	if _, ok := c.watches[id]; ok {
		c.mu.Unlock()
		return nil
	}
	order, err := c.lookupLocked(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if order == nil {
		c.mu.Unlock()
		return errs.New(errs.ErrValidation, "blocktank.WatchOrder", ErrOrderNotFound)
	}
	if order.State.Settled() {
		c.mu.Unlock()
		return nil
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &watch{cancel: cancel, done: make(chan struct{})}
	c.watches[id] = w
	c.mu.Unlock()

	if err := c.store.SetOrderWatching(id, true); err != nil {
		c.log.Warn("Failed to persist watch flag", "order", id, "error", err)
	}

	go c.watchLoop(wctx, id, interval, w)
	return nil
}

func (c *Coordinator) watchLoop(ctx context.Context, id string, interval time.Duration, w *watch) {
	t := c.newTicker(interval)
	t.Resume()

	finished := false
	defer func() {
		t.Stop()
		c.mu.Lock()
		if c.watches[id] == w {
			delete(c.watches, id)
		}
		c.mu.Unlock()
		if finished {
			if err := c.store.SetOrderWatching(id, false); err != nil {
				c.log.Warn("Failed to clear watch flag", "order", id, "error", err)
			}
		}
		close(w.done)
	}()

	c.log.Debug("Watching order", "order", id, "interval", interval)
	for {
		if c.poll(ctx, id) {
			finished = true
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.Ticks():
		}
	}
}

// poll refreshes once and reports whether watching can stop.
func (c *Coordinator) poll(ctx context.Context, id string) bool {
	order, err := c.RefreshOrder(ctx, id)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		c.log.Warn("Order refresh failed", "order", id, "error", err)
	}
	if order == nil {
		return errors.Is(err, ErrOrderNotFound)
	}
	if order.State.Settled() {
		return true
	}
	if order.Expired(c.clock.Now()) {
		c.log.Info("Order expired before payment", "order", id)
		if _, err := c.expire(ctx, order); err != nil && !errors.Is(err, errs.ErrExternalService) {
			c.log.Warn("Failed to record expiry", "order", id, "error", err)
		}
		return true
	}
	return false
}

// expire moves an unpaid order past its deadline to expired, running the
// same side effects as an expiry reported by the LSP.
func (c *Coordinator) expire(ctx context.Context, o *Order) (*Order, error) {
	expired := *o
	expired.State = StateExpired
	return c.apply(ctx, &expired, nil)
}

// Watching reports whether a watch loop runs for id.
func (c *Coordinator) Watching(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watches[id]
	return ok
}

// ResumeWatches restarts loops for orders that were being watched.
func (c *Coordinator) ResumeWatches(ctx context.Context) error {
	records, err := c.store.ListOrders()
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}
	for _, rec := range records {
		if !rec.Watching {
			continue
		}
		if err := c.WatchOrder(ctx, rec.ID, 0); err != nil {
			c.log.Warn("Failed to resume watch", "order", rec.ID, "error", err)
		}
	}
	return nil
}

// StopWatch cancels the loop of one order and waits for it to exit.
func (c *Coordinator) StopWatch(id string) {
	c.mu.Lock()
	w, ok := c.watches[id]
	c.mu.Unlock()
	if ok {
		w.cancel()
		<-w.done
	}
}

// StopAll cancels every watch loop and waits for them to exit.
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	ws := make([]*watch, 0, len(c.watches))
	for _, w := range c.watches {
		ws = append(ws, w)
	}
	c.mu.Unlock()

	for _, w := range ws {
		w.cancel()
	}
	for _, w := range ws {
		<-w.done
	}
}

func (c *Coordinator) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = c.clock.Now()
	}
	select {
	case c.events <- ev:
	default:
		c.log.Debug("Dropping order event", "type", ev.Type, "order", ev.OrderID)
	}
}

func (c *Coordinator) lookupLocked(id string) (*Order, error) {
	if o, ok := c.orders[id]; ok {
		return o, nil
	}
	rec, err := c.store.GetOrder(id)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}
	if rec == nil {
		return nil, nil
	}
	o, err := orderFromRecord(rec)
	if err != nil {
		return nil, err
	}
	c.orders[id] = o
	return o, nil
}

func (c *Coordinator) saveLocked(o *Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order %s: %w", o.ID, err)
	}
	_, watching := c.watches[o.ID]
	var created int64
	if !o.CreatedAt.IsZero() {
		created = o.CreatedAt.Unix()
	}
	return c.store.SaveOrder(&storage.OrderRecord{
		ID:           o.ID,
		State:        o.State.String(),
		PaymentState: string(o.Payment.State),
		LSPNodeID:    o.LSPNode.PubKey,
		Data:         string(data),
		Watching:     watching,
		CreatedAt:    created,
	})
}

func orderFromRecord(rec *storage.OrderRecord) (*Order, error) {
	var o Order
	if err := json.Unmarshal([]byte(rec.Data), &o); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", rec.ID, err)
	}
	return &o, nil
}
