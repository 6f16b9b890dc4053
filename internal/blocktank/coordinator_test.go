package blocktank

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingwallet/internal/errs"
	"github.com/klingon-exchange/klingwallet/internal/lightning"
	"github.com/klingon-exchange/klingwallet/internal/storage"
	"github.com/klingon-exchange/klingwallet/pkg/logging"
)

const lspPubkey = "03lsp"

var testNow = time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)

// fakeLSP serves orders from memory. Tests move orders by setting state.
type fakeLSP struct {
	mu       sync.Mutex
	orders   map[string]*Order
	next     int
	opens    []string
	openErr  error
	getCalls int
}

func newFakeLSP() *fakeLSP {
	return &fakeLSP{orders: make(map[string]*Order)}
}

func (f *fakeLSP) CreateOrder(ctx context.Context, lspBalanceSat int64, expiryWeeks int, opts Options) (*Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	o := &Order{
		ID:                 fmt.Sprintf("order-%d", f.next),
		State:              StateCreated,
		LSPBalanceSat:      lspBalanceSat,
		ClientBalanceSat:   opts.ClientBalanceSat,
		ChannelExpiryWeeks: expiryWeeks,
		FeeSat:             1_000,
		LSPNode:            LSPNode{PubKey: lspPubkey, ConnectionStrings: []string{lspPubkey + "@127.0.0.1:9735"}},
		Payment:            OrderPayment{State: PaymentCreated},
		OrderExpiresAt:     testNow.Add(time.Hour),
		CreatedAt:          testNow,
	}
	f.orders[o.ID] = o
	cp := *o
	return &cp, nil
}

func (f *fakeLSP) set(id string, s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[id].State = s
}

func (f *fakeLSP) GetOrder(ctx context.Context, id string) (*Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	o, ok := f.orders[id]
	if !ok {
		return nil, errs.New(errs.ErrValidation, "fake.GetOrder", ErrOrderNotFound)
	}
	cp := *o
	return &cp, nil
}

func (f *fakeLSP) GetOrders(ctx context.Context, ids []string) ([]*Order, error) {
	var out []*Order
	for _, id := range ids {
		o, err := f.GetOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeLSP) OpenChannel(ctx context.Context, orderID, nodeID string) (*Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, orderID+"/"+nodeID)
	if f.openErr != nil {
		return nil, f.openErr
	}
	cp := *f.orders[orderID]
	return &cp, nil
}

func (f *fakeLSP) GetInfo(ctx context.Context) (*Info, error) {
	return &Info{Nodes: []LSPNode{{PubKey: lspPubkey}}}, nil
}

func (f *fakeLSP) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens)
}

type fakeNode struct {
	mu        sync.Mutex
	connects  []string
	listCalls int
}

func (n *fakeNode) NodeID(ctx context.Context) (string, error) { return "02client", nil }

func (n *fakeNode) ListChannels(ctx context.Context) ([]lightning.Channel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listCalls++
	return nil, nil
}

func (n *fakeNode) ClaimableBalance(ctx context.Context) (int64, error) { return 0, nil }

func (n *fakeNode) CreateInvoice(ctx context.Context, amountSat int64, description string, expiry time.Duration) (*lightning.Invoice, error) {
	return nil, nil
}

func (n *fakeNode) PayInvoice(ctx context.Context, bolt11 string, amountSat int64) (*lightning.Payment, error) {
	return nil, nil
}

func (n *fakeNode) ListPayments(ctx context.Context) ([]lightning.Payment, error) { return nil, nil }

func (n *fakeNode) ConnectPeer(ctx context.Context, pubkey, host string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connects = append(n.connects, pubkey+"@"+host)
	return nil
}

func (n *fakeNode) CloseChannel(ctx context.Context, channelPoint, counterparty string, force bool) error {
	return nil
}

func (n *fakeNode) Events() <-chan lightning.Event { return nil }

type harness struct {
	lsp   *fakeLSP
	node  *fakeNode
	store *storage.Storage
	clock *clock.TestClock
	tick  *ticker.Force
	c     *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		lsp:   newFakeLSP(),
		node:  &fakeNode{},
		store: store,
		clock: clock.NewTestClock(testNow),
		tick:  ticker.NewForce(time.Hour),
	}
	h.c = NewCoordinator(CoordinatorConfig{
		Client:    h.lsp,
		Node:      h.node,
		Storage:   store,
		Clock:     h.clock,
		Logger:    logging.Discard(),
		NewTicker: func(time.Duration) ticker.Ticker { return h.tick },
	})
	t.Cleanup(h.c.StopAll)
	return h
}

func (h *harness) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-h.c.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func summarize(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = string(ev.Type) + ":" + ev.State.String()
		if ev.Step > 0 {
			out[i] += fmt.Sprintf(":%d", ev.Step)
		}
	}
	return out
}

func (h *harness) marker(t *testing.T, m Marker, id string) bool {
	t.Helper()
	ok, err := h.c.Markers().Has(m, id)
	require.NoError(t, err)
	return ok
}

func TestOrderHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, err := h.c.CreateOrder(ctx, 100_000, 0, Options{})
	require.NoError(t, err)
	require.Equal(t, 6, order.ChannelExpiryWeeks)
	require.True(t, h.marker(t, MarkerSettingUp, order.ID))
	require.True(t, h.marker(t, MarkerTransfer, order.ID))

	steps := []State{StatePaid, StateReadyToFinalize, StateReadyToFinalize, StateOpening, StateConnecting, StateOpen, StateOpen}
	for _, s := range steps {
		h.lsp.set(order.ID, s)
		got, err := h.c.RefreshOrder(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, s, got.State)

		if s == StateReadyToFinalize {
			require.False(t, h.marker(t, MarkerSettingUp, order.ID))
			require.True(t, h.marker(t, MarkerConnecting, order.ID))
		}
	}

	require.Equal(t, []string{
		"order.state_changed:created",
		"order.state_changed:paid",
		"order.state_changed:ready_to_finalize",
		"order.finalized:ready_to_finalize",
		"order.state_changed:opening",
		"order.progress:opening:2",
		"order.state_changed:connecting",
		"order.progress:connecting:3",
		"order.state_changed:open",
		"order.opened:open",
	}, summarize(h.drain()))

	require.Equal(t, []string{order.ID + "/02client"}, h.lsp.opens)
	require.False(t, h.marker(t, MarkerConnecting, order.ID))
	require.True(t, h.marker(t, MarkerTransfer, order.ID))
	// Once on finalize, once on resync.
	require.Len(t, h.node.connects, 2)
	require.Equal(t, 1, h.node.listCalls)
}

func TestOrderRejectsBackwards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, err := h.c.CreateOrder(ctx, 50_000, 4, Options{})
	require.NoError(t, err)
	h.lsp.set(order.ID, StateOpen)
	_, err = h.c.RefreshOrder(ctx, order.ID)
	require.NoError(t, err)

	h.lsp.set(order.ID, StatePaid)
	got, err := h.c.RefreshOrder(ctx, order.ID)
	require.ErrorIs(t, err, errs.ErrStateConflict)
	require.Equal(t, StateOpen, got.State)

	stored, err := h.c.Order(order.ID)
	require.NoError(t, err)
	require.Equal(t, StateOpen, stored.State)

	// Skipping straight to open never finalizes.
	require.Zero(t, h.lsp.openCount())
}

func TestOrderFinalizeFailureNotRetriedByPolling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, err := h.c.CreateOrder(ctx, 50_000, 4, Options{})
	require.NoError(t, err)

	h.lsp.openErr = errs.Network("fake.OpenChannel", fmt.Errorf("timeout"))
	h.lsp.set(order.ID, StateReadyToFinalize)
	_, err = h.c.RefreshOrder(ctx, order.ID)
	require.ErrorIs(t, err, errs.ErrNetwork)

	_, err = h.c.RefreshOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, 1, h.lsp.openCount())
	require.True(t, h.marker(t, MarkerSettingUp, order.ID))

	h.lsp.openErr = nil
	_, err = h.c.Finalize(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, 2, h.lsp.openCount())
	require.False(t, h.marker(t, MarkerSettingUp, order.ID))

	h.lsp.set(order.ID, StateOpening)
	_, err = h.c.RefreshOrder(ctx, order.ID)
	require.NoError(t, err)
	_, err = h.c.Finalize(ctx, order.ID)
	require.ErrorIs(t, err, errs.ErrStateConflict)
}

func TestOrderTerminalFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, err := h.c.CreateOrder(ctx, 50_000, 4, Options{})
	require.NoError(t, err)
	h.drain()

	h.lsp.set(order.ID, StateGivenUp)
	_, err = h.c.RefreshOrder(ctx, order.ID)
	require.ErrorIs(t, err, errs.ErrExternalService)
	require.False(t, h.marker(t, MarkerSettingUp, order.ID))
	require.Equal(t, []string{"order.state_changed:given_up", "order.failed:given_up"}, summarize(h.drain()))

	// Repeating a terminal state is a no-op.
	_, err = h.c.RefreshOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Empty(t, h.drain())
}

func TestClosedClearsTransfersWhenLastOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.c.CreateOrder(ctx, 50_000, 4, Options{})
	require.NoError(t, err)
	b, err := h.c.CreateOrder(ctx, 60_000, 4, Options{})
	require.NoError(t, err)

	h.lsp.set(a.ID, StateOpen)
	h.lsp.set(b.ID, StateOpen)
	_, err = h.c.RefreshOrders(ctx, nil)
	require.NoError(t, err)

	h.lsp.set(a.ID, StateClosed)
	_, err = h.c.RefreshOrder(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, h.marker(t, MarkerTransfer, a.ID))
	require.True(t, h.marker(t, MarkerTransfer, b.ID))

	h.lsp.set(b.ID, StateClosed)
	_, err = h.c.RefreshOrder(ctx, b.ID)
	require.NoError(t, err)
	require.False(t, h.marker(t, MarkerTransfer, a.ID))
	require.False(t, h.marker(t, MarkerTransfer, b.ID))
}

func TestRefreshOrdersSingleSuccessNotice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		o, err := h.c.CreateOrder(ctx, 50_000, 4, Options{})
		require.NoError(t, err)
		ids = append(ids, o.ID)
		h.lsp.set(o.ID, StateOpen)
	}
	h.drain()

	orders, err := h.c.RefreshOrders(ctx, ids)
	require.NoError(t, err)
	require.Len(t, orders, 3)

	opened := 0
	for _, ev := range h.drain() {
		if ev.Type == EventOpened {
			opened++
		}
	}
	require.Equal(t, 1, opened)

	// Nothing left to refresh.
	orders, err = h.c.RefreshOrders(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestWatchOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, err := h.c.CreateOrder(ctx, 50_000, 4, Options{})
	require.NoError(t, err)
	h.lsp.set(order.ID, StatePaid)

	require.NoError(t, h.c.WatchOrder(ctx, order.ID, time.Minute))
	require.NoError(t, h.c.WatchOrder(ctx, order.ID, time.Minute))
	require.True(t, h.c.Watching(order.ID))

	rec, err := h.store.GetOrder(order.ID)
	require.NoError(t, err)
	require.True(t, rec.Watching)

	h.lsp.set(order.ID, StateReadyToFinalize)
	h.tick.Force <- testNow
	h.tick.Force <- testNow
	require.Eventually(t, func() bool { return h.lsp.openCount() == 1 }, time.Second, 5*time.Millisecond)

	h.lsp.set(order.ID, StateOpen)
	h.tick.Force <- testNow
	require.Eventually(t, func() bool { return !h.c.Watching(order.ID) }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.lsp.openCount())

	require.Eventually(t, func() bool {
		rec, err := h.store.GetOrder(order.ID)
		return err == nil && !rec.Watching
	}, time.Second, 5*time.Millisecond)

	// Settled orders are not watched again.
	require.NoError(t, h.c.WatchOrder(ctx, order.ID, time.Minute))
	require.False(t, h.c.Watching(order.ID))
}

func TestWatchOrderStopsOnExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, err := h.c.CreateOrder(ctx, 50_000, 4, Options{})
	require.NoError(t, err)
	h.clock.SetTime(testNow.Add(2 * time.Hour))

	require.NoError(t, h.c.WatchOrder(ctx, order.ID, time.Minute))
	require.Eventually(t, func() bool { return !h.c.Watching(order.ID) }, time.Second, 5*time.Millisecond)

	var failed bool
	for _, ev := range h.drain() {
		failed = failed || ev.Type == EventFailed
	}
	require.True(t, failed)
}

func TestStopAllAndResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, err := h.c.CreateOrder(ctx, 50_000, 4, Options{})
	require.NoError(t, err)
	require.NoError(t, h.c.WatchOrder(ctx, order.ID, time.Minute))

	h.c.StopAll()
	require.False(t, h.c.Watching(order.ID))

	// The flag survives cancellation so a restart picks the order up.
	rec, err := h.store.GetOrder(order.ID)
	require.NoError(t, err)
	require.True(t, rec.Watching)

	h.tick = ticker.NewForce(time.Hour)
	require.NoError(t, h.c.ResumeWatches(ctx))
	require.True(t, h.c.Watching(order.ID))

	h.c.StopWatch(order.ID)
	require.False(t, h.c.Watching(order.ID))

	err = h.c.WatchOrder(ctx, "unknown", 0)
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func countEvents(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestWatchedOrdersShareSuccessNotice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.c.newTicker = func(d time.Duration) ticker.Ticker { return ticker.NewForce(d) }

	a, err := h.c.CreateOrder(ctx, 50_000, 4, Options{})
	require.NoError(t, err)
	b, err := h.c.CreateOrder(ctx, 60_000, 4, Options{})
	require.NoError(t, err)
	h.lsp.set(a.ID, StateOpen)
	h.lsp.set(b.ID, StateOpen)
	h.drain()

	require.NoError(t, h.c.WatchOrder(ctx, a.ID, time.Minute))
	require.NoError(t, h.c.WatchOrder(ctx, b.ID, time.Minute))
	require.Eventually(t, func() bool {
		return !h.c.Watching(a.ID) && !h.c.Watching(b.ID)
	}, time.Second, 5*time.Millisecond)

	events := h.drain()
	require.Equal(t, 2, countEvents(events, EventStateChanged))
	require.Equal(t, 1, countEvents(events, EventOpened))

	// A later open gets its own notice.
	h.clock.SetTime(testNow.Add(openNoticeWindow))
	c, err := h.c.CreateOrder(ctx, 70_000, 4, Options{})
	require.NoError(t, err)
	h.lsp.set(c.ID, StateOpen)
	_, err = h.c.RefreshOrder(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 1, countEvents(h.drain(), EventOpened))
}

func TestWatchExpiryClearsMarkers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order, err := h.c.CreateOrder(ctx, 50_000, 4, Options{})
	require.NoError(t, err)
	require.True(t, h.marker(t, MarkerSettingUp, order.ID))
	require.True(t, h.marker(t, MarkerTransfer, order.ID))
	h.drain()

	h.clock.SetTime(testNow.Add(2 * time.Hour))
	require.NoError(t, h.c.WatchOrder(ctx, order.ID, time.Minute))
	require.Eventually(t, func() bool { return !h.c.Watching(order.ID) }, time.Second, 5*time.Millisecond)

	require.False(t, h.marker(t, MarkerSettingUp, order.ID))
	require.False(t, h.marker(t, MarkerTransfer, order.ID))
	require.Equal(t, []string{"order.state_changed:expired", "order.failed:expired"}, summarize(h.drain()))

	stored, err := h.c.Order(order.ID)
	require.NoError(t, err)
	require.Equal(t, StateExpired, stored.State)

	require.Eventually(t, func() bool {
		rec, err := h.store.GetOrder(order.ID)
		return err == nil && rec.State == StateExpired.String() && !rec.Watching
	}, time.Second, 5*time.Millisecond)
}
