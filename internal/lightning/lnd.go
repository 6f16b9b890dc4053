package lightning

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/klingon-exchange/klingwallet/internal/config"
	"github.com/klingon-exchange/klingwallet/internal/errs"
	"github.com/klingon-exchange/klingwallet/pkg/helpers"
	"github.com/klingon-exchange/klingwallet/pkg/logging"
)

const (
	defaultRPCTimeout   = 30 * time.Second
	resubscribeDelay    = 5 * time.Second
	eventBuffer         = 64
	maxListedInvoices   = 1000
	alreadyConnectedErr = "already connected"
)

// macaroonCredential attaches a hex encoded macaroon to every call.
type macaroonCredential struct {
	macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.macaroon}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

// Lnd is a Node backed by an lnd instance over gRPC.
type Lnd struct {
	client  lnrpc.LightningClient
	conn    *grpc.ClientConn
	timeout time.Duration
	log     *logging.Logger

	events chan Event

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// DialLnd connects to lnd using the TLS certificate and macaroon from cfg.
func DialLnd(cfg config.LightningConfig, log *logging.Logger) (*Lnd, error) {
	const op = "lightning.DialLnd"

	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}

	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, errs.New(errs.ErrValidation, op, fmt.Errorf("load tls cert: %w", err))
	}

	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if cfg.MacaroonPath != "" {
		macBytes, err := os.ReadFile(cfg.MacaroonPath)
		if err != nil {
			return nil, errs.New(errs.ErrValidation, op, fmt.Errorf("read macaroon: %w", err))
		}
		opts = append(opts, grpc.WithPerRPCCredentials(macaroonCredential{hex.EncodeToString(macBytes)}))
	}

	conn, err := grpc.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, errs.Network(op, err)
	}

	l := NewLnd(lnrpc.NewLightningClient(conn), cfg.Timeout, log)
	l.conn = conn
	return l, nil
}

// NewLnd wraps an existing lnrpc client.
func NewLnd(client lnrpc.LightningClient, timeout time.Duration, log *logging.Logger) *Lnd {
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	return &Lnd{
		client:  client,
		timeout: timeout,
		log:     logging.OrDefault(log, "lnd"),
		events:  make(chan Event, eventBuffer),
	}
}

// Start subscribes to invoice and channel updates. Subscriptions are
// re-established until Close or ctx cancellation.
func (l *Lnd) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true

	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(2)
	go l.subscribeLoop(ctx, "invoices", l.subscribeInvoices)
	go l.subscribeLoop(ctx, "channels", l.subscribeChannels)
}

// Close stops subscriptions and closes the gRPC connection.
func (l *Lnd) Close() error {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()

	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

// Events returns the node event stream.
func (l *Lnd) Events() <-chan Event {
	return l.events
}

func (l *Lnd) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.timeout)
}

// NodeID returns the node's identity pubkey.
func (l *Lnd) NodeID(ctx context.Context) (string, error) {
	ctx, cancel := l.rpcContext(ctx)
	defer cancel()

	info, err := l.client.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return "", errs.Network("lnd.GetInfo", err)
	}
	return info.IdentityPubkey, nil
}

// ListChannels returns active and inactive open channels.
func (l *Lnd) ListChannels(ctx context.Context) ([]Channel, error) {
	ctx, cancel := l.rpcContext(ctx)
	defer cancel()

	resp, err := l.client.ListChannels(ctx, &lnrpc.ListChannelsRequest{})
	if err != nil {
		return nil, errs.Network("lnd.ListChannels", err)
	}

	channels := make([]Channel, 0, len(resp.Channels))
	for _, c := range resp.Channels {
		channels = append(channels, channelFromRPC(c))
	}
	return channels, nil
}

// ClaimableBalance returns the limbo balance of closing channels plus the
// local balance of channels still being opened.
func (l *Lnd) ClaimableBalance(ctx context.Context) (int64, error) {
	ctx, cancel := l.rpcContext(ctx)
	defer cancel()

	resp, err := l.client.PendingChannels(ctx, &lnrpc.PendingChannelsRequest{})
	if err != nil {
		return 0, errs.Network("lnd.PendingChannels", err)
	}

	total := resp.TotalLimboBalance
	for _, p := range resp.PendingOpenChannels {
		if p.Channel != nil {
			total += p.Channel.LocalBalance
		}
	}
	if total < 0 {
		total = 0
	}
	return total, nil
}

// CreateInvoice adds an invoice for amountSat. Zero creates an any-amount invoice.
func (l *Lnd) CreateInvoice(ctx context.Context, amountSat int64, description string, expiry time.Duration) (*Invoice, error) {
	const op = "lnd.CreateInvoice"
	if amountSat < 0 {
		return nil, errs.Validationf(op, "negative amount %d", amountSat)
	}

	ctx, cancel := l.rpcContext(ctx)
	defer cancel()

	resp, err := l.client.AddInvoice(ctx, &lnrpc.Invoice{
		Memo:   description,
		Value:  amountSat,
		Expiry: int64(expiry / time.Second),
	})
	if err != nil {
		return nil, errs.Network(op, err)
	}

	return &Invoice{
		PaymentRequest: resp.PaymentRequest,
		PaymentHash:    hex.EncodeToString(resp.RHash),
		AmountSat:      amountSat,
		Description:    description,
		Expiry:         expiry,
		CreatedAt:      time.Now(),
	}, nil
}

// PayInvoice pays bolt11 synchronously.
func (l *Lnd) PayInvoice(ctx context.Context, bolt11 string, amountSat int64) (*Payment, error) {
	const op = "lnd.PayInvoice"
	if amountSat < 0 {
		return nil, errs.Validationf(op, "negative amount %d", amountSat)
	}

	ctx, cancel := l.rpcContext(ctx)
	defer cancel()

	resp, err := l.client.SendPaymentSync(ctx, &lnrpc.SendRequest{
		PaymentRequest: bolt11,
		Amt:            amountSat,
	})
	if err != nil {
		return nil, errs.Network(op, err)
	}

	p := &Payment{
		ID:             hex.EncodeToString(resp.PaymentHash),
		PaymentHash:    hex.EncodeToString(resp.PaymentHash),
		PaymentRequest: bolt11,
		Direction:      DirectionSent,
		Status:         PaymentSucceeded,
		AmountSat:      amountSat,
		CreatedAt:      time.Now(),
	}
	if resp.PaymentError != "" {
		p.Status = PaymentFailed
		return p, errs.New(errs.ErrExternalService, op, fmt.Errorf("payment failed: %s", resp.PaymentError))
	}
	p.Preimage = hex.EncodeToString(resp.PaymentPreimage)
	if r := resp.PaymentRoute; r != nil {
		p.FeeSat = r.TotalFees
		p.AmountSat = r.TotalAmt - r.TotalFees
	}
	return p, nil
}

// ListPayments returns outgoing payments and settled invoices.
func (l *Lnd) ListPayments(ctx context.Context) ([]Payment, error) {
	ctx, cancel := l.rpcContext(ctx)
	defer cancel()

	sent, err := l.client.ListPayments(ctx, &lnrpc.ListPaymentsRequest{IncludeIncomplete: true})
	if err != nil {
		return nil, errs.Network("lnd.ListPayments", err)
	}
	received, err := l.client.ListInvoices(ctx, &lnrpc.ListInvoiceRequest{
		NumMaxInvoices: maxListedInvoices,
		Reversed:       true,
	})
	if err != nil {
		return nil, errs.Network("lnd.ListInvoices", err)
	}

	out := make([]Payment, 0, len(sent.Payments)+len(received.Invoices))
	for _, p := range sent.Payments {
		out = append(out, paymentFromRPC(p))
	}
	for _, inv := range received.Invoices {
		if inv.State != lnrpc.Invoice_SETTLED {
			continue
		}
		out = append(out, paymentFromInvoice(inv))
	}
	return out, nil
}

// ConnectPeer connects to pubkey@host as a permanent peer.
func (l *Lnd) ConnectPeer(ctx context.Context, pubkey, host string) error {
	ctx, cancel := l.rpcContext(ctx)
	defer cancel()

	_, err := l.client.ConnectPeer(ctx, &lnrpc.ConnectPeerRequest{
		Addr: &lnrpc.LightningAddress{Pubkey: pubkey, Host: host},
		Perm: true,
	})
	if err != nil && !strings.Contains(err.Error(), alreadyConnectedErr) {
		return errs.Network("lnd.ConnectPeer", err)
	}
	return nil
}

// CloseChannel starts a cooperative or forced close and returns once lnd
// reports the close as pending.
func (l *Lnd) CloseChannel(ctx context.Context, channelPoint, counterparty string, force bool) error {
	const op = "lnd.CloseChannel"

	txid, index, err := parseChannelPoint(channelPoint)
	if err != nil {
		return errs.New(errs.ErrValidation, op, err)
	}

	ctx, cancel := l.rpcContext(ctx)
	defer cancel()

	stream, err := l.client.CloseChannel(ctx, &lnrpc.CloseChannelRequest{
		ChannelPoint: &lnrpc.ChannelPoint{
			FundingTxid: &lnrpc.ChannelPoint_FundingTxidStr{FundingTxidStr: txid},
			OutputIndex: index,
		},
		Force: force,
	})
	if err != nil {
		return errs.Network(op, err)
	}
	if _, err := stream.Recv(); err != nil {
		return errs.Network(op, err)
	}

	l.log.Info("Channel close initiated", "channel_point", channelPoint, "peer", counterparty, "force", force)
	return nil
}

func (l *Lnd) subscribeLoop(ctx context.Context, name string, run func(context.Context) error) {
	defer l.wg.Done()
	for {
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil && err != io.EOF {
			l.log.Warn("Subscription ended", "stream", name, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

func (l *Lnd) subscribeInvoices(ctx context.Context) error {
	stream, err := l.client.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{})
	if err != nil {
		return err
	}
	for {
		inv, err := stream.Recv()
		if err != nil {
			return err
		}
		if inv.State != lnrpc.Invoice_SETTLED {
			continue
		}
		p := paymentFromInvoice(inv)
		l.publish(ctx, Event{Type: EventPaymentClaimed, Payment: &p, Time: time.Now()})
	}
}

func (l *Lnd) subscribeChannels(ctx context.Context) error {
	stream, err := l.client.SubscribeChannelEvents(ctx, &lnrpc.ChannelEventSubscription{})
	if err != nil {
		return err
	}
	for {
		upd, err := stream.Recv()
		if err != nil {
			return err
		}
		if ev, ok := eventFromChannelUpdate(upd); ok {
			l.publish(ctx, ev)
		}
	}
}

func (l *Lnd) publish(ctx context.Context, ev Event) {
	select {
	case l.events <- ev:
	case <-ctx.Done():
	}
}

func eventFromChannelUpdate(upd *lnrpc.ChannelEventUpdate) (Event, bool) {
	now := time.Now()
	switch upd.Type {
	case lnrpc.ChannelEventUpdate_OPEN_CHANNEL:
		if c := upd.GetOpenChannel(); c != nil {
			ch := channelFromRPC(c)
			return Event{Type: EventNewChannel, Channel: &ch, Time: now}, true
		}
	case lnrpc.ChannelEventUpdate_CLOSED_CHANNEL:
		if c := upd.GetClosedChannel(); c != nil {
			ch := Channel{
				ID:           strconv.FormatUint(c.ChanId, 10),
				ChannelPoint: c.ChannelPoint,
				RemotePubkey: c.RemotePubkey,
				Capacity:     c.Capacity,
				Balance:      c.SettledBalance,
			}
			return Event{Type: EventChannelClosed, Channel: &ch, Time: now}, true
		}
	case lnrpc.ChannelEventUpdate_FULLY_RESOLVED_CHANNEL:
		if cp := upd.GetFullyResolvedChannel(); cp != nil {
			ch := Channel{
				FundingTxID:   cp.GetFundingTxidStr(),
				FundingOutput: cp.OutputIndex,
			}
			if ch.FundingTxID != "" {
				ch.ChannelPoint = fmt.Sprintf("%s:%d", ch.FundingTxID, ch.FundingOutput)
			}
			return Event{Type: EventSpendableOutputs, Channel: &ch, Time: now}, true
		}
	}
	return Event{}, false
}

func channelFromRPC(c *lnrpc.Channel) Channel {
	ch := Channel{
		ID:           strconv.FormatUint(c.ChanId, 10),
		ChannelPoint: c.ChannelPoint,
		RemotePubkey: c.RemotePubkey,
		Capacity:     c.Capacity,
		Balance:      c.LocalBalance,
		Outbound:     c.LocalBalance,
		Inbound:      c.RemoteBalance,
		Open:         true,
		Ready:        c.Active,
		Private:      c.Private,
	}
	if lc := c.LocalConstraints; lc != nil {
		ch.Outbound = max(c.LocalBalance-int64(lc.ChanReserveSat), 0)
	}
	if rc := c.RemoteConstraints; rc != nil {
		ch.Inbound = max(c.RemoteBalance-int64(rc.ChanReserveSat), 0)
	}
	if txid, idx, err := parseChannelPoint(c.ChannelPoint); err == nil {
		ch.FundingTxID, ch.FundingOutput = txid, idx
	}
	return ch
}

func paymentFromRPC(p *lnrpc.Payment) Payment {
	out := Payment{
		ID:             p.PaymentHash,
		PaymentHash:    p.PaymentHash,
		Preimage:       p.PaymentPreimage,
		PaymentRequest: p.PaymentRequest,
		Direction:      DirectionSent,
		AmountSat:      helpers.MsatToSat(p.ValueMsat),
		FeeSat:         helpers.MsatToSat(p.FeeMsat),
		CreatedAt:      time.Unix(0, p.CreationTimeNs),
	}
	switch p.Status {
	case lnrpc.Payment_SUCCEEDED:
		out.Status = PaymentSucceeded
	case lnrpc.Payment_FAILED:
		out.Status = PaymentFailed
	default:
		out.Status = PaymentPending
	}
	return out
}

func paymentFromInvoice(inv *lnrpc.Invoice) Payment {
	created := time.Unix(inv.CreationDate, 0)
	if inv.SettleDate > 0 {
		created = time.Unix(inv.SettleDate, 0)
	}
	hash := hex.EncodeToString(inv.RHash)
	return Payment{
		ID:             hash,
		PaymentHash:    hash,
		Preimage:       hex.EncodeToString(inv.RPreimage),
		PaymentRequest: inv.PaymentRequest,
		Direction:      DirectionReceived,
		Status:         PaymentSucceeded,
		AmountSat:      helpers.MsatToSat(inv.AmtPaidMsat),
		Description:    inv.Memo,
		CreatedAt:      created,
	}
}

func parseChannelPoint(cp string) (string, uint32, error) {
	txid, idx, ok := strings.Cut(cp, ":")
	if !ok || len(txid) != 64 {
		return "", 0, fmt.Errorf("invalid channel point %q", cp)
	}
	if _, err := hex.DecodeString(txid); err != nil {
		return "", 0, fmt.Errorf("invalid channel point %q: %w", cp, err)
	}
	n, err := strconv.ParseUint(idx, 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("invalid channel point %q: %w", cp, err)
	}
	return txid, uint32(n), nil
}
