package lightning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/klingon-exchange/klingwallet/internal/chain"
	"github.com/klingon-exchange/klingwallet/internal/errs"
	"github.com/klingon-exchange/klingwallet/pkg/logging"
)

const (
	coffeeInvoice = "lnbc25m1pvjluezpp5qqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqypqdq5vdhkven9v5sxyetpdeessp5zyg3zyg3zyg3zyg3zyg3zyg3zyg3zyg3zyg3zyg3zyg3zyg3zygs9q5sqqqqqqqqqqqqqqqpqsq67gye39hfg3zd8rgc80k32tvy9xk2xunwm5lzexnvpx6fd77en8qaq424dxgt56cag2dpt359k3ssyhetktkpqh24jqnjyw6uqd08sgptq44qu"
	coffeeHash    = "0001020304050607080900010203040506070809000102030405060708090102"
	testFunding   = "a3f1b2c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f80"
)

// fakeLightningClient implements the calls the adapter uses. Anything else
// panics through the nil embedded interface.
type fakeLightningClient struct {
	lnrpc.LightningClient

	channels   []*lnrpc.Channel
	pending    *lnrpc.PendingChannelsResponse
	sendResp   *lnrpc.SendResponse
	connectErr error
	lastSend   *lnrpc.SendRequest
	lastAdd    *lnrpc.Invoice
}

func (f *fakeLightningClient) GetInfo(ctx context.Context, in *lnrpc.GetInfoRequest, opts ...grpc.CallOption) (*lnrpc.GetInfoResponse, error) {
	return &lnrpc.GetInfoResponse{IdentityPubkey: "02abc"}, nil
}

func (f *fakeLightningClient) ListChannels(ctx context.Context, in *lnrpc.ListChannelsRequest, opts ...grpc.CallOption) (*lnrpc.ListChannelsResponse, error) {
	return &lnrpc.ListChannelsResponse{Channels: f.channels}, nil
}

func (f *fakeLightningClient) PendingChannels(ctx context.Context, in *lnrpc.PendingChannelsRequest, opts ...grpc.CallOption) (*lnrpc.PendingChannelsResponse, error) {
	return f.pending, nil
}

func (f *fakeLightningClient) SendPaymentSync(ctx context.Context, in *lnrpc.SendRequest, opts ...grpc.CallOption) (*lnrpc.SendResponse, error) {
	f.lastSend = in
	return f.sendResp, nil
}

func (f *fakeLightningClient) AddInvoice(ctx context.Context, in *lnrpc.Invoice, opts ...grpc.CallOption) (*lnrpc.AddInvoiceResponse, error) {
	f.lastAdd = in
	return &lnrpc.AddInvoiceResponse{RHash: []byte{0xaa, 0xbb}, PaymentRequest: "lnbc1test"}, nil
}

func (f *fakeLightningClient) ConnectPeer(ctx context.Context, in *lnrpc.ConnectPeerRequest, opts ...grpc.CallOption) (*lnrpc.ConnectPeerResponse, error) {
	return &lnrpc.ConnectPeerResponse{}, f.connectErr
}

func newTestLnd(f *fakeLightningClient) *Lnd {
	return NewLnd(f, time.Second, logging.Discard())
}

func TestListChannelsSubtractsReserve(t *testing.T) {
	f := &fakeLightningClient{channels: []*lnrpc.Channel{{
		ChanId:            42,
		ChannelPoint:      testFunding + ":1",
		RemotePubkey:      "03lsp",
		Capacity:          100_000,
		LocalBalance:      60_000,
		RemoteBalance:     39_000,
		Active:            true,
		LocalConstraints:  &lnrpc.ChannelConstraints{ChanReserveSat: 1_000},
		RemoteConstraints: &lnrpc.ChannelConstraints{ChanReserveSat: 1_000},
	}}}

	channels, err := newTestLnd(f).ListChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 1)

	ch := channels[0]
	require.Equal(t, "42", ch.ID)
	require.Equal(t, int64(60_000), ch.Balance)
	require.Equal(t, int64(59_000), ch.Outbound)
	require.Equal(t, int64(38_000), ch.Inbound)
	require.True(t, ch.Usable())
	require.Equal(t, testFunding, ch.FundingTxID)
	require.Equal(t, uint32(1), ch.FundingOutput)
}

func TestOutboundNeverNegative(t *testing.T) {
	ch := channelFromRPC(&lnrpc.Channel{
		LocalBalance:     500,
		LocalConstraints: &lnrpc.ChannelConstraints{ChanReserveSat: 1_000},
	})
	require.Zero(t, ch.Outbound)
	require.False(t, ch.Ready)
}

func TestClaimableBalance(t *testing.T) {
	f := &fakeLightningClient{pending: &lnrpc.PendingChannelsResponse{
		TotalLimboBalance: 7_000,
		PendingOpenChannels: []*lnrpc.PendingChannelsResponse_PendingOpenChannel{
			{Channel: &lnrpc.PendingChannelsResponse_PendingChannel{LocalBalance: 3_000}},
			{},
		},
	}}

	got, err := newTestLnd(f).ClaimableBalance(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(10_000), got)
}

func TestPayInvoice(t *testing.T) {
	f := &fakeLightningClient{sendResp: &lnrpc.SendResponse{
		PaymentHash:     []byte{0x01, 0x02},
		PaymentPreimage: []byte{0x03},
		PaymentRoute:    &lnrpc.Route{TotalAmt: 1_010, TotalFees: 10},
	}}

	p, err := newTestLnd(f).PayInvoice(context.Background(), "lnbc1x", 0)
	require.NoError(t, err)
	require.Equal(t, "0102", p.PaymentHash)
	require.Equal(t, PaymentSucceeded, p.Status)
	require.Equal(t, int64(1_000), p.AmountSat)
	require.Equal(t, int64(10), p.FeeSat)
	require.Equal(t, "lnbc1x", f.lastSend.PaymentRequest)
}

func TestPayInvoiceFailure(t *testing.T) {
	f := &fakeLightningClient{sendResp: &lnrpc.SendResponse{PaymentError: "no route"}}

	p, err := newTestLnd(f).PayInvoice(context.Background(), "lnbc1x", 0)
	require.ErrorIs(t, err, errs.ErrExternalService)
	require.Equal(t, PaymentFailed, p.Status)

	_, err = newTestLnd(f).PayInvoice(context.Background(), "lnbc1x", -1)
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestCreateInvoice(t *testing.T) {
	f := &fakeLightningClient{}
	inv, err := newTestLnd(f).CreateInvoice(context.Background(), 5_000, "coffee", time.Hour)
	require.NoError(t, err)
	require.Equal(t, "aabb", inv.PaymentHash)
	require.Equal(t, int64(3600), f.lastAdd.Expiry)
	require.Equal(t, int64(5_000), f.lastAdd.Value)
}

func TestConnectPeerAlreadyConnected(t *testing.T) {
	f := &fakeLightningClient{connectErr: errors.New("already connected to peer: 03lsp")}
	require.NoError(t, newTestLnd(f).ConnectPeer(context.Background(), "03lsp", "127.0.0.1:9735"))

	f.connectErr = errors.New("dial timeout")
	err := newTestLnd(f).ConnectPeer(context.Background(), "03lsp", "127.0.0.1:9735")
	require.ErrorIs(t, err, errs.ErrNetwork)
}

func TestChannelEvents(t *testing.T) {
	ev, ok := eventFromChannelUpdate(&lnrpc.ChannelEventUpdate{
		Type: lnrpc.ChannelEventUpdate_OPEN_CHANNEL,
		Channel: &lnrpc.ChannelEventUpdate_OpenChannel{OpenChannel: &lnrpc.Channel{
			ChanId: 7, ChannelPoint: testFunding + ":0", Active: true,
		}},
	})
	require.True(t, ok)
	require.Equal(t, EventNewChannel, ev.Type)
	require.Equal(t, "7", ev.Channel.ID)

	ev, ok = eventFromChannelUpdate(&lnrpc.ChannelEventUpdate{
		Type: lnrpc.ChannelEventUpdate_FULLY_RESOLVED_CHANNEL,
		Channel: &lnrpc.ChannelEventUpdate_FullyResolvedChannel{FullyResolvedChannel: &lnrpc.ChannelPoint{
			FundingTxid: &lnrpc.ChannelPoint_FundingTxidStr{FundingTxidStr: testFunding},
			OutputIndex: 2,
		}},
	})
	require.True(t, ok)
	require.Equal(t, EventSpendableOutputs, ev.Type)
	require.Equal(t, testFunding+":2", ev.Channel.ChannelPoint)

	_, ok = eventFromChannelUpdate(&lnrpc.ChannelEventUpdate{Type: lnrpc.ChannelEventUpdate_ACTIVE_CHANNEL})
	require.False(t, ok)
}

func TestParseChannelPoint(t *testing.T) {
	txid, idx, err := parseChannelPoint(testFunding + ":3")
	require.NoError(t, err)
	require.Equal(t, testFunding, txid)
	require.Equal(t, uint32(3), idx)

	for _, bad := range []string{"", "abc:1", testFunding, testFunding + ":x"} {
		_, _, err := parseChannelPoint(bad)
		require.Error(t, err, bad)
	}
}

func TestDecodeInvoice(t *testing.T) {
	inv, err := DecodeInvoice("lightning:"+coffeeInvoice, chain.Mainnet)
	require.NoError(t, err)
	require.Equal(t, coffeeHash, inv.PaymentHash)
	require.Equal(t, int64(2_500_000), inv.AmountSat)
	require.Equal(t, "coffee beans", inv.Description)
	require.Equal(t, "03e7156ae33b0a208d0744199163177e909e80176e55d97a2f221ede0f934dd9ad", inv.Destination)
	require.Equal(t, time.Hour, inv.Expiry)
	require.True(t, inv.Expired(time.Unix(1496314658, 0).Add(2*time.Hour)))
	require.False(t, inv.Expired(time.Unix(1496314658, 0)))
}

func TestDecodeInvoiceRejects(t *testing.T) {
	_, err := DecodeInvoice(coffeeInvoice, chain.Testnet)
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = DecodeInvoice("lnbc1abcde", chain.Mainnet)
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(1)
	b, unsubB := bus.Subscribe(1)
	defer unsubB()

	src := make(chan Event)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx, src)
		close(done)
	}()

	src <- Event{Type: EventNewChannel}
	require.Equal(t, EventNewChannel, (<-a).Type)
	require.Equal(t, EventNewChannel, (<-b).Type)

	unsubA()
	_, open := <-a
	require.False(t, open)

	cancel()
	<-done
	_, open = <-b
	require.False(t, open)

	late, _ := bus.Subscribe(1)
	_, open = <-late
	require.False(t, open)
}

func TestPaymentAmountsFromMsat(t *testing.T) {
	sent := paymentFromRPC(&lnrpc.Payment{
		PaymentHash: coffeeHash,
		ValueMsat:   2_500_999,
		FeeMsat:     1_500,
		Status:      lnrpc.Payment_SUCCEEDED,
	})
	require.Equal(t, int64(2_500), sent.AmountSat)
	require.Equal(t, int64(1), sent.FeeSat)
	require.Equal(t, PaymentSucceeded, sent.Status)
	require.Equal(t, DirectionSent, sent.Direction)

	recv := paymentFromInvoice(&lnrpc.Invoice{
		RHash:       []byte{0xaa, 0x11},
		AmtPaidMsat: 21_000_000,
		SettleDate:  1_700_000_000,
	})
	require.Equal(t, int64(21_000), recv.AmountSat)
	require.Equal(t, "aa11", recv.ID)
	require.Equal(t, int64(1_700_000_000), recv.CreatedAt.Unix())
}
