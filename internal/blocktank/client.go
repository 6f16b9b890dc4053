package blocktank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/klingwallet/internal/errs"
)

// ErrOrderNotFound is returned when the LSP does not know an order.
var ErrOrderNotFound = errors.New("order not found")

// Client is the LSP API.
type Client interface {
	CreateOrder(ctx context.Context, lspBalanceSat int64, expiryWeeks int, opts Options) (*Order, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrders(ctx context.Context, ids []string) ([]*Order, error)
	OpenChannel(ctx context.Context, orderID, nodeID string) (*Order, error)
	GetInfo(ctx context.Context) (*Info, error)
}

// HTTPClient talks to the Blocktank REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a client for baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type createOrderRequest struct {
	LSPBalanceSat      int64 `json:"lspBalanceSat"`
	ChannelExpiryWeeks int   `json:"channelExpiryWeeks"`
	Options
}

// CreateOrder requests a channel with lspBalanceSat of inbound liquidity.
func (c *HTTPClient) CreateOrder(ctx context.Context, lspBalanceSat int64, expiryWeeks int, opts Options) (*Order, error) {
	const op = "blocktank.CreateOrder"
	if lspBalanceSat <= 0 {
		return nil, errs.Validationf(op, "lsp balance must be positive, got %d", lspBalanceSat)
	}
	if expiryWeeks <= 0 {
		return nil, errs.Validationf(op, "expiry must be positive, got %d weeks", expiryWeeks)
	}

	var order Order
	body := createOrderRequest{LSPBalanceSat: lspBalanceSat, ChannelExpiryWeeks: expiryWeeks, Options: opts}
	if err := c.do(ctx, op, http.MethodPost, "/channels", body, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrder fetches one order.
func (c *HTTPClient) GetOrder(ctx context.Context, id string) (*Order, error) {
	const op = "blocktank.GetOrder"
	if id == "" {
		return nil, errs.Validationf(op, "empty order id")
	}

	var order Order
	if err := c.do(ctx, op, http.MethodGet, "/channels/"+url.PathEscape(id), nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrders fetches several orders in one request.
func (c *HTTPClient) GetOrders(ctx context.Context, ids []string) ([]*Order, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	q := url.Values{}
	for _, id := range ids {
		q.Add("ids[]", id)
	}
	var orders []*Order
	if err := c.do(ctx, "blocktank.GetOrders", http.MethodGet, "/channels?"+q.Encode(), nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

type openChannelRequest struct {
	ConnectionStringOrPubkey string `json:"connectionStringOrPubkey"`
	AnnounceChannel          bool   `json:"announceChannel"`
}

// OpenChannel asks the LSP to open the paid channel to nodeID. The LSP
// treats repeated calls for the same order as one.
func (c *HTTPClient) OpenChannel(ctx context.Context, orderID, nodeID string) (*Order, error) {
	const op = "blocktank.OpenChannel"
	if orderID == "" || nodeID == "" {
		return nil, errs.Validationf(op, "order id and node id are required")
	}

	var order Order
	body := openChannelRequest{ConnectionStringOrPubkey: nodeID}
	if err := c.do(ctx, op, http.MethodPost, "/channels/"+url.PathEscape(orderID)+"/open", body, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetInfo returns the LSP limits and node URIs.
func (c *HTTPClient) GetInfo(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.do(ctx, "blocktank.GetInfo", http.MethodGet, "/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

type apiError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errs.New(errs.ErrValidation, op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errs.New(errs.ErrValidation, op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Network(op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errs.New(errs.ErrValidation, op, ErrOrderNotFound)
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil {
			if apiErr.Message != "" {
				msg = apiErr.Message
			} else if apiErr.Error != "" {
				msg = apiErr.Error
			}
		}
		kind := errs.ErrExternalService
		if resp.StatusCode < 500 {
			kind = errs.ErrValidation
		}
		return errs.New(kind, op, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return errs.New(errs.ErrExternalService, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
