package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klingon-exchange/klingwallet/internal/blocktank"
	"github.com/klingon-exchange/klingwallet/internal/errs"
)

// ========================================
// Channel order handlers
// ========================================

func (s *Server) orders() (*blocktank.Coordinator, error) {
	if s.deps.Orders == nil {
		return nil, fmt.Errorf("channel orders not configured")
	}
	return s.deps.Orders, nil
}

func (s *Server) blocktankInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	c, err := s.orders()
	if err != nil {
		return nil, err
	}
	return c.Info(ctx)
}

// CreateOrderParams is the parameters for blocktank_createOrder.
type CreateOrderParams struct {
	LSPBalanceSat      int64  `json:"lsp_balance_sat"`
	ClientBalanceSat   int64  `json:"client_balance_sat,omitempty"`
	ChannelExpiryWeeks int    `json:"channel_expiry_weeks,omitempty"`
	ZeroConf           bool   `json:"zero_conf,omitempty"`
	CouponCode         string `json:"coupon_code,omitempty"`
	RefundAddress      string `json:"refund_address,omitempty"`
	// Watch starts polling the order right away.
	Watch bool `json:"watch,omitempty"`
}

func (s *Server) blocktankCreateOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	c, err := s.orders()
	if err != nil {
		return nil, err
	}
	var p CreateOrderParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.LSPBalanceSat <= 0 {
		return nil, errs.Validationf("rpc.blocktank_createOrder", "lsp_balance_sat must be positive")
	}
	if p.ClientBalanceSat < 0 {
		return nil, errs.Validationf("rpc.blocktank_createOrder", "client_balance_sat must not be negative")
	}

	order, err := c.CreateOrder(ctx, p.LSPBalanceSat, p.ChannelExpiryWeeks, blocktank.Options{
		ClientBalanceSat: p.ClientBalanceSat,
		ZeroConf:         p.ZeroConf,
		CouponCode:       p.CouponCode,
		Source:           "klingwallet",
		RefundAddress:    p.RefundAddress,
	})
	if err != nil {
		return nil, err
	}
	if p.Watch {
		if err := c.WatchOrder(s.base, order.ID, s.deps.WatchInterval); err != nil {
			s.log.Warn("Failed to watch order", "order", order.ID, "error", err)
		}
	}
	return order, nil
}

// OrderIDParams selects a channel order.
type OrderIDParams struct {
	OrderID string `json:"order_id"`
}

func (s *Server) blocktankGetOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	c, err := s.orders()
	if err != nil {
		return nil, err
	}
	var p OrderIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("order_id", p.OrderID); err != nil {
		return nil, err
	}
	order, err := c.Order(p.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, errs.New(errs.ErrValidation, "rpc.blocktank_getOrder", blocktank.ErrOrderNotFound)
	}
	return order, nil
}

// OrdersResult is the response for blocktank_listOrders and
// blocktank_refresh.
type OrdersResult struct {
	Orders []*blocktank.Order `json:"orders"`
	Count  int                `json:"count"`
}

func (s *Server) blocktankListOrders(ctx context.Context, params json.RawMessage) (interface{}, error) {
	c, err := s.orders()
	if err != nil {
		return nil, err
	}
	orders, err := c.Orders()
	if err != nil {
		return nil, err
	}
	return &OrdersResult{Orders: orders, Count: len(orders)}, nil
}

// RefreshOrdersParams is the parameters for blocktank_refresh. No ids
// refreshes every unsettled order.
type RefreshOrdersParams struct {
	OrderIDs []string `json:"order_ids,omitempty"`
}

func (s *Server) blocktankRefresh(ctx context.Context, params json.RawMessage) (interface{}, error) {
	c, err := s.orders()
	if err != nil {
		return nil, err
	}
	var p RefreshOrdersParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	orders, err := c.RefreshOrders(ctx, p.OrderIDs)
	if err != nil && len(orders) == 0 {
		return nil, err
	}
	if err != nil {
		s.log.Warn("Some orders failed to refresh", "error", err)
	}
	return &OrdersResult{Orders: orders, Count: len(orders)}, nil
}

func (s *Server) blocktankFinalize(ctx context.Context, params json.RawMessage) (interface{}, error) {
	c, err := s.orders()
	if err != nil {
		return nil, err
	}
	var p OrderIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("order_id", p.OrderID); err != nil {
		return nil, err
	}
	return c.Finalize(ctx, p.OrderID)
}

func (s *Server) blocktankWatch(ctx context.Context, params json.RawMessage) (interface{}, error) {
	c, err := s.orders()
	if err != nil {
		return nil, err
	}
	var p OrderIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("order_id", p.OrderID); err != nil {
		return nil, err
	}
	if err := c.WatchOrder(s.base, p.OrderID, s.deps.WatchInterval); err != nil {
		return nil, err
	}
	return map[string]bool{"watching": c.Watching(p.OrderID)}, nil
}

func (s *Server) blocktankStopWatch(ctx context.Context, params json.RawMessage) (interface{}, error) {
	c, err := s.orders()
	if err != nil {
		return nil, err
	}
	var p OrderIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("order_id", p.OrderID); err != nil {
		return nil, err
	}
	c.StopWatch(p.OrderID)
	return map[string]bool{"watching": false}, nil
}
