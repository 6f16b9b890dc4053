package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klingon-exchange/klingwallet/internal/activity"
	"github.com/klingon-exchange/klingwallet/internal/lightning"
)

// ========================================
// Activity handlers
// ========================================

// ActivityFilterParams is the parameters for activity_list and
// activity_groups. From and To are unix milliseconds.
type ActivityFilterParams struct {
	WalletID      string   `json:"wallet_id"`
	Search        string   `json:"search,omitempty"`
	Types         []string `json:"types,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	From          int64    `json:"from,omitempty"`
	To            int64    `json:"to,omitempty"`
	TxType        string   `json:"tx_type,omitempty"`
	Transfer      *bool    `json:"transfer,omitempty"`
	IncludeHidden bool     `json:"include_hidden,omitempty"`
	Limit         int      `json:"limit,omitempty"`
}

func (p ActivityFilterParams) filter() activity.Filter {
	f := activity.Filter{
		Search:        p.Search,
		Tags:          p.Tags,
		TxType:        activity.TxType(p.TxType),
		Transfer:      p.Transfer,
		IncludeHidden: p.IncludeHidden,
	}
	for _, t := range p.Types {
		f.Types = append(f.Types, activity.Type(t))
	}
	if p.From > 0 {
		f.From = time.UnixMilli(p.From)
	}
	if p.To > 0 {
		f.To = time.UnixMilli(p.To)
	}
	return f
}

func (s *Server) activityLedger() (*activity.Ledger, error) {
	if s.deps.Activity == nil {
		return nil, fmt.Errorf("activity ledger not initialized")
	}
	return s.deps.Activity, nil
}

// ActivityListResult is the response for activity_list.
type ActivityListResult struct {
	Items []activity.Item `json:"items"`
	Count int             `json:"count"`
}

func (s *Server) activityList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	ledger, err := s.activityLedger()
	if err != nil {
		return nil, err
	}
	var p ActivityFilterParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("wallet_id", p.WalletID); err != nil {
		return nil, err
	}

	items, err := ledger.List(p.WalletID, s.deps.Engine.Network(), p.filter())
	if err != nil {
		return nil, err
	}
	if p.Limit > 0 && len(items) > p.Limit {
		items = items[:p.Limit]
	}
	return &ActivityListResult{Items: items, Count: len(items)}, nil
}

func (s *Server) activityGroups(ctx context.Context, params json.RawMessage) (interface{}, error) {
	ledger, err := s.activityLedger()
	if err != nil {
		return nil, err
	}
	var p ActivityFilterParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("wallet_id", p.WalletID); err != nil {
		return nil, err
	}
	return ledger.Groups(p.WalletID, s.deps.Engine.Network(), p.filter())
}

// ActivityTagParams is the parameters for activity_addTag and
// activity_removeTag.
type ActivityTagParams struct {
	WalletID string `json:"wallet_id"`
	ID       string `json:"id"`
	Tag      string `json:"tag"`
}

func (p ActivityTagParams) validate() error {
	if err := required("wallet_id", p.WalletID); err != nil {
		return err
	}
	if err := required("id", p.ID); err != nil {
		return err
	}
	return required("tag", p.Tag)
}

func (s *Server) activityAddTag(ctx context.Context, params json.RawMessage) (interface{}, error) {
	ledger, err := s.activityLedger()
	if err != nil {
		return nil, err
	}
	var p ActivityTagParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if err := ledger.AddTag(p.WalletID, p.ID, p.Tag); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func (s *Server) activityRemoveTag(ctx context.Context, params json.RawMessage) (interface{}, error) {
	ledger, err := s.activityLedger()
	if err != nil {
		return nil, err
	}
	var p ActivityTagParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if err := ledger.RemoveTag(p.WalletID, p.ID, p.Tag); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func (s *Server) activityTags(ctx context.Context, params json.RawMessage) (interface{}, error) {
	ledger, err := s.activityLedger()
	if err != nil {
		return nil, err
	}
	var p WalletIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return ledger.Tags(p.WalletID)
}

func (s *Server) activitySyncLightning(ctx context.Context, params json.RawMessage) (interface{}, error) {
	ledger, err := s.activityLedger()
	if err != nil {
		return nil, err
	}
	if s.deps.Node == nil {
		return nil, lightning.ErrNotConfigured
	}
	var p WalletIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	payments, err := s.deps.Node.ListPayments(ctx)
	if err != nil {
		return nil, err
	}
	if err := ledger.UpsertLightning(p.WalletID, s.deps.Engine.Network(), payments); err != nil {
		return nil, err
	}
	return map[string]int{"synced": len(payments)}, nil
}
