package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Channel Orders
// =============================================================================

// OrderRecord is a channel order as last reported by the LSP. Data holds the
// full order JSON.
type OrderRecord struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	PaymentState string `json:"payment_state,omitempty"`
	LSPNodeID    string `json:"lsp_node_id,omitempty"`
	Data         string `json:"data"`
	Watching     bool   `json:"watching"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// SaveOrder inserts or updates an order.
func (s *Storage) SaveOrder(o *OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	if o.CreatedAt == 0 {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO channel_orders (id, state, payment_state, lsp_node_id, data, watching, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			payment_state = excluded.payment_state,
			lsp_node_id = excluded.lsp_node_id,
			data = excluded.data,
			watching = excluded.watching,
			updated_at = excluded.updated_at
	`, o.ID, o.State, o.PaymentState, o.LSPNodeID, o.Data, boolToInt(o.Watching), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder returns an order by id, or nil if unknown.
func (s *Storage) GetOrder(id string) (*OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, state, payment_state, lsp_node_id, data, watching, created_at, updated_at
		FROM channel_orders WHERE id = ?
	`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// ListOrders returns orders, optionally restricted to the given states.
func (s *Storage) ListOrders(states ...string) ([]*OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, state, payment_state, lsp_node_id, data, watching, created_at, updated_at FROM channel_orders`
	var args []interface{}
	if len(states) > 0 {
		query += ` WHERE state IN (` + strings.TrimSuffix(strings.Repeat("?,", len(states)), ",") + `)`
		for _, st := range states {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OrderRecord
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// SetOrderWatching records whether a watch loop runs for the order, so it
// can be resumed on restart.
func (s *Storage) SetOrderWatching(id string, watching bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE channel_orders SET watching = ?, updated_at = ? WHERE id = ?`,
		boolToInt(watching), time.Now().Unix(), id)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row scanner) (*OrderRecord, error) {
	var o OrderRecord
	var payment, lspNode sql.NullString
	var watching int
	if err := row.Scan(&o.ID, &o.State, &payment, &lspNode, &o.Data, &watching, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.PaymentState = payment.String
	o.LSPNodeID = lspNode.String
	o.Watching = watching == 1
	return &o, nil
}
