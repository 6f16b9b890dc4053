package storage

import (
	"database/sql"
	"fmt"
	"strings"
)

// =============================================================================
// Activity Items
// =============================================================================

// ActivityRecord is the persisted form of an activity item. Type specific
// fields travel in Data as JSON.
type ActivityRecord struct {
	ActivityType string `json:"activity_type"` // onchain, lightning, tether
	ID           string `json:"id"`
	TxType       string `json:"tx_type"`
	Value        int64  `json:"value"`
	Fee          int64  `json:"fee"`
	Address      string `json:"address,omitempty"`
	Message      string `json:"message,omitempty"`
	Timestamp    int64  `json:"timestamp"` // unix millis
	Confirmed    bool   `json:"confirmed"`
	Exists       bool   `json:"exists"`
	IsTransfer   bool   `json:"is_transfer"`
	Status       string `json:"status,omitempty"`
	Data         string `json:"data,omitempty"`
}

// UpsertActivity inserts or replaces items by (activity_type, id).
func (s *Storage) UpsertActivity(walletID, network string, items []ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO activity_items (
			wallet_id, network, activity_type, id, tx_type, value, fee, address, message,
			timestamp, confirmed, exists_on_chain, is_transfer, status, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		if _, err := stmt.Exec(walletID, network, it.ActivityType, it.ID, it.TxType, it.Value, it.Fee,
			it.Address, it.Message, it.Timestamp, boolToInt(it.Confirmed), boolToInt(it.Exists),
			boolToInt(it.IsTransfer), it.Status, it.Data); err != nil {
			return fmt.Errorf("save activity %s/%s: %w", it.ActivityType, it.ID, err)
		}
	}
	return tx.Commit()
}

// ListActivity returns every activity item of a (wallet, network), newest first.
// Items marked as not existing are included.
func (s *Storage) ListActivity(walletID, network string) ([]ActivityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT activity_type, id, tx_type, value, fee, address, message, timestamp,
			   confirmed, exists_on_chain, is_transfer, status, data
		FROM activity_items
		WHERE wallet_id = ? AND network = ?
		ORDER BY timestamp DESC
	`, walletID, network)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityRecord
	for rows.Next() {
		var r ActivityRecord
		var address, message, status, data sql.NullString
		var confirmed, exists, transfer int
		if err := rows.Scan(&r.ActivityType, &r.ID, &r.TxType, &r.Value, &r.Fee, &address, &message,
			&r.Timestamp, &confirmed, &exists, &transfer, &status, &data); err != nil {
			return nil, err
		}
		r.Address = address.String
		r.Message = message.String
		r.Status = status.String
		r.Data = data.String
		r.Confirmed = confirmed == 1
		r.Exists = exists == 1
		r.IsTransfer = transfer == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkActivityExists sets the exists flag on the given ids. Items are never
// deleted, only flagged.
func (s *Storage) MarkActivityExists(walletID, network, activityType string, ids []string, exists bool) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	args := []interface{}{boolToInt(exists), walletID, network, activityType}
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	_, err := s.db.Exec(`
		UPDATE activity_items SET exists_on_chain = ?
		WHERE wallet_id = ? AND network = ? AND activity_type = ? AND id IN (`+placeholders+`)
	`, args...)
	return err
}

// =============================================================================
// Activity Tags
// =============================================================================

// AddTag attaches a tag to an activity item.
func (s *Storage) AddTag(walletID, activityID, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR IGNORE INTO activity_tags (wallet_id, activity_id, tag) VALUES (?, ?, ?)`,
		walletID, activityID, tag)
	return err
}

// RemoveTag detaches a tag from an activity item.
func (s *Storage) RemoveTag(walletID, activityID, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM activity_tags WHERE wallet_id = ? AND activity_id = ? AND tag = ?`,
		walletID, activityID, tag)
	return err
}

// TagMap returns all tags of a wallet keyed by activity id.
func (s *Storage) TagMap(walletID string) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT activity_id, tag FROM activity_tags WHERE wallet_id = ? ORDER BY activity_id, tag`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var id, tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return nil, err
		}
		out[id] = append(out[id], tag)
	}
	return out, rows.Err()
}
