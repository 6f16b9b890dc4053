package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// Wallet Transactions
// =============================================================================

// TransactionRecord is a formatted wallet transaction.
type TransactionRecord struct {
	TxID             string   `json:"txid"`
	Type             string   `json:"type"` // sent or received
	Value            int64    `json:"value"`
	Fee              int64    `json:"fee"`
	Height           int64    `json:"height"`
	Timestamp        int64    `json:"timestamp"`
	ConfirmTimestamp int64    `json:"confirm_timestamp,omitempty"`
	Address          string   `json:"address"`
	Vin              []string `json:"vin"`
	Exists           bool     `json:"exists"`
	IsTransfer       bool     `json:"is_transfer"`
}

// SaveTransactions upserts transactions of a (wallet, network).
func (s *Storage) SaveTransactions(walletID, network string, txs []TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO wallet_transactions (
			wallet_id, network, txid, tx_type, value, fee, height,
			timestamp, confirm_timestamp, address, vin, exists_on_chain, is_transfer
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet_id, network, txid) DO UPDATE SET
			tx_type = excluded.tx_type,
			value = excluded.value,
			fee = excluded.fee,
			height = excluded.height,
			confirm_timestamp = excluded.confirm_timestamp,
			address = excluded.address,
			vin = excluded.vin,
			exists_on_chain = excluded.exists_on_chain,
			is_transfer = excluded.is_transfer
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range txs {
		vin, err := json.Marshal(t.Vin)
		if err != nil {
			return err
		}
		var confirmTS sql.NullInt64
		if t.ConfirmTimestamp > 0 {
			confirmTS = sql.NullInt64{Int64: t.ConfirmTimestamp, Valid: true}
		}
		if _, err := stmt.Exec(walletID, network, t.TxID, t.Type, t.Value, t.Fee, t.Height,
			t.Timestamp, confirmTS, t.Address, string(vin), boolToInt(t.Exists), boolToInt(t.IsTransfer)); err != nil {
			return fmt.Errorf("save tx %s: %w", t.TxID, err)
		}
	}

	return tx.Commit()
}

// ListTransactions returns all transactions of a (wallet, network), newest first.
func (s *Storage) ListTransactions(walletID, network string) ([]TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT txid, tx_type, value, fee, height, timestamp, confirm_timestamp,
			   address, vin, exists_on_chain, is_transfer
		FROM wallet_transactions
		WHERE wallet_id = ? AND network = ?
		ORDER BY timestamp DESC, txid
	`, walletID, network)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []TransactionRecord
	for rows.Next() {
		var t TransactionRecord
		var confirmTS sql.NullInt64
		var address, vin sql.NullString
		var exists, transfer int
		if err := rows.Scan(&t.TxID, &t.Type, &t.Value, &t.Fee, &t.Height, &t.Timestamp, &confirmTS,
			&address, &vin, &exists, &transfer); err != nil {
			return nil, err
		}
		t.ConfirmTimestamp = confirmTS.Int64
		t.Address = address.String
		t.Exists = exists == 1
		t.IsTransfer = transfer == 1
		if vin.Valid && vin.String != "" {
			if err := json.Unmarshal([]byte(vin.String), &t.Vin); err != nil {
				return nil, fmt.Errorf("decode vin of %s: %w", t.TxID, err)
			}
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// SetTransactionExists flips the exists flag of a stored transaction.
func (s *Storage) SetTransactionExists(walletID, network, txid string, exists bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE wallet_transactions SET exists_on_chain = ?
		WHERE wallet_id = ? AND network = ? AND txid = ?
	`, boolToInt(exists), walletID, network, txid)
	return err
}

// =============================================================================
// Unconfirmed Set
// =============================================================================

// UnconfirmedRecord tracks a transaction below the confirmation target.
type UnconfirmedRecord struct {
	TxID   string `json:"txid"`
	Height int64  `json:"height"`
}

// ReplaceUnconfirmed swaps the unconfirmed set of a (wallet, network).
func (s *Storage) ReplaceUnconfirmed(walletID, network string, records []UnconfirmedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM wallet_unconfirmed WHERE wallet_id = ? AND network = ?`, walletID, network); err != nil {
		return err
	}
	for _, r := range records {
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO wallet_unconfirmed (wallet_id, network, txid, height) VALUES (?, ?, ?, ?)
		`, walletID, network, r.TxID, r.Height); err != nil {
			return fmt.Errorf("save unconfirmed %s: %w", r.TxID, err)
		}
	}
	return tx.Commit()
}

// ListUnconfirmed returns the unconfirmed set of a (wallet, network).
func (s *Storage) ListUnconfirmed(walletID, network string) ([]UnconfirmedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT txid, height FROM wallet_unconfirmed
		WHERE wallet_id = ? AND network = ? ORDER BY txid
	`, walletID, network)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnconfirmedRecord
	for rows.Next() {
		var r UnconfirmedRecord
		if err := rows.Scan(&r.TxID, &r.Height); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// Boosted Transactions
// =============================================================================

// BoostRecord links a replaced transaction to the one that bumped its fee.
type BoostRecord struct {
	ParentTxID string `json:"parent_txid"`
	ChildTxID  string `json:"child_txid"`
	Kind       string `json:"kind"` // rbf or cpfp
	Fee        int64  `json:"fee"`
	CreatedAt  int64  `json:"created_at"`
}

// SaveBoost records a fee bump. A later bump of the same parent overwrites it.
func (s *Storage) SaveBoost(walletID, network string, b *BoostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.CreatedAt == 0 {
		b.CreatedAt = time.Now().Unix()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO wallet_boosted (wallet_id, network, parent_txid, child_txid, kind, fee, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, walletID, network, b.ParentTxID, b.ChildTxID, b.Kind, b.Fee, b.CreatedAt)
	return err
}

// ListBoosts returns the fee bumps of a (wallet, network) keyed by parent txid.
func (s *Storage) ListBoosts(walletID, network string) (map[string]BoostRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT parent_txid, child_txid, kind, fee, created_at FROM wallet_boosted
		WHERE wallet_id = ? AND network = ?
	`, walletID, network)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]BoostRecord)
	for rows.Next() {
		var b BoostRecord
		if err := rows.Scan(&b.ParentTxID, &b.ChildTxID, &b.Kind, &b.Fee, &b.CreatedAt); err != nil {
			return nil, err
		}
		out[b.ParentTxID] = b
	}
	return out, rows.Err()
}

// ClearWalletNetwork removes all per-network state of a wallet: utxos,
// transactions, the unconfirmed set and boosts. Address buckets are kept.
func (s *Storage) ClearWalletNetwork(walletID, network string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"wallet_utxos", "wallet_transactions", "wallet_unconfirmed", "wallet_boosted"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE wallet_id = ? AND network = ?`, walletID, network); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
