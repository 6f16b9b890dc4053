package storage

import (
	"fmt"
)

// =============================================================================
// Wallet UTXOs
// =============================================================================

// UtxoRecord is a persisted unspent output. Identity is
// (script_hash, tx_hash, tx_pos) inside a (wallet, network).
type UtxoRecord struct {
	ScriptHash  string `json:"script_hash"`
	TxHash      string `json:"tx_hash"`
	TxPos       uint32 `json:"tx_pos"`
	Value       int64  `json:"value"`
	Height      int64  `json:"height"`
	Address     string `json:"address"`
	Path        string `json:"path"`
	AddressType string `json:"address_type"`
	PublicKey   string `json:"public_key"`
}

// ReplaceUtxos swaps the whole utxo set of a (wallet, network) for utxos.
// Duplicate identities in the input collapse into one row.
func (s *Storage) ReplaceUtxos(walletID, network string, utxos []UtxoRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM wallet_utxos WHERE wallet_id = ? AND network = ?`, walletID, network); err != nil {
		return fmt.Errorf("clear utxos: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO wallet_utxos (
			wallet_id, network, script_hash, tx_hash, tx_pos,
			value, height, address, path, address_type, public_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, u := range utxos {
		if _, err := stmt.Exec(walletID, network, u.ScriptHash, u.TxHash, u.TxPos,
			u.Value, u.Height, u.Address, u.Path, u.AddressType, u.PublicKey); err != nil {
			return fmt.Errorf("save utxo %s:%d: %w", u.TxHash, u.TxPos, err)
		}
	}

	return tx.Commit()
}

// GetUtxos returns the utxos of a (wallet, network), highest value first.
func (s *Storage) GetUtxos(walletID, network string) ([]UtxoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT script_hash, tx_hash, tx_pos, value, height, address, path, address_type, public_key
		FROM wallet_utxos
		WHERE wallet_id = ? AND network = ?
		ORDER BY value DESC, tx_hash, tx_pos
	`, walletID, network)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var utxos []UtxoRecord
	for rows.Next() {
		var u UtxoRecord
		if err := rows.Scan(&u.ScriptHash, &u.TxHash, &u.TxPos, &u.Value, &u.Height,
			&u.Address, &u.Path, &u.AddressType, &u.PublicKey); err != nil {
			return nil, err
		}
		utxos = append(utxos, u)
	}
	return utxos, rows.Err()
}
