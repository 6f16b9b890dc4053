package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// =============================================================================
// Derived Addresses and Index Pointers
// =============================================================================

// AddressRecord is one derived address inside a (wallet, network, address
// type) bucket.
type AddressRecord struct {
	Change     bool   `json:"change"`
	Index      int    `json:"index"`
	Path       string `json:"path"`
	Address    string `json:"address"`
	ScriptHash string `json:"script_hash"`
	PublicKey  string `json:"public_key"`
}

// IndexPointers holds the four index pointers of a bucket. -1 means unset.
type IndexPointers struct {
	AddressIndex               int `json:"address_index"`
	ChangeAddressIndex         int `json:"change_address_index"`
	LastUsedAddressIndex       int `json:"last_used_address_index"`
	LastUsedChangeAddressIndex int `json:"last_used_change_address_index"`
}

// UnsetPointers returns pointers with every index unset.
func UnsetPointers() IndexPointers {
	return IndexPointers{-1, -1, -1, -1}
}

// IndexState is the persisted form of one bucket.
type IndexState struct {
	Addresses []AddressRecord
	Pointers  IndexPointers
}

// SaveIndexState upserts addresses and pointers of a bucket in a single
// transaction. Existing addresses at the same (change, index) are replaced.
func (s *Storage) SaveIndexState(walletID, network, addressType string, addrs []AddressRecord, ptrs IndexPointers) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()

	stmt, err := tx.Prepare(`
		INSERT INTO wallet_addresses (
			wallet_id, network, address_type, is_change, idx,
			path, address, script_hash, public_key, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet_id, network, address_type, is_change, idx) DO UPDATE SET
			path = excluded.path,
			address = excluded.address,
			script_hash = excluded.script_hash,
			public_key = excluded.public_key
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, a := range addrs {
		if _, err := stmt.Exec(walletID, network, addressType, boolToInt(a.Change), a.Index,
			a.Path, a.Address, a.ScriptHash, a.PublicKey, now); err != nil {
			return fmt.Errorf("save address %s: %w", a.Path, err)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO wallet_address_index (
			wallet_id, network, address_type,
			address_index, change_address_index,
			last_used_address_index, last_used_change_address_index, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet_id, network, address_type) DO UPDATE SET
			address_index = excluded.address_index,
			change_address_index = excluded.change_address_index,
			last_used_address_index = excluded.last_used_address_index,
			last_used_change_address_index = excluded.last_used_change_address_index,
			updated_at = excluded.updated_at
	`, walletID, network, addressType,
		ptrs.AddressIndex, ptrs.ChangeAddressIndex,
		ptrs.LastUsedAddressIndex, ptrs.LastUsedChangeAddressIndex, now)
	if err != nil {
		return fmt.Errorf("save pointers: %w", err)
	}

	return tx.Commit()
}

// LoadIndexState loads a bucket. A bucket that was never saved comes back
// empty with unset pointers.
func (s *Storage) LoadIndexState(walletID, network, addressType string) (*IndexState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := &IndexState{Pointers: UnsetPointers()}

	err := s.db.QueryRow(`
		SELECT address_index, change_address_index,
			   last_used_address_index, last_used_change_address_index
		FROM wallet_address_index
		WHERE wallet_id = ? AND network = ? AND address_type = ?
	`, walletID, network, addressType).Scan(
		&state.Pointers.AddressIndex, &state.Pointers.ChangeAddressIndex,
		&state.Pointers.LastUsedAddressIndex, &state.Pointers.LastUsedChangeAddressIndex,
	)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("load pointers: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT is_change, idx, path, address, script_hash, public_key
		FROM wallet_addresses
		WHERE wallet_id = ? AND network = ? AND address_type = ?
		ORDER BY is_change, idx
	`, walletID, network, addressType)
	if err != nil {
		return nil, fmt.Errorf("load addresses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a AddressRecord
		var change int
		if err := rows.Scan(&change, &a.Index, &a.Path, &a.Address, &a.ScriptHash, &a.PublicKey); err != nil {
			return nil, err
		}
		a.Change = change == 1
		state.Addresses = append(state.Addresses, a)
	}

	return state, rows.Err()
}

// DeleteIndexState removes every address and the pointers of a bucket.
func (s *Storage) DeleteIndexState(walletID, network, addressType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM wallet_addresses WHERE wallet_id = ? AND network = ? AND address_type = ?`,
		walletID, network, addressType); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM wallet_address_index WHERE wallet_id = ? AND network = ? AND address_type = ?`,
		walletID, network, addressType); err != nil {
		return err
	}
	return tx.Commit()
}
