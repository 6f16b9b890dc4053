// Package backend provides chain indexer clients used to discover address
// history, unspent outputs and transactions, and to broadcast transactions.
// Indexers are queried by Electrum style script hash and never see keys.
package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingwallet/internal/chain"
)

// Common errors
var (
	ErrNotConnected       = errors.New("indexer not connected")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the indexer protocol.
type Type string

const (
	TypeElectrum Type = "electrum" // Electrum protocol (ElectrumX, Fulcrum)
	TypeEsplora  Type = "esplora"  // Esplora REST API (blockstream.info, electrs)
	TypeMempool  Type = "mempool"  // mempool.space REST API
)

// HistoryItem is one entry of a script hash history. Height is 0 for
// mempool transactions and -1 for mempool transactions with unconfirmed
// parents, as in the Electrum protocol.
type HistoryItem struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
}

// UTXO represents an unspent output reported for a script hash.
type UTXO struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Value  int64  `json:"value"`
	Height int64  `json:"height"`
}

// Transaction represents an indexed transaction. Inputs carry their
// previous output when the indexer could resolve it.
type Transaction struct {
	TxID          string     `json:"txid"`
	Version       int32      `json:"version"`
	Size          int64      `json:"size"`
	VSize         int64      `json:"vsize"`
	Weight        int64      `json:"weight"`
	LockTime      uint32     `json:"locktime"`
	Fee           int64      `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHash     string     `json:"block_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
	Hex           string     `json:"hex,omitempty"`
}

// TxInput represents a transaction input.
type TxInput struct {
	TxID     string    `json:"txid"`
	Vout     uint32    `json:"vout"`
	Sequence uint32    `json:"sequence"`
	Coinbase bool      `json:"is_coinbase,omitempty"`
	PrevOut  *TxOutput `json:"prevout,omitempty"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey string `json:"scriptpubkey"`
	Address      string `json:"scriptpubkey_address,omitempty"`
	Value        int64  `json:"value"`
}

// FeeEstimate contains fee estimation for different confirmation targets
// in sat/vB.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`   // next block
	HalfHourFee uint64 `json:"half_hour_fee"` // ~3 blocks
	HourFee     uint64 `json:"hour_fee"`      // ~6 blocks
	EconomyFee  uint64 `json:"economy_fee"`   // ~1 day
	MinimumFee  uint64 `json:"minimum_fee"`   // relay floor
}

// Indexer is the chain indexer consumed by the wallet engine. Batch calls
// return maps keyed by the requested id; ids the indexer does not know are
// absent from the map rather than reported as errors.
type Indexer interface {
	Type() Type
	Connect(ctx context.Context) error
	Close() error

	GetBlockHeight(ctx context.Context) (int64, error)
	GetAddressHistory(ctx context.Context, scriptHashes []string) (map[string][]HistoryItem, error)
	ListUnspent(ctx context.Context, scriptHashes []string) (map[string][]UTXO, error)
	GetTransactions(ctx context.Context, txids []string) (map[string]*Transaction, error)
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)

	// Broadcast publishes a raw transaction and returns its txid. A
	// transaction the indexer already knows is reported as success.
	Broadcast(ctx context.Context, rawTxHex string) (string, error)
}

// Config contains indexer configuration.
type Config struct {
	Type Type `yaml:"type"`

	// For Electrum: host:port list, tried in order.
	Servers []string `yaml:"servers,omitempty"`
	TLS     bool     `yaml:"tls,omitempty"`

	// For Esplora and mempool.space.
	URL string `yaml:"url,omitempty"`

	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Concurrency int           `yaml:"concurrency,omitempty"` // parallel HTTP requests
}

// DefaultConfig returns the default indexer configuration for a network.
func DefaultConfig(network chain.Network) *Config {
	switch network {
	case chain.Testnet:
		return &Config{
			Type:    TypeElectrum,
			Servers: []string{"electrum.blockstream.info:60002"},
			TLS:     true,
			Timeout: 30 * time.Second,
		}
	case chain.Regtest:
		return &Config{
			Type:        TypeEsplora,
			URL:         "http://127.0.0.1:3002",
			Timeout:     10 * time.Second,
			Concurrency: 4,
		}
	default:
		return &Config{
			Type:    TypeElectrum,
			Servers: []string{"electrum.blockstream.info:50002"},
			TLS:     true,
			Timeout: 30 * time.Second,
		}
	}
}

// New creates an indexer for the configuration.
func New(cfg *Config, network chain.Network) (Indexer, error) {
	params, ok := chain.Get(network)
	if !ok {
		return nil, fmt.Errorf("unknown network: %s", network)
	}

	switch cfg.Type {
	case TypeElectrum:
		if len(cfg.Servers) == 0 {
			return nil, fmt.Errorf("electrum: no servers configured")
		}
		return NewElectrum(cfg.Servers, cfg.TLS, cfg.Timeout, params), nil
	case TypeEsplora:
		return NewEsplora(cfg.URL, cfg.Timeout, cfg.Concurrency), nil
	case TypeMempool:
		return NewMempool(cfg.URL, cfg.Timeout, cfg.Concurrency), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}
}

// IsAlreadyKnown reports whether a broadcast rejection means the
// transaction is already in the mempool or the chain.
func IsAlreadyKnown(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{
		"txn-already-in-mempool",
		"txn-already-known",
		"already in block chain",
		"transaction already in block chain",
		"transaction already exists",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// TxIDFromHex decodes a raw transaction and returns its txid.
func TxIDFromHex(rawTxHex string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(rawTxHex))
	if err != nil {
		return "", fmt.Errorf("invalid transaction hex: %w", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("invalid transaction: %w", err)
	}
	return tx.TxHash().String(), nil
}

func confirmationsAt(tip, height int64) int64 {
	if height <= 0 || tip < height {
		return 0
	}
	return tip - height + 1
}
