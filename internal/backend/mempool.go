package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// esploraPageSize is the number of confirmed transactions returned per
// page by /scripthash/:hash/txs/chain.
const esploraPageSize = 25

// MempoolIndexer implements Indexer using the mempool.space REST API.
// Compatible with self-hosted mempool and electrs HTTP instances.
type MempoolIndexer struct {
	baseURL     string
	httpClient  *http.Client
	concurrency int
	mu          sync.RWMutex
	connected   bool
}

// NewMempool creates a new mempool.space indexer.
func NewMempool(baseURL string, timeout time.Duration, concurrency int) *MempoolIndexer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	return &MempoolIndexer{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		httpClient:  &http.Client{Timeout: timeout},
		concurrency: concurrency,
	}
}

// Type returns TypeMempool.
func (m *MempoolIndexer) Type() Type {
	return TypeMempool
}

// Connect tests the connection to the API.
func (m *MempoolIndexer) Connect(ctx context.Context) error {
	if _, err := m.GetBlockHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// Close closes the connection.
func (m *MempoolIndexer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns true if connected.
func (m *MempoolIndexer) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// GetBlockHeight returns the current block height.
func (m *MempoolIndexer) GetBlockHeight(ctx context.Context) (int64, error) {
	var height int64
	if err := m.get(ctx, "/blocks/tip/height", &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetAddressHistory returns the transaction history of each script hash,
// following confirmed-history pagination.
func (m *MempoolIndexer) GetAddressHistory(ctx context.Context, scriptHashes []string) (map[string][]HistoryItem, error) {
	result := make(map[string][]HistoryItem, len(scriptHashes))
	var mu sync.Mutex

	err := m.forEach(ctx, scriptHashes, func(ctx context.Context, sh string) error {
		var history []HistoryItem
		endpoint := "/scripthash/" + sh + "/txs"
		for {
			var page []mempoolTx
			if err := m.get(ctx, endpoint, &page); err != nil {
				return fmt.Errorf("history %s: %w", sh, err)
			}

			confirmed := 0
			var last string
			for _, tx := range page {
				height := int64(0)
				if tx.Status.Confirmed {
					height = tx.Status.BlockHeight
					confirmed++
					last = tx.TxID
				}
				history = append(history, HistoryItem{TxHash: tx.TxID, Height: height})
			}

			if confirmed < esploraPageSize || last == "" {
				break
			}
			endpoint = "/scripthash/" + sh + "/txs/chain/" + last
		}

		mu.Lock()
		result[sh] = dedupeHistory(history)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListUnspent returns unspent outputs for each script hash.
func (m *MempoolIndexer) ListUnspent(ctx context.Context, scriptHashes []string) (map[string][]UTXO, error) {
	result := make(map[string][]UTXO, len(scriptHashes))
	var mu sync.Mutex

	err := m.forEach(ctx, scriptHashes, func(ctx context.Context, sh string) error {
		var raw []struct {
			TxID   string `json:"txid"`
			Vout   uint32 `json:"vout"`
			Value  int64  `json:"value"`
			Status struct {
				Confirmed   bool  `json:"confirmed"`
				BlockHeight int64 `json:"block_height"`
			} `json:"status"`
		}
		if err := m.get(ctx, "/scripthash/"+sh+"/utxo", &raw); err != nil {
			return fmt.Errorf("utxo %s: %w", sh, err)
		}

		utxos := make([]UTXO, 0, len(raw))
		for _, u := range raw {
			height := int64(0)
			if u.Status.Confirmed {
				height = u.Status.BlockHeight
			}
			utxos = append(utxos, UTXO{TxHash: u.TxID, TxPos: u.Vout, Value: u.Value, Height: height})
		}

		mu.Lock()
		result[sh] = utxos
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetTransactions fetches transactions by id. Unknown ids are omitted.
func (m *MempoolIndexer) GetTransactions(ctx context.Context, txids []string) (map[string]*Transaction, error) {
	tip, err := m.GetBlockHeight(ctx)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*Transaction, len(txids))
	var mu sync.Mutex

	err = m.forEach(ctx, txids, func(ctx context.Context, txid string) error {
		var raw mempoolTx
		err := m.get(ctx, "/tx/"+txid, &raw)
		if errors.Is(err, ErrTxNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tx %s: %w", txid, err)
		}

		tx := raw.convert()
		if tx.Confirmed {
			tx.Confirmations = confirmationsAt(tip, tx.BlockHeight)
		}

		mu.Lock()
		result[txid] = tx
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetFeeEstimates returns fee estimates for different confirmation targets.
func (m *MempoolIndexer) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := m.get(ctx, "/v1/fees/recommended", &result); err != nil {
		return nil, err
	}

	return &FeeEstimate{
		FastestFee:  uint64(result["fastestFee"]),
		HalfHourFee: uint64(result["halfHourFee"]),
		HourFee:     uint64(result["hourFee"]),
		EconomyFee:  uint64(result["economyFee"]),
		MinimumFee:  uint64(result["minimumFee"]),
	}, nil
}

// Broadcast broadcasts a raw transaction.
func (m *MempoolIndexer) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		if IsAlreadyKnown(string(body)) {
			return TxIDFromHex(rawTxHex)
		}
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, strings.TrimSpace(string(body)))
	}

	return strings.TrimSpace(string(body)), nil
}

// forEach runs fn for every id with at most m.concurrency requests in flight.
func (m *MempoolIndexer) forEach(ctx context.Context, ids []string, fn func(context.Context, string) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		id := id
		g.Go(func() error {
			return fn(gctx, id)
		})
	}
	return g.Wait()
}

// get performs a GET request and decodes JSON response.
func (m *MempoolIndexer) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return err
	}

	// Avoid stale CDN responses.
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrTxNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// mempoolTx is the Esplora transaction format shared by mempool.space.
type mempoolTx struct {
	TxID     string `json:"txid"`
	Version  int32  `json:"version"`
	LockTime uint32 `json:"locktime"`
	Size     int64  `json:"size"`
	Weight   int64  `json:"weight"`
	Fee      int64  `json:"fee"`
	Status   struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight int64  `json:"block_height"`
		BlockHash   string `json:"block_hash"`
		BlockTime   int64  `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		TxID       string    `json:"txid"`
		Vout       uint32    `json:"vout"`
		Sequence   uint32    `json:"sequence"`
		IsCoinbase bool      `json:"is_coinbase"`
		Prevout    *TxOutput `json:"prevout"`
	} `json:"vin"`
	Vout []TxOutput `json:"vout"`
}

func (mt *mempoolTx) convert() *Transaction {
	tx := &Transaction{
		TxID:        mt.TxID,
		Version:     mt.Version,
		Size:        mt.Size,
		Weight:      mt.Weight,
		VSize:       (mt.Weight + 3) / 4,
		LockTime:    mt.LockTime,
		Fee:         mt.Fee,
		Confirmed:   mt.Status.Confirmed,
		BlockHash:   mt.Status.BlockHash,
		BlockHeight: mt.Status.BlockHeight,
		BlockTime:   mt.Status.BlockTime,
		Inputs:      make([]TxInput, len(mt.Vin)),
		Outputs:     append([]TxOutput(nil), mt.Vout...),
	}

	for i, vin := range mt.Vin {
		tx.Inputs[i] = TxInput{
			TxID:     vin.TxID,
			Vout:     vin.Vout,
			Sequence: vin.Sequence,
			Coinbase: vin.IsCoinbase,
			PrevOut:  vin.Prevout,
		}
	}
	return tx
}

// dedupeHistory drops repeated txids, keeping the first (mempool entries
// are listed before confirmed ones).
func dedupeHistory(items []HistoryItem) []HistoryItem {
	seen := make(map[string]struct{}, len(items))
	out := items[:0]
	for _, it := range items {
		if _, ok := seen[it.TxHash]; ok {
			continue
		}
		seen[it.TxHash] = struct{}{}
		out = append(out, it)
	}
	return out
}

var _ Indexer = (*MempoolIndexer)(nil)
