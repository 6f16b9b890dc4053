package backend

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingwallet/internal/chain"
)

// maxBatch bounds the number of requests sent in one JSON-RPC batch.
const maxBatch = 100

// ElectrumIndexer implements Indexer using the Electrum protocol over TCP
// or TLS. Requests are serialized on one connection and batched.
type ElectrumIndexer struct {
	servers []string // host:port
	useTLS  bool
	timeout time.Duration
	params  *chain.Params

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	connected bool
	requestID atomic.Uint64
	tip       atomic.Int64
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("electrum error %d: %s", e.Code, e.Message)
}

func (e *rpcError) notFound() bool {
	msg := strings.ToLower(e.Message)
	return e.Code == -5 ||
		strings.Contains(msg, "no such mempool or blockchain transaction") ||
		strings.Contains(msg, "not found")
}

// NewElectrum creates a new Electrum indexer. Servers are "host:port".
func NewElectrum(servers []string, useTLS bool, timeout time.Duration, params *chain.Params) *ElectrumIndexer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ElectrumIndexer{
		servers: servers,
		useTLS:  useTLS,
		timeout: timeout,
		params:  params,
	}
}

// Type returns TypeElectrum.
func (e *ElectrumIndexer) Type() Type {
	return TypeElectrum
}

// Connect establishes a connection to the first reachable server.
func (e *ElectrumIndexer) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connectLocked(ctx)
}

func (e *ElectrumIndexer) connectLocked(ctx context.Context) error {
	if e.connected {
		return nil
	}

	var lastErr error
	for _, server := range e.servers {
		dialer := &net.Dialer{Timeout: e.timeout}

		var conn net.Conn
		var err error
		if e.useTLS {
			tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12}}
			conn, err = tlsDialer.DialContext(ctx, "tcp", server)
		} else {
			conn, err = dialer.DialContext(ctx, "tcp", server)
		}
		if err != nil {
			lastErr = err
			continue
		}

		e.conn = conn
		e.reader = bufio.NewReader(conn)
		e.connected = true

		if _, err := e.roundTripLocked(ctx, []rpcRequest{e.request("server.version", "klingwallet", "1.4")}); err != nil {
			e.dropLocked()
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("%w: %v", ErrNotConnected, lastErr)
}

// Close closes the connection.
func (e *ElectrumIndexer) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropLocked()
	return nil
}

// IsConnected returns true if connected.
func (e *ElectrumIndexer) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *ElectrumIndexer) dropLocked() {
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.reader = nil
	e.connected = false
}

// GetBlockHeight returns the current tip height.
func (e *ElectrumIndexer) GetBlockHeight(ctx context.Context) (int64, error) {
	raw, err := e.call(ctx, "blockchain.headers.subscribe")
	if err != nil {
		return 0, err
	}

	var header struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return 0, fmt.Errorf("unexpected headers response: %w", err)
	}
	e.tip.Store(header.Height)
	return header.Height, nil
}

// GetAddressHistory returns the history of each script hash.
func (e *ElectrumIndexer) GetAddressHistory(ctx context.Context, scriptHashes []string) (map[string][]HistoryItem, error) {
	resps, err := e.batchEach(ctx, "blockchain.scripthash.get_history", scriptHashes)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]HistoryItem, len(resps))
	for sh, resp := range resps {
		if resp.Error != nil {
			return nil, fmt.Errorf("history %s: %w", sh, resp.Error)
		}
		var items []HistoryItem
		if err := json.Unmarshal(resp.Result, &items); err != nil {
			return nil, fmt.Errorf("history %s: %w", sh, err)
		}
		result[sh] = dedupeHistory(items)
	}
	return result, nil
}

// ListUnspent returns unspent outputs for each script hash.
func (e *ElectrumIndexer) ListUnspent(ctx context.Context, scriptHashes []string) (map[string][]UTXO, error) {
	resps, err := e.batchEach(ctx, "blockchain.scripthash.listunspent", scriptHashes)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]UTXO, len(resps))
	for sh, resp := range resps {
		if resp.Error != nil {
			return nil, fmt.Errorf("listunspent %s: %w", sh, resp.Error)
		}
		var utxos []UTXO
		if err := json.Unmarshal(resp.Result, &utxos); err != nil {
			return nil, fmt.Errorf("listunspent %s: %w", sh, err)
		}
		result[sh] = utxos
	}
	return result, nil
}

type verboseTx struct {
	TxID          string `json:"txid"`
	Hex           string `json:"hex"`
	Size          int64  `json:"size"`
	VSize         int64  `json:"vsize"`
	Weight        int64  `json:"weight"`
	Version       int32  `json:"version"`
	LockTime      uint32 `json:"locktime"`
	BlockHash     string `json:"blockhash"`
	Confirmations int64  `json:"confirmations"`
	BlockTime     int64  `json:"blocktime"`
	Vin           []struct {
		TxID     string `json:"txid"`
		Vout     uint32 `json:"vout"`
		Sequence uint32 `json:"sequence"`
		Coinbase string `json:"coinbase"`
	} `json:"vin"`
	Vout []struct {
		Value        float64 `json:"value"`
		N            uint32  `json:"n"`
		ScriptPubKey struct {
			Hex       string   `json:"hex"`
			Address   string   `json:"address"`
			Addresses []string `json:"addresses"`
		} `json:"scriptPubKey"`
	} `json:"vout"`
}

// GetTransactions fetches verbose transactions and resolves their input
// prevouts from the parent transactions. Unknown ids are omitted.
func (e *ElectrumIndexer) GetTransactions(ctx context.Context, txids []string) (map[string]*Transaction, error) {
	tip, err := e.GetBlockHeight(ctx)
	if err != nil {
		return nil, err
	}

	resps, err := e.batchEach(ctx, "blockchain.transaction.get", txids, true)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*Transaction, len(resps))
	var parents []string
	for txid, resp := range resps {
		if resp.Error != nil {
			if resp.Error.notFound() {
				continue
			}
			return nil, fmt.Errorf("tx %s: %w", txid, resp.Error)
		}

		var vt verboseTx
		if err := json.Unmarshal(resp.Result, &vt); err != nil {
			return nil, fmt.Errorf("tx %s: %w", txid, err)
		}

		tx, err := e.convertVerbose(txid, &vt, tip)
		if err != nil {
			return nil, err
		}
		result[txid] = tx

		for _, in := range tx.Inputs {
			if !in.Coinbase {
				parents = append(parents, in.TxID)
			}
		}
	}

	if len(parents) == 0 {
		return result, nil
	}

	prevTxs, err := e.rawTransactions(ctx, parents)
	if err != nil {
		return nil, err
	}

	for _, tx := range result {
		var inSum, outSum int64
		complete := true
		for i := range tx.Inputs {
			in := &tx.Inputs[i]
			if in.Coinbase {
				complete = false
				continue
			}
			parent, ok := prevTxs[in.TxID]
			if !ok || int(in.Vout) >= len(parent.TxOut) {
				complete = false
				continue
			}
			out := parent.TxOut[in.Vout]
			in.PrevOut = &TxOutput{
				ScriptPubKey: hex.EncodeToString(out.PkScript),
				Address:      e.scriptAddress(out.PkScript),
				Value:        out.Value,
			}
			inSum += out.Value
		}
		for _, out := range tx.Outputs {
			outSum += out.Value
		}
		if complete {
			tx.Fee = inSum - outSum
		}
	}

	return result, nil
}

func (e *ElectrumIndexer) convertVerbose(txid string, vt *verboseTx, tip int64) (*Transaction, error) {
	tx := &Transaction{
		TxID:          txid,
		Version:       vt.Version,
		Size:          vt.Size,
		VSize:         vt.VSize,
		Weight:        vt.Weight,
		LockTime:      vt.LockTime,
		BlockHash:     vt.BlockHash,
		BlockTime:     vt.BlockTime,
		Confirmations: vt.Confirmations,
		Confirmed:     vt.Confirmations > 0,
		Hex:           vt.Hex,
		Inputs:        make([]TxInput, len(vt.Vin)),
		Outputs:       make([]TxOutput, len(vt.Vout)),
	}
	if tx.Confirmed && tip > 0 {
		tx.BlockHeight = tip - vt.Confirmations + 1
	}
	if tx.VSize == 0 && tx.Weight > 0 {
		tx.VSize = (tx.Weight + 3) / 4
	}

	for i, vin := range vt.Vin {
		tx.Inputs[i] = TxInput{
			TxID:     vin.TxID,
			Vout:     vin.Vout,
			Sequence: vin.Sequence,
			Coinbase: vin.Coinbase != "",
		}
	}

	for i, vout := range vt.Vout {
		value, err := btcutil.NewAmount(vout.Value)
		if err != nil {
			return nil, fmt.Errorf("tx %s output %d: %w", txid, i, err)
		}
		addr := vout.ScriptPubKey.Address
		if addr == "" && len(vout.ScriptPubKey.Addresses) > 0 {
			addr = vout.ScriptPubKey.Addresses[0]
		}
		if addr == "" {
			if script, err := hex.DecodeString(vout.ScriptPubKey.Hex); err == nil {
				addr = e.scriptAddress(script)
			}
		}
		tx.Outputs[i] = TxOutput{
			ScriptPubKey: vout.ScriptPubKey.Hex,
			Address:      addr,
			Value:        int64(value),
		}
	}
	return tx, nil
}

// rawTransactions fetches and decodes raw transactions. Unknown ids are
// omitted.
func (e *ElectrumIndexer) rawTransactions(ctx context.Context, txids []string) (map[string]*wire.MsgTx, error) {
	resps, err := e.batchEach(ctx, "blockchain.transaction.get", txids, false)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*wire.MsgTx, len(resps))
	for txid, resp := range resps {
		if resp.Error != nil {
			if resp.Error.notFound() {
				continue
			}
			return nil, fmt.Errorf("raw tx %s: %w", txid, resp.Error)
		}
		var rawHex string
		if err := json.Unmarshal(resp.Result, &rawHex); err != nil {
			return nil, fmt.Errorf("raw tx %s: %w", txid, err)
		}
		raw, err := hex.DecodeString(rawHex)
		if err != nil {
			return nil, fmt.Errorf("raw tx %s: %w", txid, err)
		}
		var msgTx wire.MsgTx
		if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("raw tx %s: %w", txid, err)
		}
		result[txid] = &msgTx
	}
	return result, nil
}

func (e *ElectrumIndexer) scriptAddress(script []byte) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, e.params.Net)
	if err != nil || len(addrs) != 1 {
		return ""
	}
	return addrs[0].EncodeAddress()
}

// GetFeeEstimates returns fee estimates. Electrum reports BTC/kB; values
// are converted to sat/vB and rounded up.
func (e *ElectrumIndexer) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	targets := []int{1, 3, 6, 144}
	reqs := make([]rpcRequest, 0, len(targets)+1)
	for _, t := range targets {
		reqs = append(reqs, e.request("blockchain.estimatefee", t))
	}
	reqs = append(reqs, e.request("blockchain.relayfee"))

	resps, err := e.roundTrip(ctx, reqs)
	if err != nil {
		return nil, err
	}

	rates := make([]uint64, len(reqs))
	for i, req := range reqs {
		resp, ok := resps[req.ID]
		if !ok || resp.Error != nil {
			continue
		}
		var btcPerKB float64
		if err := json.Unmarshal(resp.Result, &btcPerKB); err != nil || btcPerKB <= 0 {
			continue
		}
		satPerKB, err := btcutil.NewAmount(btcPerKB)
		if err != nil {
			continue
		}
		rates[i] = uint64((satPerKB + 999) / 1000)
	}

	est := &FeeEstimate{
		FastestFee:  rates[0],
		HalfHourFee: rates[1],
		HourFee:     rates[2],
		EconomyFee:  rates[3],
		MinimumFee:  rates[4],
	}
	if est.MinimumFee == 0 {
		est.MinimumFee = 1
	}
	return est, nil
}

// Broadcast broadcasts a raw transaction.
func (e *ElectrumIndexer) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	resps, err := e.roundTrip(ctx, []rpcRequest{e.request("blockchain.transaction.broadcast", rawTxHex)})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}

	for _, resp := range resps {
		if resp.Error != nil {
			if IsAlreadyKnown(resp.Error.Message) {
				return TxIDFromHex(rawTxHex)
			}
			return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, resp.Error.Message)
		}
		var txid string
		if err := json.Unmarshal(resp.Result, &txid); err != nil {
			return "", fmt.Errorf("unexpected broadcast response: %w", err)
		}
		return txid, nil
	}
	return "", fmt.Errorf("%w: empty response", ErrBroadcastFailed)
}

func (e *ElectrumIndexer) request(method string, params ...interface{}) rpcRequest {
	if params == nil {
		params = []interface{}{}
	}
	return rpcRequest{JSONRPC: "2.0", ID: e.requestID.Add(1), Method: method, Params: params}
}

// call performs a single request and returns its result.
func (e *ElectrumIndexer) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	req := e.request(method, params...)
	resps, err := e.roundTrip(ctx, []rpcRequest{req})
	if err != nil {
		return nil, err
	}
	resp := resps[req.ID]
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// batchEach issues method(key, extra...) for every distinct key and returns
// the responses keyed by key.
func (e *ElectrumIndexer) batchEach(ctx context.Context, method string, keys []string, extra ...interface{}) (map[string]rpcResponse, error) {
	result := make(map[string]rpcResponse, len(keys))
	seen := make(map[string]struct{}, len(keys))

	var reqs []rpcRequest
	byID := make(map[uint64]string)
	flush := func() error {
		if len(reqs) == 0 {
			return nil
		}
		resps, err := e.roundTrip(ctx, reqs)
		if err != nil {
			return err
		}
		for id, key := range byID {
			resp, ok := resps[id]
			if !ok {
				return fmt.Errorf("%s: missing response for %s", method, key)
			}
			result[key] = resp
		}
		reqs = reqs[:0]
		byID = make(map[uint64]string)
		return nil
	}

	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		params := append([]interface{}{key}, extra...)
		req := e.request(method, params...)
		reqs = append(reqs, req)
		byID[req.ID] = key

		if len(reqs) == maxBatch {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return result, nil
}

// roundTrip sends requests and waits for all of their responses,
// reconnecting first if needed.
func (e *ElectrumIndexer) roundTrip(ctx context.Context, reqs []rpcRequest) (map[uint64]rpcResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.connectLocked(ctx); err != nil {
		return nil, err
	}
	return e.roundTripLocked(ctx, reqs)
}

func (e *ElectrumIndexer) roundTripLocked(ctx context.Context, reqs []rpcRequest) (map[uint64]rpcResponse, error) {
	if !e.connected || e.conn == nil {
		return nil, ErrNotConnected
	}

	var payload []byte
	var err error
	if len(reqs) == 1 {
		payload, err = json.Marshal(reqs[0])
	} else {
		payload, err = json.Marshal(reqs)
	}
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(e.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	e.conn.SetDeadline(deadline)

	if _, err := e.conn.Write(append(payload, '\n')); err != nil {
		e.dropLocked()
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	pending := make(map[uint64]struct{}, len(reqs))
	for _, r := range reqs {
		pending[r.ID] = struct{}{}
	}

	result := make(map[uint64]rpcResponse, len(reqs))
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			e.dropLocked()
			return nil, err
		}

		line, err := e.reader.ReadBytes('\n')
		if err != nil {
			e.dropLocked()
			return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var resps []rpcResponse
		if line[0] == '[' {
			if err := json.Unmarshal(line, &resps); err != nil {
				return nil, fmt.Errorf("invalid batch response: %w", err)
			}
		} else {
			var resp rpcResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				return nil, fmt.Errorf("invalid response: %w", err)
			}
			resps = []rpcResponse{resp}
		}

		for _, resp := range resps {
			if resp.ID == nil {
				e.handleNotification(resp)
				continue
			}
			if _, ok := pending[*resp.ID]; !ok {
				continue
			}
			delete(pending, *resp.ID)
			result[*resp.ID] = resp
		}
	}
	return result, nil
}

// handleNotification tracks the tip from header subscriptions, which the
// server pushes after blockchain.headers.subscribe.
func (e *ElectrumIndexer) handleNotification(resp rpcResponse) {
	if resp.Method != "blockchain.headers.subscribe" {
		return
	}
	var headers []struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(resp.Params, &headers); err == nil && len(headers) > 0 {
		e.tip.Store(headers[0].Height)
	}
}

var _ Indexer = (*ElectrumIndexer)(nil)
