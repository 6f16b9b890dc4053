// Package rpc provides the JSON-RPC 2.0 and WebSocket interface of the
// wallet daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/klingwallet/internal/activity"
	"github.com/klingon-exchange/klingwallet/internal/balance"
	"github.com/klingon-exchange/klingwallet/internal/blocktank"
	"github.com/klingon-exchange/klingwallet/internal/errs"
	"github.com/klingon-exchange/klingwallet/internal/keystore"
	"github.com/klingon-exchange/klingwallet/internal/lightning"
	"github.com/klingon-exchange/klingwallet/internal/wallet"
	"github.com/klingon-exchange/klingwallet/pkg/logging"
)

// Deps are the services the server exposes. Node, Bus and Orders are
// optional; their methods fail with lightning.ErrNotConfigured when absent.
type Deps struct {
	Engine   *wallet.Engine
	Keystore *keystore.Keystore
	Activity *activity.Ledger
	Balances *balance.Aggregator
	Orders   *blocktank.Coordinator
	Node     lightning.Node
	Bus      *lightning.Bus
	Logger   *logging.Logger

	// WatchInterval is used for orders created over RPC.
	WatchInterval time.Duration
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	deps  Deps
	log   *logging.Logger
	wsHub *WSHub

	started time.Time

	// base outlives single requests; background work started by a call
	// runs under it.
	base context.Context

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex

	// feeds record claimed Lightning payments into the activity of each
	// loaded wallet.
	feeds   map[string]context.CancelFunc
	feedsMu sync.Mutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes, one per error kind.
const (
	NetworkError           = -32001
	StateConflictError     = -32002
	InsufficientFundsError = -32003
	ExternalServiceError   = -32004
	NotConfiguredError     = -32005
)

// NewServer creates a new JSON-RPC server.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:     deps,
		log:      logging.OrDefault(deps.Logger, "rpc"),
		wsHub:    NewWSHub(),
		started:  time.Now(),
		base:     context.Background(),
		handlers: make(map[string]Handler),
		feeds:    make(map[string]context.CancelFunc),
	}

	s.registerHandlers()

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Node methods
	s.handlers["node_info"] = s.nodeInfo
	s.handlers["node_status"] = s.nodeStatus

	// Wallet lifecycle
	s.handlers["wallet_generate"] = s.walletGenerate
	s.handlers["wallet_validateMnemonic"] = s.walletValidateMnemonic
	s.handlers["wallet_create"] = s.walletCreate
	s.handlers["wallet_unlock"] = s.walletUnlock
	s.handlers["wallet_lock"] = s.walletLock
	s.handlers["wallet_list"] = s.walletList
	s.handlers["wallet_status"] = s.walletStatus
	s.handlers["wallet_switchNetwork"] = s.walletSwitchNetwork

	// Addresses
	s.handlers["wallet_getAddress"] = s.walletGetAddress
	s.handlers["wallet_newAddress"] = s.walletNewAddress
	s.handlers["wallet_setAddressType"] = s.walletSetAddressType
	s.handlers["wallet_derive"] = s.walletDerive
	s.handlers["wallet_verifyAddresses"] = s.walletVerifyAddresses

	// Chain state
	s.handlers["wallet_refresh"] = s.walletRefresh
	s.handlers["wallet_snapshot"] = s.walletSnapshot
	s.handlers["wallet_getBalance"] = s.walletGetBalance
	s.handlers["wallet_reconcile"] = s.walletReconcile
	s.handlers["wallet_reset"] = s.walletReset

	// Sending
	s.handlers["wallet_getFeeEstimates"] = s.walletGetFeeEstimates
	s.handlers["wallet_prepareSend"] = s.walletPrepareSend
	s.handlers["wallet_send"] = s.walletSend
	s.handlers["wallet_broadcast"] = s.walletBroadcast
	s.handlers["wallet_markTransfer"] = s.walletMarkTransfer
	s.handlers["wallet_recordBoost"] = s.walletRecordBoost

	// Activity
	s.handlers["activity_list"] = s.activityList
	s.handlers["activity_groups"] = s.activityGroups
	s.handlers["activity_addTag"] = s.activityAddTag
	s.handlers["activity_removeTag"] = s.activityRemoveTag
	s.handlers["activity_tags"] = s.activityTags
	s.handlers["activity_syncLightning"] = s.activitySyncLightning

	// Lightning
	s.handlers["lightning_decodeInvoice"] = s.lightningDecodeInvoice
	s.handlers["lightning_createInvoice"] = s.lightningCreateInvoice
	s.handlers["lightning_payInvoice"] = s.lightningPayInvoice
	s.handlers["lightning_listChannels"] = s.lightningListChannels
	s.handlers["lightning_closeChannel"] = s.lightningCloseChannel

	// Channel orders
	s.handlers["blocktank_info"] = s.blocktankInfo
	s.handlers["blocktank_createOrder"] = s.blocktankCreateOrder
	s.handlers["blocktank_getOrder"] = s.blocktankGetOrder
	s.handlers["blocktank_listOrders"] = s.blocktankListOrders
	s.handlers["blocktank_refresh"] = s.blocktankRefresh
	s.handlers["blocktank_finalize"] = s.blocktankFinalize
	s.handlers["blocktank_watch"] = s.blocktankWatch
	s.handlers["blocktank_stopWatch"] = s.blocktankStopWatch

	// Balances
	s.handlers["balance_get"] = s.balanceGet
}

// Start starts the RPC server. Events are forwarded to WebSocket clients
// until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.base = ctx

	go s.wsHub.Run(ctx)
	s.forwardEvents(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.feedsMu.Lock()
	for id, cancel := range s.feeds {
		cancel()
		delete(s.feeds, id)
	}
	s.feedsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// followPayments starts recording claimed payments for a wallet under the
// current network. A running feed for the wallet is replaced.
func (s *Server) followPayments(walletID string) {
	if s.deps.Bus == nil || s.deps.Activity == nil {
		return
	}
	s.unfollowPayments(walletID)

	ctx, cancel := context.WithCancel(s.base)
	events, unsubscribe := s.deps.Bus.Subscribe(32)
	network := s.deps.Engine.Network()

	s.feedsMu.Lock()
	s.feeds[walletID] = cancel
	s.feedsMu.Unlock()

	go func() {
		defer unsubscribe()
		s.deps.Activity.Consume(ctx, walletID, network, events)
	}()
}

func (s *Server) unfollowPayments(walletID string) {
	s.feedsMu.Lock()
	defer s.feedsMu.Unlock()
	if cancel, ok := s.feeds[walletID]; ok {
		cancel()
		delete(s.feeds, walletID)
	}
}

// forwardEvents pushes engine, order and node events to the hub.
func (s *Server) forwardEvents(ctx context.Context) {
	if s.deps.Engine != nil {
		go func() {
			events := s.deps.Engine.Events()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					s.wsHub.Broadcast(EventType(ev.Type), ev)
				}
			}
		}()
	}

	if s.deps.Orders != nil {
		go func() {
			events := s.deps.Orders.Events()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					s.wsHub.Broadcast(EventType(ev.Type), ev)
				}
			}
		}()
	}

	if s.deps.Bus != nil {
		events, unsubscribe := s.deps.Bus.Subscribe(64)
		go func() {
			defer unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					s.wsHub.Broadcast(EventType("lightning."+string(ev.Type)), ev)
				}
			}
		}()
	}
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.log.Debug("RPC call failed", "method", req.Method, "error", err)
		s.writeError(w, req.ID, errorCode(err), err.Error(), nil)
		return
	}

	s.writeResult(w, req.ID, result)
}

// errorCode maps an error kind onto a JSON-RPC error code.
func errorCode(err error) int {
	if errors.Is(err, lightning.ErrNotConfigured) {
		return NotConfiguredError
	}
	switch errs.KindOf(err) {
	case errs.ErrValidation:
		return InvalidParams
	case errs.ErrNetwork:
		return NetworkError
	case errs.ErrStateConflict:
		return StateConflictError
	case errs.ErrInsufficientFunds:
		return InsufficientFundsError
	case errs.ErrExternalService:
		return ExternalServiceError
	}
	return InternalError
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// decodeParams unmarshals params into v. Missing params leave v untouched.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return errs.Validationf("rpc.params", "invalid params: %v", err)
	}
	return nil
}

// required returns a validation error naming field when value is empty.
func required(field, value string) error {
	if value == "" {
		return errs.Validationf("rpc.params", "%s is required", field)
	}
	return nil
}
