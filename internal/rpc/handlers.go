package rpc

import (
	"context"
	"encoding/json"
	"time"
)

// Version of the daemon
const Version = "0.1.0-dev"

// ========================================
// Node handlers
// ========================================

// NodeInfoResult is the response for node_info.
type NodeInfoResult struct {
	Version   string `json:"version"`
	Network   string `json:"network"`
	Uptime    string `json:"uptime"`
	Lightning bool   `json:"lightning"`
	LSP       bool   `json:"lsp"`
	NodeID    string `json:"node_id,omitempty"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	info := &NodeInfoResult{
		Version:   Version,
		Network:   string(s.deps.Engine.Network()),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Lightning: s.deps.Node != nil,
		LSP:       s.deps.Orders != nil,
	}
	if s.deps.Node != nil {
		id, err := s.deps.Node.NodeID(ctx)
		if err != nil {
			s.log.Warn("Failed to read node id", "error", err)
		} else {
			info.NodeID = id
		}
	}
	return info, nil
}

// NodeStatusResult is the response for node_status.
type NodeStatusResult struct {
	Running       bool     `json:"running"`
	Uptime        string   `json:"uptime"`
	LoadedWallets []string `json:"loaded_wallets"`
	WSClients     int      `json:"ws_clients"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	wsClients := 0
	if s.wsHub != nil {
		wsClients = s.wsHub.ClientCount()
	}

	return &NodeStatusResult{
		Running:       true,
		Uptime:        time.Since(s.started).Round(time.Second).String(),
		LoadedWallets: s.deps.Engine.Wallets(),
		WSClients:     wsClients,
	}, nil
}
