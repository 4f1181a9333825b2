package hoststub

import (
	"context"
	"net/http"
	"sync"

	"github.com/baaaht/gadget/internal/logger"
	"github.com/baaaht/gadget/pkg/transport"
	"github.com/baaaht/gadget/pkg/types"
	"github.com/gorilla/websocket"
)

// HostState is the simulated host application state the peers answer from
type HostState struct {
	mu       sync.RWMutex
	route    string
	fileInfo map[string]any
	inserted []string
}

// NewHostState creates host state starting at route
func NewHostState(route string, fileInfo map[string]any) *HostState {
	return &HostState{route: route, fileInfo: fileInfo}
}

// Route returns the current route
func (h *HostState) Route() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.route
}

// Inserted returns every content inserted at the cursor so far
func (h *HostState) Inserted() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, len(h.inserted))
	copy(out, h.inserted)
	return out
}

// answer produces the reply payload for a request
func (h *HostState) answer(env *types.Envelope) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch env.Name {
	case types.RequestGetLocation:
		return map[string]any{"route": h.route}, true
	case types.RequestSetLocation:
		route, ok := env.Payload.(string)
		if !ok || route == "" {
			return map[string]any{"error": "route must be a non-empty string"}, true
		}
		h.route = route
		return true, true
	case types.RequestGetCurrentFileInfo:
		if h.fileInfo == nil {
			return nil, true
		}
		return h.fileInfo, true
	case types.RequestInsertAtCursor:
		content, _ := env.Payload.(string)
		h.inserted = append(h.inserted, content)
		return true, true
	default:
		return nil, false
	}
}

// peer is one connected gadget
type peer struct {
	channel *transport.WebSocketChannel
	mu      sync.RWMutex
	gid     string
}

func (p *peer) setGID(gid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gid != "" {
		p.gid = gid
	}
}

func (p *peer) GID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.gid
}

// PeerHub accepts gadget websocket connections and plays the host role on them
type PeerHub struct {
	upgrader websocket.Upgrader
	codec    transport.Codec
	state    *HostState
	logger   *logger.Logger

	mu    sync.RWMutex
	peers map[*peer]struct{}
}

// NewPeerHub creates a hub answering reserved requests from state
func NewPeerHub(state *HostState, codec transport.Codec, log *logger.Logger) *PeerHub {
	if state == nil {
		state = NewHostState("/", nil)
	}
	if codec == nil {
		codec = transport.JSONCodec{}
	}
	return &PeerHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		codec:  codec,
		state:  state,
		logger: logger.OrGlobal(log).With("component", "peer_hub"),
		peers:  make(map[*peer]struct{}),
	}
}

// State returns the simulated host state
func (h *PeerHub) State() *HostState {
	return h.state
}

// Peers returns the number of connected gadgets
func (h *PeerHub) Peers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// ServeHTTP upgrades the request and serves the connection until it closes
func (h *PeerHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	gadgetOrigin := r.Header.Get("Origin")
	if gadgetOrigin == "" {
		gadgetOrigin = "null"
	}
	p := &peer{
		channel: transport.NewWebSocketChannel(conn, gadgetOrigin, transport.WebSocketOptions{
			Binary: transport.IsBinary(h.codec),
		}),
	}

	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("Gadget connected", "remote", r.RemoteAddr)

	defer func() {
		h.mu.Lock()
		delete(h.peers, p)
		h.mu.Unlock()
		_ = p.channel.Close()
		h.logger.Info("Gadget disconnected", "remote", r.RemoteAddr, "gid", p.GID())
	}()

	ctx := r.Context()
	for msg := range p.channel.Receive() {
		var env types.Envelope
		if err := h.codec.Unmarshal(msg.Data, &env); err != nil {
			h.logger.Debug("Undecodable frame from gadget", "error", err)
			continue
		}
		p.setGID(env.GID)
		if !env.HasCallback() {
			h.logger.Debug("Notification from gadget ignored", "name", env.Name)
			continue
		}

		payload, known := h.state.answer(&env)
		if !known {
			h.logger.Debug("Unknown request from gadget", "name", env.Name)
		}
		reply := &types.Envelope{Name: env.Name, Callback: env.Callback, Payload: payload}
		if err := h.send(ctx, p, reply); err != nil {
			h.logger.Warn("Failed to reply to gadget", "name", env.Name, "error", err)
			return
		}
	}
}

// Notify pushes a notification to every peer identified as gid; an empty gid reaches all peers
func (h *PeerHub) Notify(ctx context.Context, gid, name string, payload any) int {
	h.mu.RLock()
	targets := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		if gid == "" || p.GID() == gid {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, p := range targets {
		if err := h.send(ctx, p, &types.Envelope{Name: name, Payload: payload}); err != nil {
			h.logger.Warn("Failed to notify gadget", "name", name, "gid", p.GID(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (h *PeerHub) send(ctx context.Context, p *peer, env *types.Envelope) error {
	data, err := h.codec.Marshal(env)
	if err != nil {
		return err
	}
	return p.channel.Post(ctx, data, transport.AnyOrigin)
}
