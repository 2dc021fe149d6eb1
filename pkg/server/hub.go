package server

import (
	"sync"
	"time"
)

// Peer is a connected web client as seen by the hub
type Peer interface {
	ID() string
	Send(data []byte) bool
	Close()
}

// Hub is the registry of open web connections. It is the only state shared
// between sessions.
type Hub struct {
	mu      sync.RWMutex
	peers   map[string]Peer
	metrics *Metrics
}

// NewHub creates an empty hub. metrics may be nil.
func NewHub(metrics *Metrics) *Hub {
	return &Hub{
		peers:   make(map[string]Peer),
		metrics: metrics,
	}
}

// Register adds a peer
func (h *Hub) Register(p Peer) {
	h.mu.Lock()
	h.peers[p.ID()] = p
	count := len(h.peers)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RecordActiveSessions(count)
	}
}

// Unregister removes a peer and reports whether it was registered
func (h *Hub) Unregister(p Peer) bool {
	h.mu.Lock()
	current, ok := h.peers[p.ID()]
	if ok && current == p {
		delete(h.peers, p.ID())
	}
	count := len(h.peers)
	h.mu.Unlock()

	if !ok || current != p {
		return false
	}
	if h.metrics != nil {
		h.metrics.RecordActiveSessions(count)
	}
	return true
}

// Broadcast sends data to every registered peer and returns how many accepted it.
// It iterates over a snapshot, so peers may register or unregister concurrently;
// a peer removed before its turn is skipped.
func (h *Hub) Broadcast(data []byte) int {
	start := time.Now()
	sent := 0

	for _, p := range h.Sessions() {
		if !h.contains(p) {
			continue
		}
		if p.Send(data) {
			sent++
		}
	}

	if h.metrics != nil {
		h.metrics.RecordBroadcastFanout(sent)
		h.metrics.RecordBroadcastDuration(time.Since(start).Seconds())
	}
	return sent
}

// Count returns the number of registered peers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Sessions returns a snapshot of all registered peers
func (h *Hub) Sessions() []Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	peers := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	return peers
}

// CloseAll asks every registered peer to close
func (h *Hub) CloseAll() {
	for _, p := range h.Sessions() {
		p.Close()
	}
}

func (h *Hub) contains(p Peer) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	current, ok := h.peers[p.ID()]
	return ok && current == p
}
