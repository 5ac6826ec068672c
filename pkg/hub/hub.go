// Package hub tracks the server's connected sessions and fans accepted
// mutations out to them.
package hub

import (
	"log/slog"
	"sync"

	"github.com/astromechza/todosync/pkg/protocol"
)

// Peer is one connected session as the hub sees it.
type Peer interface {
	Send(env protocol.Envelope) error
	IsOpen() bool
}

type Hub struct {
	mu    sync.Mutex
	peers map[Peer]struct{}
}

func New() *Hub {
	return &Hub{peers: make(map[Peer]struct{})}
}

func (h *Hub) Register(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p] = struct{}{}
}

func (h *Hub) Unregister(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, p)
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Broadcast sends the envelope to every open registered peer except exclude.
// Peers that are no longer open are skipped; they get pruned when their
// disconnect handler unregisters them, not here.
func (h *Hub) Broadcast(env protocol.Envelope, exclude Peer) {
	h.mu.Lock()
	peers := make([]Peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		if p == exclude || !p.IsOpen() {
			continue
		}
		if err := p.Send(env); err != nil {
			slog.Error("failed to broadcast to peer", "action", env.Action, "err", err)
		}
	}
}
