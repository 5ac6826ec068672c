// Package server is the authoritative side of the sync protocol: it accepts
// websocket sessions, applies validated mutations to the record store, and
// fans accepted envelopes out to every other session. Broadcast always
// follows commit, never precedes it.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/todosync/pkg/hub"
	"github.com/astromechza/todosync/pkg/protocol"
	"github.com/astromechza/todosync/pkg/store"
)

// RefreshMode controls the optional full-state push after a committed write.
type RefreshMode string

const (
	// RefreshNone sends no refresh; clients live off the broadcast envelopes.
	RefreshNone RefreshMode = "none"
	// RefreshOrigin acknowledges the originator with a setAll snapshot. This
	// is what reconciles provisional ids in server-assigned id deployments.
	RefreshOrigin RefreshMode = "origin"
	// RefreshAll pushes a setAll snapshot to every open session after each
	// write, the heaviest but simplest mode.
	RefreshAll RefreshMode = "all"
)

type Config struct {
	// SimulatedLatency delays each mutation before processing, for
	// demonstrating optimistic apply against a slow backend.
	SimulatedLatency time.Duration
	Refresh          RefreshMode
	WriteTimeout     time.Duration
	InboxSize        int
}

func (c *Config) applyDefaults() {
	if c.Refresh == "" {
		c.Refresh = RefreshOrigin
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
}

type inbound struct {
	origin hub.Peer
	env    protocol.Envelope
	// connect marks a newly registered session that needs its initial
	// snapshot; serialized through the same loop as mutations so the
	// snapshot can never interleave with a commit's broadcast.
	connect bool
}

type Server struct {
	store    *store.Store
	hub      *hub.Hub
	cfg      Config
	inbox    chan inbound
	upgrader websocket.Upgrader
}

func New(st *store.Store, cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		store: st,
		hub:   hub.New(),
		cfg:   cfg,
		inbox: make(chan inbound, cfg.InboxSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Run consumes the inbox until the context is cancelled. All mutations pass
// through this single loop, so the record store never sees writes from two
// sessions interleaved.
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.inbox:
			if msg.connect {
				s.sendSnapshot(ctx, msg.origin)
				continue
			}
			if s.cfg.SimulatedLatency > 0 {
				select {
				case <-time.After(s.cfg.SimulatedLatency):
				case <-ctx.Done():
					return
				}
			}
			s.process(ctx, msg.origin, msg.env)
		}
	}
}

// HandleSync upgrades the request to a websocket session, queues the connect
// event so the process loop pushes the current snapshot, and feeds decoded
// envelopes into the same loop until the client goes away.
func (s *Server) HandleSync(writer http.ResponseWriter, request *http.Request) {
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}

	p := newPeer(conn, s.cfg.WriteTimeout)
	s.hub.Register(p)
	defer func() {
		s.hub.Unregister(p)
		p.close()
		slog.Info("session closed", "remote", conn.RemoteAddr())
	}()
	slog.Info("session open", "remote", conn.RemoteAddr())

	select {
	case s.inbox <- inbound{origin: p, connect: true}:
	case <-request.Context().Done():
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			// malformed frame or unknown action: answer the sender only and
			// keep the connection alive
			s.sendError(p, err)
			continue
		}
		select {
		case s.inbox <- inbound{origin: p, env: env}:
		case <-request.Context().Done():
			return
		}
	}
}

// process validates one envelope, applies it durably, and only then lets it
// reach any other session. A store failure answers the originator alone.
func (s *Server) process(ctx context.Context, origin hub.Peer, env protocol.Envelope) {
	switch env.Action {
	case protocol.ActionAdd:
		payload, err := env.DecodeAdd()
		if err != nil {
			s.sendError(origin, err)
			return
		}
		if err := protocol.ValidateLabel(payload.Todo.Label); err != nil {
			s.sendError(origin, err)
			return
		}
		inserted, err := s.store.InsertOne(ctx, payload.Todo)
		if err != nil {
			s.sendError(origin, err)
			return
		}
		slog.Info("added item", "id", inserted.ID, "label", inserted.Label)
		s.finish(ctx, origin, env)

	case protocol.ActionUpdateByIDs:
		payload, err := env.DecodeUpdateByIDs()
		if err != nil {
			s.sendError(origin, err)
			return
		}
		if err := s.store.UpdateByIDs(ctx, payload.IDs, payload.Changes); err != nil {
			s.sendError(origin, err)
			return
		}
		slog.Info("updated items", "ids", len(payload.IDs))
		s.finish(ctx, origin, env)

	case protocol.ActionDeleteByIDs:
		payload, err := env.DecodeDeleteByIDs()
		if err != nil {
			s.sendError(origin, err)
			return
		}
		if err := s.store.DeleteByIDs(ctx, payload.IDs); err != nil {
			s.sendError(origin, err)
			return
		}
		slog.Info("deleted items", "ids", len(payload.IDs))
		s.finish(ctx, origin, env)

	case protocol.ActionSetAll, protocol.ActionError:
		// server-to-client actions, never accepted inbound
		s.sendError(origin, fmt.Errorf("action %q is not accepted from clients", env.Action))

	default:
		s.sendError(origin, &protocol.UnknownActionError{Action: string(env.Action)})
	}
}

// finish fans the original envelope out to the other sessions and applies the
// configured refresh policy.
func (s *Server) finish(ctx context.Context, origin hub.Peer, env protocol.Envelope) {
	s.hub.Broadcast(env, origin)

	if s.cfg.Refresh == RefreshNone {
		return
	}
	items, err := s.store.SelectAll(ctx)
	if err != nil {
		slog.Error("failed to load refresh snapshot", "err", err)
		return
	}
	refresh, err := protocol.NewSetAll(items)
	if err != nil {
		slog.Error("failed to build refresh envelope", "err", err)
		return
	}
	switch s.cfg.Refresh {
	case RefreshOrigin:
		if origin != nil && origin.IsOpen() {
			if err := origin.Send(refresh); err != nil {
				slog.Error("failed to send refresh", "err", err)
			}
		}
	case RefreshAll:
		s.hub.Broadcast(refresh, nil)
	}
}

// sendSnapshot answers a newly connected session with the full collection.
// Runs on the process loop, so the snapshot it reads is exactly the state any
// later broadcast builds on.
func (s *Server) sendSnapshot(ctx context.Context, origin hub.Peer) {
	items, err := s.store.SelectAll(ctx)
	if err != nil {
		slog.Error("failed to load snapshot for new session", "err", err)
		s.sendError(origin, err)
		return
	}
	env, err := protocol.NewSetAll(items)
	if err != nil {
		slog.Error("failed to build snapshot envelope", "err", err)
		return
	}
	if origin == nil || !origin.IsOpen() {
		return
	}
	if err := origin.Send(env); err != nil {
		slog.Error("failed to send snapshot", "err", err)
	}
}

func (s *Server) sendError(p hub.Peer, cause error) {
	if p == nil || !p.IsOpen() {
		return
	}
	if err := p.Send(protocol.NewError(cause.Error())); err != nil {
		slog.Error("failed to send error reply", "err", err)
	}
}
