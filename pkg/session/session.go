// Package session manages one client-side websocket connection: the
// connect/reconnect lifecycle, an outbound FIFO queue that buffers sends
// while the link is down, and per-frame envelope decode.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/todosync/pkg/protocol"
)

// State is the session lifecycle. Reconnecting is only reachable when the
// reconnect policy is enabled.
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
	StateReconnecting State = "reconnecting"
)

type Config struct {
	// URL is the ws:// endpoint to dial.
	URL string
	// QueueBound caps the outbound queue while the session is not open.
	QueueBound int
	// Reconnect re-dials after a dropped connection instead of closing.
	Reconnect      bool
	ReconnectDelay time.Duration

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueBound <= 0 {
		c.QueueBound = 64
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Session is one logical connection to the server. Callbacks must be set
// before Start and are invoked from the session's own goroutines: OnMessage
// once per successfully decoded inbound envelope in arrival order, OnError
// for recoverable faults (decode failures, dial failures), OnStateChange on
// every transition.
type Session struct {
	OnMessage     func(protocol.Envelope)
	OnStateChange func(State)
	OnError       func(error)

	cfg Config

	mu      sync.Mutex
	state   State
	queue   []protocol.Envelope
	conn    *websocket.Conn
	started bool

	cancel context.CancelFunc
	notify chan struct{}
	done   chan struct{}
}

func New(cfg Config) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:    cfg,
		state:  StateConnecting,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send transmits the envelope when the session is open, queues it in FIFO
// order while connecting or reconnecting, and fails with
// ErrConnectionUnavailable once the session is closed. Queued envelopes are
// flushed in order on reaching open. While the session is not open, sends past
// the queue bound fail with ErrBackpressureExceeded; an open session is never
// bounded.
func (s *Session) Send(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosing, StateClosed:
		return protocol.ErrConnectionUnavailable
	}
	// the bound protects against unbounded buffering while the link is down;
	// an open session's queue is just the writer's working buffer
	if s.state != StateOpen && len(s.queue) >= s.cfg.QueueBound {
		return protocol.ErrBackpressureExceeded
	}
	s.queue = append(s.queue, env)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Start begins connecting. It returns immediately; the connection lifecycle
// runs on its own goroutine until Close or a terminal failure.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(runCtx)
}

// Close is idempotent; closing an already-closed session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state {
	case StateClosing, StateClosed:
		s.mu.Unlock()
		return nil
	}
	started := s.started
	conn := s.conn
	cancel := s.cancel
	if !started {
		notifyClosed := s.setStateLocked(StateClosed)
		s.mu.Unlock()
		notifyClosed()
		close(s.done)
		return nil
	}
	notifyClosing := s.setStateLocked(StateClosing)
	s.mu.Unlock()
	notifyClosing()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	<-s.done
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		notify := s.setStateLocked(StateClosed)
		s.mu.Unlock()
		notify()
	}()

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			s.mu.Lock()
			if s.state == StateClosing {
				s.mu.Unlock()
				return
			}
			notify := s.setStateLocked(StateReconnecting)
			s.mu.Unlock()
			notify()

			select {
			case <-time.After(s.cfg.ReconnectDelay):
			case <-ctx.Done():
				return
			}
		}
		attempt++

		conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
		if err != nil {
			s.reportError(err)
			if !s.cfg.Reconnect {
				return
			}
			continue
		}

		s.mu.Lock()
		if s.state == StateClosing {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		notify := s.setStateLocked(StateOpen)
		s.mu.Unlock()
		notify()

		s.serve(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		closing := s.state == StateClosing
		s.mu.Unlock()
		if closing || !s.cfg.Reconnect {
			return
		}
	}
}

// serve runs the writer and reader for one physical connection and returns
// once the connection drops.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) {
	writeCtx, writeCancel := context.WithCancel(ctx)
	defer writeCancel()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		s.writeLoop(writeCtx, conn)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			// malformed or unrecognised frames are reported, not fatal
			s.reportError(err)
			continue
		}
		if s.OnMessage != nil {
			s.OnMessage(env)
		}
	}

	writeCancel()
	_ = conn.Close()
	wg.Wait()
}

func (s *Session) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 || s.conn != conn {
				s.mu.Unlock()
				break
			}
			env := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			raw, err := protocol.Encode(env)
			if err != nil {
				s.reportError(err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.reportError(err)
				return
			}
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) reportError(err error) {
	if s.OnError != nil {
		s.OnError(err)
	}
}

// setStateLocked transitions state and returns the notification to run once
// the caller has released the lock, so callbacks see transitions in order
// and are free to call back into the session.
func (s *Session) setStateLocked(next State) func() {
	if s.state == next {
		return func() {}
	}
	s.state = next
	if s.OnStateChange == nil {
		return func() {}
	}
	fn := s.OnStateChange
	return func() { fn(next) }
}
