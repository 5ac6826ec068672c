package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/todosync/pkg/protocol"
)

const peerSendBuffer = 16

var errPeerClosed = errors.New("peer connection closed")
var errPeerBusy = errors.New("peer send buffer full")

// peer is one connected client as the server sees it. Writes go through a
// buffered channel drained by a single goroutine so the hub and the process
// loop can both send without interleaving frames.
type peer struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	out    chan protocol.Envelope
	closed chan struct{}
	once   sync.Once
}

func newPeer(conn *websocket.Conn, writeTimeout time.Duration) *peer {
	p := &peer{
		conn:         conn,
		writeTimeout: writeTimeout,
		out:          make(chan protocol.Envelope, peerSendBuffer),
		closed:       make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

func (p *peer) Send(env protocol.Envelope) error {
	select {
	case <-p.closed:
		return errPeerClosed
	case p.out <- env:
		return nil
	default:
		// a peer that cannot drain its buffer does not get to stall the
		// rest of the fan-out
		return errPeerBusy
	}
}

func (p *peer) IsOpen() bool {
	select {
	case <-p.closed:
		return false
	default:
		return true
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
}

func (p *peer) writeLoop() {
	for {
		select {
		case <-p.closed:
			return
		case env := <-p.out:
			raw, err := protocol.Encode(env)
			if err != nil {
				continue
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				p.close()
				return
			}
		}
	}
}
