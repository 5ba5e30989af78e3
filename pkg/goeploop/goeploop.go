// Package goeploop provides an in-memory pair of obex.GOEPSession
// endpoints wired directly to each other, used by demos and tests as the
// GOEP transport double. It plays the same role the teacher's
// pkg/can/virtual loopback bus plays for CANopen: a real implementation
// of the transport contract that needs no actual hardware or network
// socket, so the profile state machines can be driven end-to-end in a
// single process.
package goeploop

import (
	"net"
	"sync"

	"github.com/obexstack/obex"
)

// defaultMaxBodySize approximates the room left in a default OBEX
// packet (max packet length 0xFFFF) after framing overhead.
const defaultMaxBodySize = 0xFFFF - 64

// Endpoint is one side of a loopback GOEP session pair.
type Endpoint struct {
	mu          sync.Mutex
	id          obex.GOEPID
	peer        *Endpoint
	handler     obex.GOEPHandler
	maxBodySize int
	closed      bool
}

// NewPair wires two linked endpoints to each other. It does not itself
// notify either handler of a connection event: callers attach each
// endpoint to its owning profile session first, then call Open on each
// endpoint once that session is ready to receive the open notification
// (mirroring a real transport's accept/connect completing asynchronously
// after the session object already exists). ids are caller-supplied,
// since goeploop has no global registry (mirroring the teacher's virtual
// bus, which leaves addressing to the caller too).
func NewPair(idA, idB obex.GOEPID, handlerA, handlerB obex.GOEPHandler) (a, b *Endpoint) {
	a = &Endpoint{id: idA, handler: handlerA, maxBodySize: defaultMaxBodySize}
	b = &Endpoint{id: idB, handler: handlerB, maxBodySize: defaultMaxBodySize}
	a.peer = b
	b.peer = a
	return a, b
}

// Open notifies this endpoint's handler that the connection is
// established. peerAddr is reported as the remote device address;
// incoming distinguishes an accepted inbound connection from a completed
// outbound one, per spec.md §6's ConnectionOpened signature.
func (e *Endpoint) Open(peerAddr net.HardwareAddr, incoming bool) {
	e.mu.Lock()
	handler := e.handler
	e.mu.Unlock()
	handler.HandleConnectionOpened(nil, peerAddr, incoming)
}

// ID implements obex.GOEPSession.
func (e *Endpoint) ID() obex.GOEPID { return e.id }

// RequestCanSendNow implements obex.GOEPSession. Delivery is asynchronous
// (a fresh goroutine), matching spec.md §5's suspension-point model:
// the caller must not assume HandleCanSendNow fires before
// RequestCanSendNow returns.
func (e *Endpoint) RequestCanSendNow() {
	e.mu.Lock()
	closed := e.closed
	handler := e.handler
	e.mu.Unlock()
	if closed {
		return
	}
	go handler.HandleCanSendNow()
}

// Send implements obex.GOEPSession: delivers data directly to the peer's
// registered handler.
func (e *Endpoint) Send(data []byte) error {
	e.mu.Lock()
	closed := e.closed
	peer := e.peer
	e.mu.Unlock()
	if closed {
		return obex.ErrTransportUnavailable
	}
	peer.mu.Lock()
	peerHandler := peer.handler
	peerClosed := peer.closed
	peer.mu.Unlock()
	if peerClosed {
		return obex.ErrTransportUnavailable
	}
	peerHandler.HandleIncomingData(data)
	return nil
}

// MaxBodySize implements obex.GOEPSession.
func (e *Endpoint) MaxBodySize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxBodySize
}

// Close implements obex.GOEPSession: tears down both ends and notifies
// both handlers of transport loss.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	handler := e.handler
	peer := e.peer
	e.mu.Unlock()

	peer.mu.Lock()
	alreadyClosed := peer.closed
	peer.closed = true
	peerHandler := peer.handler
	peer.mu.Unlock()

	handler.HandleConnectionClosed()
	if !alreadyClosed {
		peerHandler.HandleConnectionClosed()
	}
	return nil
}
