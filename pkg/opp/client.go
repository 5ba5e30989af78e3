package opp

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/obexstack/obex"
	"github.com/obexstack/obex/pkg/header"
)

// ClientState enumerates the OPP client session states (spec.md §4.4).
type ClientState uint8

const (
	ClientInit ClientState = iota
	ClientW4GoepConnection
	ClientW2SendConnect
	ClientW4ConnectResponse
	ClientConnected
	ClientW2SendDisconnect
	ClientW4DisconnectResponse
	ClientW4AbortComplete
)

var clientStateDescription = map[ClientState]string{
	ClientInit:                 "INIT",
	ClientW4GoepConnection:     "W4-GOEP-CONNECTION",
	ClientW2SendConnect:        "W2-SEND-CONNECT",
	ClientW4ConnectResponse:    "W4-CONNECT-RESPONSE",
	ClientConnected:            "CONNECTED",
	ClientW2SendDisconnect:     "W2-SEND-DISCONNECT",
	ClientW4DisconnectResponse: "W4-DISCONNECT-RESPONSE",
	ClientW4AbortComplete:      "W4-ABORT-COMPLETE",
}

func (s ClientState) String() string { return clientStateDescription[s] }

// operation tracks which command the client is currently waiting for a
// response to, since Connect/Disconnect/Abort/Push/Pull all share the
// single outstanding-request discipline of spec.md §3.
type operation uint8

const (
	opNone operation = iota
	opConnect
	opDisconnect
	opAbort
	opPush
	opPull
)

// Client drives one outbound OBEX session for Object Push: CONNECT, a
// user-initiated PUSH or PULL, DISCONNECT, ABORT. It implements
// obex.GOEPHandler so a GOEP transport can deliver events to it without
// importing this package (spec.md §9's one-way ownership).
type Client struct {
	mu      sync.Mutex
	logger  *logrus.Entry
	handle  obex.SessionHandle
	handler Handler

	session obex.GOEPSession
	state   ClientState
	op      operation

	parser       *header.Parser
	connectionID []byte
	hasConnID    bool

	pendingTX    []byte
	abortPending bool

	// outbound PUSH state
	pushName, pushType string
	pushBody           []byte
	pushSent           int

	// outbound PULL (default object) state
	pullContinuation uint32
}

// NewClient creates an OPP client session bound to handle, not yet
// attached to any transport.
func NewClient(handle obex.SessionHandle, handler Handler, logger *logrus.Entry) *Client {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Client{
		handle:  handle,
		handler: handler,
		logger:  logger.WithField("service", "opp-client").WithField("session", handle),
	}
	c.parser = header.New(header.KindResponse, c.onHeader)
	return c
}

// State returns the current client state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect binds the client to session and waits for the session's
// HandleConnectionOpened callback, which sends the CONNECT request. A
// session that reported ConnectionOpened before Connect is not connected.
func (c *Client) Connect(session obex.GOEPSession) error {
	c.mu.Lock()
	if c.state != ClientInit {
		c.mu.Unlock()
		return obex.ErrCommandDisallowed
	}
	c.session = session
	c.state = ClientW4GoepConnection
	c.op = opConnect
	c.mu.Unlock()
	return nil
}

// Disconnect posts a DISCONNECT request; only valid once Connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ClientConnected {
		return obex.ErrCommandDisallowed
	}
	enc := header.NewEncoder(byte(obex.OpDisconnect))
	if c.hasConnID {
		enc.AddUint32(obex.HeaderConnectionID, bytesToUint32(c.connectionID))
	}
	c.state = ClientW2SendDisconnect
	c.op = opDisconnect
	c.queueSend(enc.Finish())
	return nil
}

// Abort sets a one-shot flag consumed at the next send opportunity,
// per spec.md §4.4/§5 ("deferred until the next sendable slot").
func (c *Client) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ClientConnected {
		return obex.ErrCommandDisallowed
	}
	c.abortPending = true
	enc := header.NewEncoder(byte(obex.OpAbort))
	if c.hasConnID {
		enc.AddUint32(obex.HeaderConnectionID, bytesToUint32(c.connectionID))
	}
	c.state = ClientW4AbortComplete
	c.op = opAbort
	c.queueSend(enc.Finish())
	return nil
}

// PushObject sends name/type/data as a single-shot PUT (final bit set
// immediately; spec.md's redesign does not require segmenting a push
// across multiple PUT requests for this client).
func (c *Client) PushObject(name, mimeType string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ClientConnected {
		return obex.ErrCommandDisallowed
	}
	enc := header.NewEncoder(byte(obex.OpPutFinal))
	if c.hasConnID {
		enc.AddUint32(obex.HeaderConnectionID, bytesToUint32(c.connectionID))
	}
	enc.AddUnicode(obex.HeaderName, name)
	enc.AddBytes(obex.HeaderType, []byte(mimeType+"\x00"))
	enc.AddUint32(obex.HeaderLength, uint32(len(data)))
	enc.AddBytes(obex.HeaderEndOfBody, data)
	c.state = ClientConnected
	c.op = opPush
	c.queueSend(enc.Finish())
	return nil
}

// PullDefaultObject requests the peer's default business card object via
// GET Type="text/x-vcard" with an empty Name.
func (c *Client) PullDefaultObject() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ClientConnected {
		return obex.ErrCommandDisallowed
	}
	enc := header.NewEncoder(byte(obex.OpGetFinal))
	if c.hasConnID {
		enc.AddUint32(obex.HeaderConnectionID, bytesToUint32(c.connectionID))
	}
	enc.AddBytes(obex.HeaderType, []byte("text/x-vcard\x00"))
	c.op = opPull
	c.queueSend(enc.Finish())
	return nil
}

// PullObject requests an arbitrary named object from the peer via GET,
// rather than the server's default business card (supplemented from
// original_source/opp_client.c's generic pull operation; spec.md's
// distillation only emphasizes the default-object GET).
func (c *Client) PullObject(name, mimeType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ClientConnected {
		return obex.ErrCommandDisallowed
	}
	enc := header.NewEncoder(byte(obex.OpGetFinal))
	if c.hasConnID {
		enc.AddUint32(obex.HeaderConnectionID, bytesToUint32(c.connectionID))
	}
	if name != "" {
		enc.AddUnicode(obex.HeaderName, name)
	}
	if mimeType != "" {
		enc.AddBytes(obex.HeaderType, []byte(mimeType+"\x00"))
	}
	c.op = opPull
	c.queueSend(enc.Finish())
	return nil
}

// NextPacket is a reserved no-op (spec.md §9 open question: intent of
// the source's equivalent call is unclear; treated as reserved).
func (c *Client) NextPacket() {}

func (c *Client) queueSend(data []byte) {
	c.pendingTX = data
	if c.session != nil {
		c.session.RequestCanSendNow()
	}
}

// HandleConnectionOpened implements obex.GOEPHandler.
func (c *Client) HandleConnectionOpened(status error, addr net.HardwareAddr, incoming bool) {
	c.mu.Lock()
	if c.state != ClientW4GoepConnection {
		c.mu.Unlock()
		return
	}
	if status != nil {
		c.state = ClientInit
		c.mu.Unlock()
		c.handler.HandleOPPEvent(Event{Kind: EventConnectionOpened, Status: status, Addr: addr, Incoming: incoming})
		return
	}
	c.state = ClientW2SendConnect
	c.mu.Unlock()

	enc := header.NewEncoder(byte(obex.OpConnect))
	enc.AddConnectFields(0x10, 0, 0xFFFF)
	c.mu.Lock()
	c.state = ClientW4ConnectResponse
	c.queueSend(enc.Finish())
	c.mu.Unlock()
}

// HandleConnectionClosed implements obex.GOEPHandler.
func (c *Client) HandleConnectionClosed() {
	c.mu.Lock()
	wasOperating := c.state != ClientInit
	c.state = ClientInit
	c.op = opNone
	c.mu.Unlock()

	if wasOperating {
		c.handler.HandleOPPEvent(Event{Kind: EventOperationCompleted, Status: obex.ErrTransportUnavailable})
	}
	c.handler.HandleOPPEvent(Event{Kind: EventConnectionClosed})
}

// HandleCanSendNow implements obex.GOEPHandler.
func (c *Client) HandleCanSendNow() {
	c.mu.Lock()
	data := c.pendingTX
	c.pendingTX = nil
	session := c.session
	c.mu.Unlock()
	if data == nil || session == nil {
		return
	}
	if err := session.Send(data); err != nil {
		c.logger.WithError(err).Warn("send failed")
	}
}

// HandleIncomingData implements obex.GOEPHandler.
func (c *Client) HandleIncomingData(data []byte) {
	for len(data) > 0 {
		n, status := c.parser.ProcessData(data)
		data = data[n:]
		switch status {
		case header.StatusInProgress:
			return
		case header.StatusError:
			c.parser.Reset(header.KindResponse)
			return
		case header.StatusComplete:
			c.onObjectComplete()
			c.parser.Reset(header.KindResponse)
		}
	}
}

func (c *Client) onHeader(id obex.HeaderID, total, offset uint32, chunk []byte) {
	switch id {
	case obex.HeaderConnectionID:
		if len(chunk) == 4 {
			c.connectionID = append([]byte(nil), chunk...)
			c.hasConnID = true
		}
	case obex.HeaderBody, obex.HeaderEndOfBody:
		c.handler.HandleOPPEvent(Event{
			Kind:  EventData,
			Chunk: chunk,
			Final: id == obex.HeaderEndOfBody && offset+uint32(len(chunk)) >= total,
		})
	}
}

func (c *Client) onObjectComplete() {
	info := c.parser.Info()
	c.mu.Lock()
	op := c.op
	c.mu.Unlock()

	switch op {
	case opConnect:
		c.mu.Lock()
		if info.ResponseCode == obex.RspSuccess {
			c.state = ClientConnected
			c.op = opNone
		} else {
			c.state = ClientInit
			c.op = opNone
		}
		c.mu.Unlock()
		var err error
		if info.ResponseCode != obex.RspSuccess {
			err = info.ResponseCode
		}
		c.handler.HandleOPPEvent(Event{Kind: EventConnectionOpened, Status: err})

	case opDisconnect:
		c.mu.Lock()
		c.state = ClientInit
		c.op = opNone
		c.mu.Unlock()
		c.handler.HandleOPPEvent(Event{Kind: EventOperationCompleted, Status: statusError(info.ResponseCode)})
		c.handler.HandleOPPEvent(Event{Kind: EventConnectionClosed})

	case opAbort:
		c.mu.Lock()
		c.state = ClientConnected
		c.op = opNone
		c.abortPending = false
		c.mu.Unlock()
		c.handler.HandleOPPEvent(Event{Kind: EventOperationCompleted, Status: statusError(info.ResponseCode)})

	case opPush, opPull:
		if info.ResponseCode != obex.RspContinue {
			c.mu.Lock()
			c.state = ClientConnected
			c.op = opNone
			c.mu.Unlock()
			c.handler.HandleOPPEvent(Event{Kind: EventOperationCompleted, Status: statusError(info.ResponseCode)})
		}
		// A Continue response for PULL leaves op == opPull and the state
		// machine waiting for the application's next GET-equivalent or,
		// under SRM, the next streamed fragment; this client keeps the
		// single-shot GET shape described by spec.md §4.4 and does not
		// implement multi-request SRM pulls on the client side. info.Final
		// is not useful here: the parser sets it unconditionally for
		// response objects, since OBEX responses carry no final bit of
		// their own — only the response code distinguishes Continue from
		// a terminal code.
	}
}

func statusError(code obex.ResponseCode) error {
	if code == obex.RspSuccess || code == obex.RspContinue {
		return nil
	}
	return code
}

func bytesToUint32(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
