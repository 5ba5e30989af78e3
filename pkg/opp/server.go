package opp

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/obexstack/obex"
	"github.com/obexstack/obex/internal/streambuf"
	"github.com/obexstack/obex/pkg/header"
	"github.com/obexstack/obex/pkg/srm"
)

// ServerState enumerates the OPP server session states (spec.md §4.5).
type ServerState uint8

const (
	ServerW4Open ServerState = iota
	ServerW4ConnectOpcode
	ServerW4ConnectRequest
	ServerSendConnectResponseError
	ServerSendConnectResponseSuccess
	ServerConnected
	ServerW4Request
	ServerW4UserData
	ServerSendPutResponse
	ServerSendInternalResponse
	ServerSendUserResponse
	ServerSendDisconnectResponse
)

var serverStateDescription = map[ServerState]string{
	ServerW4Open:                     "W4-OPEN",
	ServerW4ConnectOpcode:            "W4-CONNECT-OPCODE",
	ServerW4ConnectRequest:           "W4-CONNECT-REQUEST",
	ServerSendConnectResponseError:   "SEND-CONNECT-RESPONSE-ERROR",
	ServerSendConnectResponseSuccess: "SEND-CONNECT-RESPONSE-SUCCESS",
	ServerConnected:                  "CONNECTED",
	ServerW4Request:                  "W4-REQUEST",
	ServerW4UserData:                 "W4-USER-DATA",
	ServerSendPutResponse:            "SEND-PUT-RESPONSE",
	ServerSendInternalResponse:       "SEND-INTERNAL-RESPONSE",
	ServerSendUserResponse:           "SEND-USER-RESPONSE",
	ServerSendDisconnectResponse:     "SEND-DISCONNECT-RESPONSE",
}

func (s ServerState) String() string { return serverStateDescription[s] }

// requestKind distinguishes the two operations that can populate
// W4Request, since spec.md §9 requires the PUT/GET fall-through to be
// modeled as explicit steps rather than shared implicitly.
type requestKind uint8

const (
	reqNone requestKind = iota
	reqPut
	reqGet
)

// Server accepts one Object Push session, handling CONNECT, PUT (object
// push), GET (default-object pull) and DISCONNECT, mediating body bytes
// to/from the application (spec.md §4.5).
type Server struct {
	mu      sync.Mutex
	logger  *logrus.Entry
	handle  obex.SessionHandle
	handler Handler

	session obex.GOEPSession
	state   ServerState
	rx      chan []byte

	parser  *header.Parser
	reqKind requestKind
	srm     *srm.Machine

	connectionID    uint32
	maxPacketLength uint16

	reqName    string
	reqType    string
	reqLength  uint32
	nameBuf    *streambuf.Buffer
	typeBuf    *streambuf.Buffer

	// srmReqVal/srmReqParam accumulate the raw SingleResponseMode and
	// SingleResponseModeParameter header bytes for the request currently
	// being parsed. They are combined into one ObserveRequest call once
	// the object is complete, rather than one call per header, since
	// either header may arrive first and neither is meaningful alone
	// (spec.md §4.3's transition table takes SRM and SRMP together).
	srmReqVal   obex.SRMValue
	srmReqParam obex.SRMPValue

	abortPending bool
	abortCode    obex.ResponseCode

	pendingTX []byte
}

// NewServer creates an OPP server session bound to handle. connectionID
// is the constant peer-visible connection identifier this server reports
// on CONNECT (spec.md treats it as stable per session).
func NewServer(handle obex.SessionHandle, handler Handler, logger *logrus.Entry, connectionID uint32) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		handle:       handle,
		handler:      handler,
		logger:       logger.WithField("service", "opp-server").WithField("session", handle),
		connectionID: connectionID,
		rx:           make(chan []byte, 32),
		state:        ServerW4Open,
		srm:          srm.New(),
	}
	s.parser = header.New(header.KindRequest, s.onHeader)
	return s
}

// State returns the current server state.
func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attach binds the accepted GOEP session, transitioning to W4ConnectOpcode.
func (s *Server) Attach(session obex.GOEPSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	s.state = ServerW4ConnectOpcode
}

// Process drains inbound data in order on its own goroutine, decoupled
// from the possibly-concurrent transport callback, grounded on the
// teacher's SDOServer.Process(ctx) convention.
func (s *Server) Process(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.rx:
			if !ok {
				return
			}
			s.feed(data)
		}
	}
}

// HandleIncomingData implements obex.GOEPHandler: a non-blocking enqueue,
// matching the teacher's SDOServer.Handle (frames dropped with a warning
// on overflow rather than blocking the transport).
func (s *Server) HandleIncomingData(data []byte) {
	cp := append([]byte(nil), data...)
	select {
	case s.rx <- cp:
	default:
		s.logger.Warn("dropped inbound OPP data, rx buffer full")
	}
}

// HandleConnectionOpened implements obex.GOEPHandler.
func (s *Server) HandleConnectionOpened(status error, addr net.HardwareAddr, incoming bool) {
	s.mu.Lock()
	s.state = ServerW4ConnectOpcode
	s.mu.Unlock()
	s.handler.HandleOPPEvent(Event{Kind: EventConnectionOpened, Status: status, Addr: addr, Incoming: incoming})
}

// HandleConnectionClosed implements obex.GOEPHandler.
func (s *Server) HandleConnectionClosed() {
	s.mu.Lock()
	wasOperating := s.state != ServerW4Open && s.state != ServerW4ConnectOpcode
	s.state = ServerW4Open
	s.mu.Unlock()

	if wasOperating {
		s.handler.HandleOPPEvent(Event{Kind: EventOperationCompleted, Status: obex.ErrTransportUnavailable})
	}
	s.handler.HandleOPPEvent(Event{Kind: EventConnectionClosed})
}

// HandleCanSendNow implements obex.GOEPHandler.
func (s *Server) HandleCanSendNow() {
	s.mu.Lock()
	data := s.pendingTX
	s.pendingTX = nil
	session := s.session
	s.mu.Unlock()
	if data == nil || session == nil {
		return
	}
	if err := session.Send(data); err != nil {
		s.logger.WithError(err).Warn("send failed")
	}
}

func (s *Server) queueSend(data []byte) {
	s.pendingTX = data
	if s.session != nil {
		s.session.RequestCanSendNow()
	}
}

// GetMaxBodySize reports the session's MaxBodySize (spec.md's
// get_max_body_size). The headers SendPullResponse adds to a response
// (connection id, SRM, body header) are not subtracted from it.
func (s *Server) GetMaxBodySize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return 0
	}
	return s.session.MaxBodySize()
}

// AbortRequest lets the application compose a specific rejection code
// before the final response is sent — usable at any point before then,
// including before Name/Type are known on a PUT (supplemented from
// original_source/opp_server.c; spec.md's distillation only calls this
// out for the "before reaching final bit" case).
func (s *Server) AbortRequest(code obex.ResponseCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != ServerW4Request && s.state != ServerW4UserData {
		return obex.ErrCommandDisallowed
	}
	if s.state == ServerW4UserData {
		// The GET is already parsed and waiting on the application:
		// reject it now rather than on the next request.
		s.state = ServerConnected
		s.reqKind = reqNone
		s.queueSend(header.NewEncoder(byte(code)).Finish())
		s.srm.Reset()
		return nil
	}
	s.abortPending = true
	s.abortCode = code
	return nil
}

// SendPullResponse answers a PullDefaultObject event. continuation is
// opaque and only meaningful to richer pull flows (PBAP); OPP ignores it.
// final marks the last fragment of this GET.
func (s *Server) SendPullResponse(code obex.ResponseCode, continuation uint32, body []byte, final bool) error {
	s.mu.Lock()
	if s.state != ServerW4UserData {
		s.mu.Unlock()
		return obex.ErrCommandDisallowed
	}
	if s.session != nil && len(body) > s.session.MaxBodySize() {
		s.mu.Unlock()
		return obex.ErrResourceExceeded
	}

	respCode := code
	if respCode == obex.RspSuccess && !final {
		respCode = obex.RspContinue
	}
	addEnable := s.srm.OnComposeResponse()

	enc := header.NewEncoder(byte(respCode))
	enc.AddUint32(obex.HeaderConnectionID, s.connectionID)
	if addEnable {
		enc.AddByte(obex.HeaderSingleResponseMode, byte(obex.SRMEnable))
	}
	if final {
		enc.AddBytes(obex.HeaderEndOfBody, body)
	} else {
		enc.AddBytes(obex.HeaderBody, body)
	}
	if enc.Err() != nil {
		s.mu.Unlock()
		return obex.ErrResourceExceeded
	}
	s.state = ServerSendUserResponse
	s.queueSend(enc.Finish())
	// While SRM is Enabled, the peer expects further fragments with no
	// intervening GET (spec.md §4.5): leave the session ready to accept
	// another SendPullResponse call immediately rather than dropping back
	// to Connected, which would otherwise reject the very next fragment.
	if final || code != obex.RspSuccess || !s.srm.CanStreamNextFragment() {
		s.state = ServerConnected
		s.reqKind = reqNone
	} else {
		s.state = ServerW4UserData
	}
	s.mu.Unlock()

	if final || code != obex.RspSuccess {
		s.srm.Reset()
		s.handler.HandleOPPEvent(Event{Kind: EventOperationCompleted, Status: statusError(respCode)})
	}
	return nil
}

func (s *Server) feed(data []byte) {
	for len(data) > 0 {
		s.mu.Lock()
		state := s.state
		s.mu.Unlock()

		if state == ServerW4ConnectOpcode || state == ServerW4Open {
			s.parser.Reset(header.KindRequest)
			s.mu.Lock()
			s.state = ServerW4ConnectRequest
			s.mu.Unlock()
		} else if state == ServerConnected {
			s.parser.Reset(header.KindRequest)
			s.srmReqVal = obex.SRMDisable
			s.srmReqParam = obex.SRMPNext
			// A non-final PUT leaves reqKind == reqPut across the
			// ServerConnected gap between fragments; only a fragment's
			// first packet carries Name/Type/Length, so those fields
			// must survive until the final fragment, not be wiped here.
			if s.reqKind != reqPut {
				s.reqName = ""
				s.reqType = ""
				s.reqLength = 0
			}
			s.mu.Lock()
			s.state = ServerW4Request
			s.mu.Unlock()
		}

		n, status := s.parser.ProcessData(data)
		data = data[n:]

		switch status {
		case header.StatusInProgress:
			return
		case header.StatusError:
			s.sendBadRequest()
			s.parser.Reset(header.KindRequest)
			s.mu.Lock()
			s.state = ServerConnected
			s.mu.Unlock()
			// The rest of this chunk belongs to the malformed object.
			return
		case header.StatusComplete:
			s.onObjectComplete()
		}
	}
}

func (s *Server) sendBadRequest() {
	enc := header.NewEncoder(byte(obex.RspBadRequest))
	s.queueSend(enc.Finish())
}

func (s *Server) onHeader(id obex.HeaderID, total, offset uint32, chunk []byte) {
	switch id {
	case obex.HeaderName:
		if offset == 0 {
			s.nameBuf = streambuf.New(int(total))
		}
		s.nameBuf.Write(chunk)
		if offset+uint32(len(chunk)) >= total {
			s.reqName = decodeUnicode(s.nameBuf.Peek(s.nameBuf.Len()))
		}
	case obex.HeaderType:
		if offset == 0 {
			s.typeBuf = streambuf.New(int(total))
		}
		s.typeBuf.Write(chunk)
		if offset+uint32(len(chunk)) >= total {
			s.reqType = decodeAscii(s.typeBuf.Peek(s.typeBuf.Len()))
		}
	case obex.HeaderLength:
		if len(chunk) == 4 {
			s.reqLength = bytesToUint32(chunk)
		}
	case obex.HeaderSingleResponseMode:
		if len(chunk) == 1 {
			s.srmReqVal = obex.SRMValue(chunk[0])
		}
	case obex.HeaderSingleResponseModeParam:
		if len(chunk) == 1 {
			s.srmReqParam = obex.SRMPValue(chunk[0])
		}
	case obex.HeaderBody, obex.HeaderEndOfBody:
		s.handler.HandleOPPEvent(Event{
			Kind:  EventData,
			Chunk: chunk,
			Final: id == obex.HeaderEndOfBody,
		})
	}
}

func (s *Server) onObjectComplete() {
	info := s.parser.Info()
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case ServerW4ConnectRequest:
		s.handleConnectRequest(info)
	case ServerW4Request:
		// Combine both SRM header bytes into a single observation now
		// that the whole request object, and therefore both headers
		// regardless of arrival order, are known.
		s.srm.ObserveRequest(s.srmReqVal, s.srmReqParam)
		s.handleRequest(info)
	default:
		s.sendBadRequest()
	}
}

func (s *Server) handleConnectRequest(info header.Info) {
	if info.Opcode != obex.OpConnect {
		s.mu.Lock()
		s.state = ServerSendConnectResponseError
		s.mu.Unlock()
		s.sendBadRequest()
		s.mu.Lock()
		s.state = ServerW4ConnectOpcode
		s.mu.Unlock()
		return
	}
	enc := header.NewEncoder(byte(obex.RspSuccess))
	enc.AddConnectFields(0x10, 0, s.maxPacketLength)
	enc.AddUint32(obex.HeaderConnectionID, s.connectionID)
	s.mu.Lock()
	s.state = ServerSendConnectResponseSuccess
	s.queueSend(enc.Finish())
	s.state = ServerConnected
	s.mu.Unlock()
}

func (s *Server) handleRequest(info header.Info) {
	s.mu.Lock()
	if s.abortPending {
		code := s.abortCode
		s.abortPending = false
		s.state = ServerConnected
		s.reqKind = reqNone
		s.mu.Unlock()
		s.srm.Reset()
		enc := header.NewEncoder(byte(code))
		s.queueSend(enc.Finish())
		return
	}
	s.mu.Unlock()

	switch info.Opcode.WithoutFinal() {
	case obex.OpPut:
		s.mu.Lock()
		s.reqKind = reqPut
		s.mu.Unlock()
		code := obex.RspSuccess
		if !info.Final {
			code = obex.RspContinue
		} else {
			s.handler.HandleOPPEvent(Event{Kind: EventPushObject, Name: s.reqName, Type: s.reqType, Size: s.reqLength})
		}
		enc := header.NewEncoder(byte(code))
		enc.AddUint32(obex.HeaderConnectionID, s.connectionID)
		s.mu.Lock()
		s.state = ServerSendPutResponse
		s.queueSend(enc.Finish())
		s.state = ServerConnected
		if info.Final {
			s.reqKind = reqNone
		}
		s.mu.Unlock()
		if info.Final {
			s.handler.HandleOPPEvent(Event{Kind: EventOperationCompleted, Status: nil})
		}

	case obex.OpGet:
		if s.reqType == "text/x-vcard" && s.reqName == "" {
			s.mu.Lock()
			s.reqKind = reqGet
			s.state = ServerW4UserData
			s.mu.Unlock()
			s.handler.HandleOPPEvent(Event{Kind: EventPullDefaultObject})
			return
		}
		s.mu.Lock()
		s.state = ServerConnected
		s.mu.Unlock()
		enc := header.NewEncoder(byte(obex.RspNotFound))
		s.queueSend(enc.Finish())

	case obex.OpDisconnect:
		s.mu.Lock()
		s.state = ServerSendDisconnectResponse
		s.mu.Unlock()
		enc := header.NewEncoder(byte(obex.RspSuccess))
		s.queueSend(enc.Finish())
		s.mu.Lock()
		s.state = ServerW4Open
		s.mu.Unlock()
		s.handler.HandleOPPEvent(Event{Kind: EventConnectionClosed})

	case obex.OpAbort:
		s.srm.Reset()
		s.mu.Lock()
		s.state = ServerConnected
		s.mu.Unlock()
		enc := header.NewEncoder(byte(obex.RspSuccess))
		s.queueSend(enc.Finish())

	default:
		s.sendBadRequest()
		s.mu.Lock()
		s.state = ServerConnected
		s.mu.Unlock()
	}
}

func decodeUnicode(chunk []byte) string {
	if len(chunk) < 2 {
		return ""
	}
	units := make([]uint16, 0, len(chunk)/2)
	for i := 0; i+1 < len(chunk); i += 2 {
		u := uint16(chunk[i])<<8 | uint16(chunk[i+1])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return decodeUTF16(units)
}

func decodeAscii(chunk []byte) string {
	n := len(chunk)
	for n > 0 && chunk[n-1] == 0 {
		n--
	}
	return string(chunk[:n])
}
