package pbap

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/obexstack/obex"
	"github.com/obexstack/obex/internal/streambuf"
	"github.com/obexstack/obex/pkg/appparam"
	"github.com/obexstack/obex/pkg/header"
	"github.com/obexstack/obex/pkg/srm"
)

// ServerState enumerates the PBAP server session states: the OPP server
// superset with W4SetPathResponse added and PUT states removed (spec.md
// §4.6).
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
	ServerW4SetPathResponse
	ServerSendUserResponse
	ServerSendInternalResponse
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
	ServerW4SetPathResponse:          "W4-SETPATH-RESPONSE",
	ServerSendUserResponse:           "SEND-USER-RESPONSE",
	ServerSendInternalResponse:       "SEND-INTERNAL-RESPONSE",
	ServerSendDisconnectResponse:     "SEND-DISCONNECT-RESPONSE",
}

func (s ServerState) String() string { return serverStateDescription[s] }

const (
	defaultMaxListCount  = 0xFFFF
	defaultVCardSelector = 0xFFFFFFFF
)

// Server drives one PBAP session: CONNECT, GET classification
// (phonebook/vCard-listing/vCard-entry/size-query), SetPath, and
// response metadata composition.
type Server struct {
	mu      sync.Mutex
	logger  *logrus.Entry
	handle  obex.SessionHandle
	handler Handler

	session obex.GOEPSession
	state   ServerState
	rx      chan []byte

	parser    *header.Parser
	appParser *appparam.Parser
	srm       *srm.Machine

	connectionID    uint32
	maxPacketLength uint16
	peerFeatures    uint32

	reqName string
	reqType string
	nameBuf *streambuf.Buffer
	typeBuf *streambuf.Buffer

	// srmReqVal/srmReqParam accumulate the raw SingleResponseMode and
	// SingleResponseModeParameter header bytes for the request currently
	// being parsed. They are combined into one ObserveRequest call once
	// the object is complete, rather than one call per header, since
	// either header may arrive first and neither is meaningful alone
	// (spec.md §4.3's transition table takes SRM and SRMP together).
	srmReqVal   obex.SRMValue
	srmReqParam obex.SRMPValue

	maxListCount          uint16
	listStartOffset       uint16
	propertySelector      uint64
	vCardSelector         uint64
	vCardSelectorOperator VCardSelectorOperator
	searchProperty        uint8
	searchValue           string
	format                VCardFormat
	order                 uint8
	resetNewMissedCalls   uint8

	lastContinuation map[ObjectType]uint32
	activeObjectType ObjectType

	meta responseMeta

	pendingTX []byte
}

// NewServer creates a PBAP server session bound to handle.
func NewServer(handle obex.SessionHandle, handler Handler, logger *logrus.Entry, connectionID uint32) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		handle:           handle,
		handler:          handler,
		logger:           logger.WithField("service", "pbap-server").WithField("session", handle),
		connectionID:     connectionID,
		rx:               make(chan []byte, 32),
		state:            ServerW4Open,
		srm:              srm.New(),
		lastContinuation: make(map[ObjectType]uint32),
	}
	s.parser = header.New(header.KindRequest, s.onHeader)
	s.resetRequestDefaults()
	return s
}

func (s *Server) resetRequestDefaults() {
	s.maxListCount = defaultMaxListCount
	s.listStartOffset = 0
	s.propertySelector = 0
	s.vCardSelector = defaultVCardSelector
	s.vCardSelectorOperator = VCardSelectorOr
	s.searchProperty = 0
	s.searchValue = ""
	s.format = VCardFormat21
	s.order = 0
	s.resetNewMissedCalls = 0
	s.reqName = ""
	s.reqType = ""
	s.srmReqVal = obex.SRMDisable
	s.srmReqParam = obex.SRMPNext
}

// State returns the current server state.
func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attach binds the accepted GOEP session.
func (s *Server) Attach(session obex.GOEPSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	s.state = ServerW4ConnectOpcode
}

// Process drains inbound data on its own goroutine (grounded on
// pkg/sdo/server.go's Process(ctx) convention, as in pkg/opp.Server).
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

// HandleIncomingData implements obex.GOEPHandler.
func (s *Server) HandleIncomingData(data []byte) {
	cp := append([]byte(nil), data...)
	select {
	case s.rx <- cp:
	default:
		s.logger.Warn("dropped inbound PBAP data, rx buffer full")
	}
}

// HandleConnectionOpened implements obex.GOEPHandler.
func (s *Server) HandleConnectionOpened(status error, addr net.HardwareAddr, incoming bool) {
	s.mu.Lock()
	s.state = ServerW4ConnectOpcode
	s.mu.Unlock()
	s.handler.HandlePBAPEvent(Event{Kind: EventConnectionOpened, Status: status, Addr: addr, Incoming: incoming})
}

// HandleConnectionClosed implements obex.GOEPHandler.
func (s *Server) HandleConnectionClosed() {
	s.mu.Lock()
	wasOperating := s.state != ServerW4Open && s.state != ServerW4ConnectOpcode
	s.state = ServerW4Open
	s.mu.Unlock()

	if wasOperating {
		s.handler.HandlePBAPEvent(Event{Kind: EventOperationCompleted, Status: obex.ErrTransportUnavailable})
	}
	s.handler.HandlePBAPEvent(Event{Kind: EventConnectionClosed})
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

// GetMaxBodySize reports the session's MaxBodySize. The headers
// SendPullResponse adds to a response (connection id, SRM, application
// parameters, body header) are not subtracted from it.
func (s *Server) GetMaxBodySize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return 0
	}
	return s.session.MaxBodySize()
}

func (s *Server) SetNewMissedCalls(n uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.hasNewMissedCalls = true
	s.meta.newMissedCalls = n
}

func (s *Server) SetDatabaseIdentifier(id [16]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.hasDatabaseID = true
	s.meta.databaseID = id
}

func (s *Server) SetPrimaryFolderVersion(v [16]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.hasPrimaryFolderVer = true
	s.meta.primaryFolderVer = v
}

func (s *Server) SetSecondaryFolderVersion(v [16]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.hasSecondaryFolderVer = true
	s.meta.secondaryFolderVer = v
}

// AbortRequest lets the application compose a specific rejection code
// before the final response of the current GET/SetPath is sent (spec.md
// §6: the PBAP server command set is "the OPP server set plus ...").
func (s *Server) AbortRequest(code obex.ResponseCode) error {
	s.mu.Lock()
	if s.state != ServerW4UserData && s.state != ServerW4SetPathResponse {
		s.mu.Unlock()
		return obex.ErrCommandDisallowed
	}
	enc := header.NewEncoder(byte(code))
	s.state = ServerConnected
	s.queueSend(enc.Finish())
	s.mu.Unlock()
	s.srm.Reset()
	return nil
}

// SendSetPhonebookResult answers a SetPhonebookRoot/Up/Down event.
func (s *Server) SendSetPhonebookResult(code obex.ResponseCode) error {
	s.mu.Lock()
	if s.state != ServerW4SetPathResponse {
		s.mu.Unlock()
		return obex.ErrCommandDisallowed
	}
	enc := header.NewEncoder(byte(code))
	enc.AddUint32(obex.HeaderConnectionID, s.connectionID)
	s.state = ServerConnected
	s.queueSend(enc.Finish())
	s.mu.Unlock()
	return nil
}

// SendPhonebookSize answers a QueryPhonebookSize event.
func (s *Server) SendPhonebookSize(code obex.ResponseCode, size uint16) error {
	s.mu.Lock()
	if s.state != ServerW4UserData {
		s.mu.Unlock()
		return obex.ErrCommandDisallowed
	}
	s.meta.hasPhonebookSize = true
	s.meta.phonebookSize = size
	payload := s.meta.encode()
	enc := header.NewEncoder(byte(code))
	enc.AddUint32(obex.HeaderConnectionID, s.connectionID)
	if len(payload) > 0 {
		enc.AddBytes(obex.HeaderApplicationParameters, payload)
	}
	s.state = ServerConnected
	s.queueSend(enc.Finish())
	s.mu.Unlock()
	s.handler.HandlePBAPEvent(Event{Kind: EventOperationCompleted, Status: statusError(code)})
	return nil
}

// SendPullResponse answers a PullPhonebook/PullVCardListing/PullVCardEntry
// event. continuation is opaque and echoed back on the next pull event of
// the same object type (spec.md §4.6).
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
	if !s.meta.empty() {
		payload := s.meta.encode()
		if len(payload) > 0 {
			enc.AddBytes(obex.HeaderApplicationParameters, payload)
		}
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

	s.lastContinuation[s.activeObjectType] = continuation
	s.state = ServerSendUserResponse
	s.queueSend(enc.Finish())
	// While SRM is Enabled, the peer expects further fragments with no
	// intervening GET (spec.md §4.6): leave the session ready to accept
	// another SendPullResponse call immediately rather than dropping back
	// to Connected, which would otherwise reject the very next fragment.
	if final || code != obex.RspSuccess || !s.srm.CanStreamNextFragment() {
		s.state = ServerConnected
	} else {
		s.state = ServerW4UserData
	}
	s.mu.Unlock()

	if final || code != obex.RspSuccess {
		s.srm.Reset()
		s.handler.HandlePBAPEvent(Event{Kind: EventOperationCompleted, Status: statusError(respCode)})
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
			s.resetRequestDefaults()
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
	case obex.HeaderApplicationParameters:
		if offset == 0 {
			s.appParser = appparam.New(total, s.onAppParam)
		}
		if s.appParser != nil {
			s.appParser.Write(chunk)
		}
	case obex.HeaderSingleResponseMode:
		if len(chunk) == 1 {
			s.srmReqVal = obex.SRMValue(chunk[0])
		}
	case obex.HeaderSingleResponseModeParam:
		if len(chunk) == 1 {
			s.srmReqParam = obex.SRMPValue(chunk[0])
		}
	}
}

func (s *Server) onAppParam(tag appparam.Tag, value []byte) {
	switch tag {
	case TagMaxListCount:
		s.maxListCount = beUint16(value)
	case TagListStartOffset:
		s.listStartOffset = beUint16(value)
	case TagPropertySelector:
		s.propertySelector = beUint64Low32(value)
	case TagVCardSelector:
		s.vCardSelector = beUint64Low32(value)
	case TagVCardSelectorOperator:
		if len(value) == 1 {
			s.vCardSelectorOperator = VCardSelectorOperator(value[0])
		}
	case TagSearchProperty:
		if len(value) == 1 {
			s.searchProperty = value[0]
		}
	case TagSearchValue:
		s.searchValue = decodeAscii(value)
	case TagFormat:
		if len(value) == 1 {
			s.format = VCardFormat(value[0])
		}
	case TagOrder:
		if len(value) == 1 {
			s.order = value[0]
		}
	case TagResetNewMissedCalls:
		if len(value) == 1 {
			s.resetNewMissedCalls = value[0]
		}
	case TagPBAPSupportedFeatures:
		if len(value) == 4 {
			s.peerFeatures = bytesToUint32(value)
		}
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
		// regardless of arrival order, are known (mirrors
		// pbap_server_handle_srm_headers being called once per request).
		s.srm.ObserveRequest(s.srmReqVal, s.srmReqParam)
		s.handleRequest(info)
	default:
		s.sendBadRequest()
	}
}

func (s *Server) handleConnectRequest(info header.Info) {
	if info.Opcode != obex.OpConnect {
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
	s.queueSend(enc.Finish())
	s.state = ServerConnected
	s.mu.Unlock()
}

func (s *Server) handleRequest(info header.Info) {
	switch info.Opcode.WithoutFinal() {
	case obex.OpGet:
		s.handleGet()

	case obex.OpSetPath:
		s.srm.Reset()
		s.mu.Lock()
		s.state = ServerW4SetPathResponse
		s.mu.Unlock()
		up := info.SetPathFlags&obex.SetPathFlagUp != 0
		switch {
		case up && s.reqName == "":
			s.handler.HandlePBAPEvent(Event{Kind: EventSetPhonebookUp})
		case !up && s.reqName == "":
			s.handler.HandlePBAPEvent(Event{Kind: EventSetPhonebookRoot})
		case !up:
			s.handler.HandlePBAPEvent(Event{Kind: EventSetPhonebookDown, Name: s.reqName})
		default:
			s.sendBadRequest()
			s.mu.Lock()
			s.state = ServerConnected
			s.mu.Unlock()
		}

	case obex.OpDisconnect:
		s.mu.Lock()
		s.state = ServerSendDisconnectResponse
		s.mu.Unlock()
		enc := header.NewEncoder(byte(obex.RspSuccess))
		s.queueSend(enc.Finish())
		s.mu.Lock()
		s.state = ServerW4Open
		s.mu.Unlock()
		s.handler.HandlePBAPEvent(Event{Kind: EventConnectionClosed})

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

func (s *Server) handleGet() {
	objType := ClassifyType(s.reqType)
	if objType == Invalid {
		s.sendBadRequest()
		s.mu.Lock()
		s.state = ServerConnected
		s.mu.Unlock()
		return
	}

	if s.resetNewMissedCalls != 0 {
		s.handler.HandlePBAPEvent(Event{Kind: EventResetMissedCalls, Phonebook: s.reqName})
	}

	s.mu.Lock()
	s.activeObjectType = objType
	continuation := s.lastContinuation[objType]
	s.mu.Unlock()

	if s.maxListCount == 0 {
		if objType == VCardEntry {
			s.sendBadRequest()
			s.mu.Lock()
			s.state = ServerConnected
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		s.state = ServerW4UserData
		s.mu.Unlock()
		s.handler.HandlePBAPEvent(Event{
			Kind:                  EventQueryPhonebookSize,
			Phonebook:             s.reqName,
			VCardSelector:         s.vCardSelector,
			VCardSelectorOperator: s.vCardSelectorOperator,
			Name:                  s.reqName,
		})
		return
	}

	s.mu.Lock()
	s.state = ServerW4UserData
	s.mu.Unlock()

	switch objType {
	case Phonebook:
		s.handler.HandlePBAPEvent(Event{
			Kind: EventPullPhonebook, Phonebook: s.reqName, Continuation: continuation,
			PropertySelector: s.propertySelector, Format: s.format,
			MaxListCount: s.maxListCount, ListStartOffset: s.listStartOffset,
			VCardSelector: s.vCardSelector, VCardSelectorOperator: s.vCardSelectorOperator,
			Name: s.reqName,
		})
	case VCardListing:
		s.handler.HandlePBAPEvent(Event{
			Kind: EventPullVCardListing, Phonebook: s.reqName, Continuation: continuation,
			Order: s.order, MaxListCount: s.maxListCount, ListStartOffset: s.listStartOffset,
			VCardSelector: s.vCardSelector, VCardSelectorOperator: s.vCardSelectorOperator,
			SearchProperty: s.searchProperty, SearchValue: s.searchValue, Name: s.reqName,
		})
	case VCardEntry:
		s.handler.HandlePBAPEvent(Event{
			Kind: EventPullVCardEntry, Phonebook: s.reqName,
			PropertySelector: s.propertySelector, Format: s.format, Name: s.reqName,
		})
	}
}

func statusError(code obex.ResponseCode) error {
	if code == obex.RspSuccess || code == obex.RspContinue {
		return nil
	}
	return code
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

func beUint16(b []byte) uint16 {
	if len(b) != 2 {
		return 0
	}
	return uint16(b[0])<<8 | uint16(b[1])
}

func beUint64Low32(b []byte) uint64 {
	if len(b) == 4 {
		return uint64(bytesToUint32(b))
	}
	if len(b) == 8 {
		return uint64(bytesToUint32(b[4:8]))
	}
	return 0
}

func bytesToUint32(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
