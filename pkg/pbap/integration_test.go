package pbap_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/obexstack/obex"
	"github.com/obexstack/obex/pkg/appparam"
	"github.com/obexstack/obex/pkg/goeploop"
	"github.com/obexstack/obex/pkg/header"
	"github.com/obexstack/obex/pkg/pbap"
)

type response struct {
	info       header.Info
	body       []byte
	appParams  []byte
	srmEnabled bool
}

func (r response) appParamPayload() []byte { return r.appParams }

// scriptedDriver is a minimal raw-OBEX client double standing in for a
// full PBAP client (out of scope per spec.md §1: PBAP is server-only).
// It mirrors cmd/pbap-demo's driverClient but publishes parsed responses
// on a channel instead of running a fixed script, so tests can drive an
// arbitrary request/response sequence.
type scriptedDriver struct {
	session   obex.GOEPSession
	responses chan response

	parser     *header.Parser
	body       []byte
	appParams  []byte
	srmEnabled bool
}

func newScriptedDriver() *scriptedDriver {
	d := &scriptedDriver{responses: make(chan response, 64)}
	d.parser = header.New(header.KindResponse, d.onHeader)
	return d
}

func (d *scriptedDriver) onHeader(id obex.HeaderID, total, offset uint32, chunk []byte) {
	switch id {
	case obex.HeaderBody, obex.HeaderEndOfBody:
		d.body = append(d.body, chunk...)
	case obex.HeaderApplicationParameters:
		if offset == 0 {
			d.appParams = d.appParams[:0]
		}
		d.appParams = append(d.appParams, chunk...)
	case obex.HeaderSingleResponseMode:
		if len(chunk) == 1 && obex.SRMValue(chunk[0]) == obex.SRMEnable {
			d.srmEnabled = true
		}
	}
}

func (d *scriptedDriver) HandleConnectionOpened(error, net.HardwareAddr, bool) {}
func (d *scriptedDriver) HandleConnectionClosed()                             {}
func (d *scriptedDriver) HandleCanSendNow()                                   {}

func (d *scriptedDriver) HandleIncomingData(data []byte) {
	for len(data) > 0 {
		n, status := d.parser.ProcessData(data)
		data = data[n:]
		switch status {
		case header.StatusInProgress:
			return
		case header.StatusComplete:
			info := d.parser.Info()
			body := d.body
			ap := d.appParams
			srmEnabled := d.srmEnabled
			d.body = nil
			d.appParams = nil
			d.srmEnabled = false
			d.parser.Reset(header.KindResponse)
			d.responses <- response{info: info, body: body, appParams: ap, srmEnabled: srmEnabled}
		case header.StatusError:
			d.parser.Reset(header.KindResponse)
			return
		}
	}
}

func (d *scriptedDriver) send(data []byte) { _ = d.session.Send(data) }

func (d *scriptedDriver) waitResponse(t *testing.T) response {
	t.Helper()
	select {
	case r := <-d.responses:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PBAP response")
	}
	return response{}
}

type eventRecorder struct {
	server *pbap.Server
	events chan pbap.Event
	onEvent func(pbap.Event, *pbap.Server)
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{events: make(chan pbap.Event, 64)}
}

func (h *eventRecorder) HandlePBAPEvent(ev pbap.Event) {
	h.events <- ev
	if h.onEvent != nil {
		h.onEvent(ev, h.server)
	}
}

func (h *eventRecorder) waitFor(t *testing.T, kind pbap.EventKind) pbap.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for PBAP event %v", kind)
		}
	}
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func buildPBAPPair(t *testing.T, handler *eventRecorder) (*scriptedDriver, *pbap.Server, context.CancelFunc) {
	t.Helper()
	log := quietLogger()
	server := pbap.NewServer(1, handler, log, 0xFEEDFACE)
	handler.server = server

	ctx, cancel := context.WithCancel(context.Background())
	go server.Process(ctx)

	driver := newScriptedDriver()
	goepDriver, goepServer := goeploop.NewPair(1, 2, driver, server)
	driver.session = goepDriver
	server.Attach(goepServer)

	goepServer.Open(nil, true)
	goepDriver.Open(nil, false)

	return driver, server, cancel
}

func sendConnect(driver *scriptedDriver, supportedFeatures uint32) {
	enc := header.NewEncoder(byte(obex.OpConnect))
	enc.AddConnectFields(0x10, 0, 0xFFFF)
	ap := appparam.NewEncoder()
	ap.AddUint32(pbap.TagPBAPSupportedFeatures, supportedFeatures)
	enc.AddBytes(obex.HeaderApplicationParameters, ap.Bytes())
	driver.send(enc.Finish())
}

// TestPBAP_SizeQuery is spec.md §8 end-to-end scenario 3.
func TestPBAP_SizeQuery(t *testing.T) {
	h := newEventRecorder()
	h.onEvent = func(ev pbap.Event, s *pbap.Server) {
		if ev.Kind == pbap.EventQueryPhonebookSize {
			_ = s.SendPhonebookSize(obex.RspSuccess, 42)
		}
	}
	driver, _, cancel := buildPBAPPair(t, h)
	defer cancel()

	sendConnect(driver, 0x001B)
	connResp := driver.waitResponse(t)
	require.Equal(t, obex.RspSuccess, connResp.info.ResponseCode)

	enc := header.NewEncoder(byte(obex.OpGetFinal))
	enc.AddBytes(obex.HeaderType, []byte("x-bt/phonebook\x00"))
	enc.AddUnicode(obex.HeaderName, "telecom/pb.vcf")
	ap := appparam.NewEncoder()
	ap.AddUint16(pbap.TagMaxListCount, 0)
	enc.AddBytes(obex.HeaderApplicationParameters, ap.Bytes())
	driver.send(enc.Finish())

	ev := h.waitFor(t, pbap.EventQueryPhonebookSize)
	require.Equal(t, "telecom/pb.vcf", ev.Name)

	resp := driver.waitResponse(t)
	require.Equal(t, obex.RspSuccess, resp.info.ResponseCode)

	var gotSize uint16
	var sawSizeTag bool
	p := appparam.New(uint32(len(resp.appParamPayload())), func(tag appparam.Tag, value []byte) {
		if tag == pbap.TagPhonebookSize && len(value) == 2 {
			gotSize = uint16(value[0])<<8 | uint16(value[1])
			sawSizeTag = true
		}
	})
	_, _ = p.Write(resp.appParamPayload())
	require.True(t, sawSizeTag, "response must carry a PhonebookSize application parameter")
	require.Equal(t, uint16(42), gotSize)
}

func sendSetPath(driver *scriptedDriver, flags uint8, name string) {
	enc := header.NewEncoder(byte(obex.OpSetPath))
	enc.AddSetPathFields(flags)
	if name != "" {
		enc.AddUnicode(obex.HeaderName, name)
	}
	driver.send(enc.Finish())
}

// TestPBAP_SetPathDescendThenUp is spec.md §8 end-to-end scenario 6.
func TestPBAP_SetPathDescendThenUp(t *testing.T) {
	h := newEventRecorder()
	h.onEvent = func(ev pbap.Event, s *pbap.Server) {
		switch ev.Kind {
		case pbap.EventSetPhonebookDown, pbap.EventSetPhonebookUp, pbap.EventSetPhonebookRoot:
			_ = s.SendSetPhonebookResult(obex.RspSuccess)
		}
	}
	driver, _, cancel := buildPBAPPair(t, h)
	defer cancel()

	sendConnect(driver, 0)
	require.Equal(t, obex.RspSuccess, driver.waitResponse(t).info.ResponseCode)

	sendSetPath(driver, 0, "telecom")
	down := h.waitFor(t, pbap.EventSetPhonebookDown)
	require.Equal(t, "telecom", down.Name)
	require.Equal(t, obex.RspSuccess, driver.waitResponse(t).info.ResponseCode)

	sendSetPath(driver, 1, "")
	h.waitFor(t, pbap.EventSetPhonebookUp)
	require.Equal(t, obex.RspSuccess, driver.waitResponse(t).info.ResponseCode)
}

// TestPBAP_SetPathRoot covers the third flags/name combination (spec.md
// §8 boundary behavior): flags clear, name empty -> SetPhonebookRoot.
func TestPBAP_SetPathRoot(t *testing.T) {
	h := newEventRecorder()
	h.onEvent = func(ev pbap.Event, s *pbap.Server) {
		if ev.Kind == pbap.EventSetPhonebookRoot {
			_ = s.SendSetPhonebookResult(obex.RspSuccess)
		}
	}
	driver, _, cancel := buildPBAPPair(t, h)
	defer cancel()

	sendConnect(driver, 0)
	driver.waitResponse(t)

	sendSetPath(driver, 0, "")
	h.waitFor(t, pbap.EventSetPhonebookRoot)
	require.Equal(t, obex.RspSuccess, driver.waitResponse(t).info.ResponseCode)
}

// TestPBAP_SRMPull is spec.md §8 end-to-end scenario 4: the server
// confirms SRM on the first response, then streams Continue fragments
// without waiting for further GETs, and the final fragment carries
// Success.
func TestPBAP_SRMPull(t *testing.T) {
	fragments := [][]byte{
		[]byte("BEGIN:VCARD\r\n"),
		[]byte("N:Doe;John\r\n"),
		[]byte("END:VCARD\r\n"),
	}
	h := newEventRecorder()
	h.onEvent = func(ev pbap.Event, s *pbap.Server) {
		if ev.Kind != pbap.EventPullPhonebook {
			return
		}
		for i, frag := range fragments {
			final := i == len(fragments)-1
			require.NoError(t, s.SendPullResponse(obex.RspSuccess, uint32(i+1), frag, final))
		}
	}
	driver, server, cancel := buildPBAPPair(t, h)
	defer cancel()

	sendConnect(driver, 0)
	driver.waitResponse(t)

	enc := header.NewEncoder(byte(obex.OpGetFinal))
	enc.AddBytes(obex.HeaderType, []byte("x-bt/phonebook\x00"))
	enc.AddUnicode(obex.HeaderName, "telecom/pb.vcf")
	enc.AddByte(obex.HeaderSingleResponseMode, byte(obex.SRMEnable))
	ap := appparam.NewEncoder()
	ap.AddUint16(pbap.TagMaxListCount, 0xFFFF)
	enc.AddBytes(obex.HeaderApplicationParameters, ap.Bytes())
	driver.send(enc.Finish())

	h.waitFor(t, pbap.EventPullPhonebook)

	var gotBody []byte
	var sawEnable bool
	for i := 0; i < len(fragments); i++ {
		resp := driver.waitResponse(t)
		gotBody = append(gotBody, resp.body...)
		if i == 0 {
			sawEnable = resp.srmEnabled // the first response carries the SRM=Enable confirm header
			require.Equal(t, obex.RspContinue, resp.info.ResponseCode)
		}
		if i < len(fragments)-1 {
			require.Equal(t, obex.RspContinue, resp.info.ResponseCode, "fragment %d", i)
		} else {
			require.Equal(t, obex.RspSuccess, resp.info.ResponseCode, "final fragment must be Success")
		}
	}
	require.True(t, sawEnable)

	var want []byte
	for _, f := range fragments {
		want = append(want, f...)
	}
	require.Equal(t, want, gotBody)

	require.Eventually(t, func() bool {
		return server.State() == pbap.ServerConnected
	}, time.Second, time.Millisecond)
}

// TestPBAP_MalformedHeader_RecoversSession is spec.md §8 end-to-end
// scenario 5: a GET whose declared total length cannot accommodate its
// own header yields BadRequest and the session remains usable afterward.
func TestPBAP_MalformedHeader_RecoversSession(t *testing.T) {
	h := newEventRecorder()
	driver, server, cancel := buildPBAPPair(t, h)
	defer cancel()

	sendConnect(driver, 0)
	driver.waitResponse(t)

	enc := header.NewEncoder(byte(obex.OpGetFinal))
	enc.AddBytes(obex.HeaderType, make([]byte, 40))
	bad := enc.Finish()
	bad[1], bad[2] = 0, 30 // declare a total length shorter than the header needs
	driver.send(bad)

	resp := driver.waitResponse(t)
	require.Equal(t, obex.RspBadRequest, resp.info.ResponseCode)

	require.Eventually(t, func() bool {
		return server.State() == pbap.ServerConnected
	}, time.Second, time.Millisecond)

	// the session must still accept a well-formed request afterward.
	sendSetPath(driver, 0, "")
	h.waitFor(t, pbap.EventSetPhonebookRoot)
}

// TestPBAP_SRM_HeaderOrderIndependent exercises spec.md §4.3's first
// transition-table row (SRM=Enable, SRMP=Wait) with the two headers
// arriving in reverse wire order (SRMP before SRM). Observing them one
// at a time with a hardcoded default for whichever hadn't arrived yet
// previously drove the machine into the wrong state depending on which
// header the parser saw first; combining them into a single observation
// once the request object completes must give the same result either way.
func TestPBAP_SRM_HeaderOrderIndependent(t *testing.T) {
	h := newEventRecorder()
	h.onEvent = func(ev pbap.Event, s *pbap.Server) {
		if ev.Kind == pbap.EventPullPhonebook {
			_ = s.SendPullResponse(obex.RspSuccess, 1, []byte("BEGIN:VCARD\r\nEND:VCARD\r\n"), true)
		}
	}
	driver, _, cancel := buildPBAPPair(t, h)
	defer cancel()

	sendConnect(driver, 0)
	driver.waitResponse(t)

	enc := header.NewEncoder(byte(obex.OpGetFinal))
	enc.AddBytes(obex.HeaderType, []byte("x-bt/phonebook\x00"))
	enc.AddUnicode(obex.HeaderName, "telecom/pb.vcf")
	// SRMP (Wait) is written to the wire before SRM (Enable): the fix
	// must not let arrival order decide the outcome.
	enc.AddByte(obex.HeaderSingleResponseModeParam, byte(obex.SRMPWait))
	enc.AddByte(obex.HeaderSingleResponseMode, byte(obex.SRMEnable))
	ap := appparam.NewEncoder()
	ap.AddUint16(pbap.TagMaxListCount, 0xFFFF)
	enc.AddBytes(obex.HeaderApplicationParameters, ap.Bytes())
	driver.send(enc.Finish())

	h.waitFor(t, pbap.EventPullPhonebook)

	resp := driver.waitResponse(t)
	require.Equal(t, obex.RspSuccess, resp.info.ResponseCode)
	require.True(t, resp.srmEnabled, "SendConfirmWait must still add the SRM=Enable confirm header")
}

// TestPBAP_AbortRequest_ResetsSRM guards against SRM state leaking across
// an aborted request: every other operation-terminating path (SendPullResponse,
// OpSetPath, OpAbort) resets the SRM machine, and AbortRequest must too, or a
// later unrelated request inherits a stale SendConfirm/Enabled state.
func TestPBAP_AbortRequest_ResetsSRM(t *testing.T) {
	h := newEventRecorder()
	var server *pbap.Server
	h.onEvent = func(ev pbap.Event, s *pbap.Server) {
		if ev.Kind == pbap.EventPullPhonebook {
			require.NoError(t, server.AbortRequest(obex.RspForbidden))
		}
	}
	driver, srv, cancel := buildPBAPPair(t, h)
	server = srv
	defer cancel()

	sendConnect(driver, 0)
	driver.waitResponse(t)

	enc := header.NewEncoder(byte(obex.OpGetFinal))
	enc.AddBytes(obex.HeaderType, []byte("x-bt/phonebook\x00"))
	enc.AddUnicode(obex.HeaderName, "telecom/pb.vcf")
	enc.AddByte(obex.HeaderSingleResponseMode, byte(obex.SRMEnable))
	ap := appparam.NewEncoder()
	ap.AddUint16(pbap.TagMaxListCount, 0xFFFF)
	enc.AddBytes(obex.HeaderApplicationParameters, ap.Bytes())
	driver.send(enc.Finish())

	h.waitFor(t, pbap.EventPullPhonebook)
	aborted := driver.waitResponse(t)
	require.Equal(t, obex.RspForbidden, aborted.info.ResponseCode)

	h.onEvent = func(ev pbap.Event, s *pbap.Server) {
		if ev.Kind == pbap.EventPullPhonebook {
			_ = s.SendPullResponse(obex.RspSuccess, 0, []byte("BEGIN:VCARD\r\nEND:VCARD\r\n"), true)
		}
	}

	enc = header.NewEncoder(byte(obex.OpGetFinal))
	enc.AddBytes(obex.HeaderType, []byte("x-bt/phonebook\x00"))
	enc.AddUnicode(obex.HeaderName, "telecom/pb.vcf")
	ap = appparam.NewEncoder()
	ap.AddUint16(pbap.TagMaxListCount, 0xFFFF)
	enc.AddBytes(obex.HeaderApplicationParameters, ap.Bytes())
	driver.send(enc.Finish())

	h.waitFor(t, pbap.EventPullPhonebook)
	resp := driver.waitResponse(t)
	require.Equal(t, obex.RspSuccess, resp.info.ResponseCode)
	require.False(t, resp.srmEnabled, "a request with no SRM header must not inherit a stale SRM-enabled state from an aborted prior request")
}
