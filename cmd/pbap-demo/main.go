// Command pbap-demo drives a PBAP SetPath + phonebook-size-query
// sequence over an in-memory GOEP loopback (spec.md §8 scenarios 3 and
// 6), in the same style as cmd/opp-demo.
package main

import (
	"context"
	"net"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/obexstack/obex"
	"github.com/obexstack/obex/internal/logging"
	"github.com/obexstack/obex/pkg/goeploop"
	"github.com/obexstack/obex/pkg/header"
	"github.com/obexstack/obex/pkg/pbap"
	"github.com/obexstack/obex/pkg/profileconfig"
	"github.com/obexstack/obex/pkg/sdp"
)

type serverHandler struct {
	log    *logrus.Entry
	server *pbap.Server
}

func (h *serverHandler) HandlePBAPEvent(ev pbap.Event) {
	h.log.WithField("kind", ev.Kind).Info("server event")
	switch ev.Kind {
	case pbap.EventSetPhonebookDown, pbap.EventSetPhonebookUp, pbap.EventSetPhonebookRoot:
		if err := h.server.SendSetPhonebookResult(obex.RspSuccess); err != nil {
			h.log.WithError(err).Error("send_set_phonebook_result failed")
		}
	case pbap.EventQueryPhonebookSize:
		if err := h.server.SendPhonebookSize(obex.RspSuccess, 42); err != nil {
			h.log.WithError(err).Error("send_phonebook_size failed")
		}
	case pbap.EventPullPhonebook:
		if err := h.server.SendPullResponse(obex.RspSuccess, 0, []byte("BEGIN:VCARD\r\nEND:VCARD\r\n"), true); err != nil {
			h.log.WithError(err).Error("send_pull_response failed")
		}
	}
}

// driverClient is a minimal scripted client sending raw OBEX requests, standing
// in for a full PBAP client state machine (out of scope per spec.md §1:
// PBAP is server-only in this design).
type driverClient struct {
	log     *logrus.Entry
	session obex.GOEPSession
	pending []func()
	done    chan struct{}
}

func (c *driverClient) HandleConnectionOpened(status error, addr net.HardwareAddr, incoming bool) {
	c.log.Info("driver: connection opened, sending CONNECT")
	enc := header.NewEncoder(byte(obex.OpConnect))
	enc.AddConnectFields(0x10, 0, 0xFFFF)
	c.session.Send(enc.Finish())
}

func (c *driverClient) HandleConnectionClosed() { close(c.done) }
func (c *driverClient) HandleCanSendNow()       {}

func (c *driverClient) HandleIncomingData(data []byte) {
	if len(c.pending) == 0 {
		c.log.Info("driver: received final response")
		c.session.Close()
		return
	}
	next := c.pending[0]
	c.pending = c.pending[1:]
	next()
}

func main() {
	log := logrus.NewEntry(logging.New(logging.Config{}))

	cfg := profileconfig.Default()
	record := sdp.PBAPRecord(sdp.PBAPRecordParams{
		RFCOMMChannel:         cfg.PBAP.RFCOMMChannel,
		L2CAPPSM:              cfg.PBAP.L2CAPPSM,
		HasL2CAPPSM:           cfg.PBAP.HasL2CAPPSM,
		SupportedRepositories: cfg.PBAP.SupportedRepositories,
		SupportedFeatures:     cfg.PBAP.SupportedFeatures,
	})
	log.WithFields(logrus.Fields{
		"rfcomm_channel": cfg.PBAP.RFCOMMChannel,
		"record_bytes":   len(record),
	}).Info("built PBAP SDP service record")

	sh := &serverHandler{log: log.WithField("side", "server")}
	server := pbap.NewServer(1, sh, log, 0xFEEDFACE)
	sh.server = server

	driver := &driverClient{log: log.WithField("side", "driver"), done: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Process(ctx)

	goepDriver, goepServer := goeploop.NewPair(1, 2, driver, server)
	driver.session = goepDriver
	server.Attach(goepServer)

	driver.pending = []func(){
		func() {
			enc := header.NewEncoder(byte(obex.OpSetPath))
			enc.AddSetPathFields(0)
			enc.AddUnicode(obex.HeaderName, "telecom")
			goepDriver.Send(enc.Finish())
		},
		func() {
			enc := header.NewEncoder(byte(obex.OpGetFinal))
			enc.AddBytes(obex.HeaderType, []byte("x-bt/phonebook\x00"))
			enc.AddUnicode(obex.HeaderName, "pb.vcf")
			appParams := []byte{byte(pbap.TagMaxListCount), 2, 0, 0}
			enc.AddBytes(obex.HeaderApplicationParameters, appParams)
			goepDriver.Send(enc.Finish())
		},
	}

	goepServer.Open(nil, true)
	goepDriver.Open(nil, false)

	<-driver.done
	os.Exit(0)
}
