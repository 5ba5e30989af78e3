// Command opp-demo drives the literal OPP end-to-end scenarios of
// spec.md §8 (PUT vCard, GET default object) over an in-memory GOEP
// loopback, mirroring the teacher's cmd/canopen demo driver style: wire
// up the stack, log every event, exit.
package main

import (
	"context"
	"net"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/obexstack/obex"
	"github.com/obexstack/obex/internal/logging"
	"github.com/obexstack/obex/pkg/goeploop"
	"github.com/obexstack/obex/pkg/opp"
	"github.com/obexstack/obex/pkg/profileconfig"
	"github.com/obexstack/obex/pkg/sdp"
)

const sampleVCard = "BEGIN:VCARD\nVERSION:2.1\nN:Doe;John\nTEL:+15551234567\nEND:VCARD\n"

type clientHandler struct {
	log  *logrus.Entry
	done chan struct{}
}

func (h *clientHandler) HandleOPPEvent(ev opp.Event) {
	h.log.WithField("kind", ev.Kind).Info("client event")
	if ev.Kind == opp.EventOperationCompleted {
		close(h.done)
	}
}

type serverHandler struct {
	log    *logrus.Entry
	server *opp.Server
}

func (h *serverHandler) HandleOPPEvent(ev opp.Event) {
	h.log.WithField("kind", ev.Kind).Info("server event")
	switch ev.Kind {
	case opp.EventPushObject:
		h.log.WithFields(logrus.Fields{"name": ev.Name, "type": ev.Type, "size": ev.Size}).Info("receiving pushed object")
	case opp.EventPullDefaultObject:
		body := []byte(sampleVCard)
		if err := h.server.SendPullResponse(obex.RspSuccess, 0, body, true); err != nil {
			h.log.WithError(err).Error("send_pull_response failed")
		}
	}
}

func main() {
	log := logrus.NewEntry(logging.New(logging.Config{}))

	cfg := profileconfig.Default()
	record := sdp.OPPRecord(sdp.OPPRecordParams{
		RFCOMMChannel:    cfg.OPP.RFCOMMChannel,
		L2CAPPSM:         cfg.OPP.L2CAPPSM,
		HasL2CAPPSM:      cfg.OPP.HasL2CAPPSM,
		SupportedFormats: cfg.OPP.SupportedFormats,
	})
	log.WithFields(logrus.Fields{
		"rfcomm_channel": cfg.OPP.RFCOMMChannel,
		"record_bytes":   len(record),
	}).Info("built OPP SDP service record")

	clientDone := make(chan struct{})
	ch := &clientHandler{log: log.WithField("side", "client"), done: clientDone}
	client := opp.NewClient(1, ch, log)

	sh := &serverHandler{log: log.WithField("side", "server")}
	server := opp.NewServer(1, sh, log, 0xC0FFEE)
	sh.server = server

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Process(ctx)

	addrClient := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	addrServer := net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	goepClient, goepServer := goeploop.NewPair(1, 2, client, server)
	if err := client.Connect(goepClient); err != nil {
		log.WithError(err).Fatal("connect failed")
	}
	server.Attach(goepServer)
	goepServer.Open(addrClient, true)
	goepClient.Open(addrServer, false)

	<-clientDone
	os.Exit(0)
}
