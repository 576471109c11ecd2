package gateway

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nvidia/carriergate/internal/carrier"
	"github.com/nvidia/carriergate/internal/registry"
	"github.com/nvidia/carriergate/internal/wsconn"
)

// OutboundSession is the gateway's single persistent connection to one
// upstream service. All inbound clients whose requests target this
// service share it, funneled through the correlator's sequence rewrite.
type OutboundSession struct {
	service registry.Service
	corr    *Correlator

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func dialOutbound(svc registry.Service, corr *Correlator) (*OutboundSession, error) {
	u := url.URL{Scheme: "wss", Host: fmt.Sprintf("%s:%s", svc.Host, svc.Port)}
	conn, _, err := wsconn.NewDialer().Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing service %d at %s: %w", svc.ID, u.Host, err)
	}
	wsconn.Tune(conn)

	ob := &OutboundSession{service: svc, corr: corr, conn: conn}
	go ob.readLoop()
	return ob, nil
}

// readLoop consumes responses from the upstream service for as long as the
// connection lives, handing each one to the correlator for sequence
// restoration and delivery to the waiting inbound client. When the
// connection dies, the correlator is told so it can retire the pool entry
// and, depending on configuration, drop clients with requests still
// in flight against this service (SPEC_FULL.md Open Question (a)).
func (ob *OutboundSession) readLoop() {
	var env carrier.Envelope
	for {
		_, raw, err := ob.conn.ReadMessage()
		if err != nil {
			slog.Debug("outbound read error", "service", ob.service.ID, "error", err)
			break
		}
		if err := carrier.Decode(raw, &env); err != nil {
			slog.Debug("outbound: dropping malformed envelope", "service", ob.service.ID, "error", err)
			continue
		}
		ob.corr.ParseResponse(&env)
	}
	ob.corr.onUpstreamClosed(ob.service.ID)
	_ = ob.conn.Close()
}

func (ob *OutboundSession) write(b []byte) error {
	ob.writeMu.Lock()
	defer ob.writeMu.Unlock()
	return ob.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (ob *OutboundSession) close() {
	_ = ob.conn.Close()
}
