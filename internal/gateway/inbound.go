package gateway

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nvidia/carriergate/internal/carrier"
	"github.com/nvidia/carriergate/internal/wsconn"
)

// InboundSession is one TLS-WebSocket connection from a client. Its TLS
// handshake and WebSocket accept have already happened by the time Serve
// is called (the listener's http.Server + Upgrader do both). Serve then
// drives the Reading -> Dispatching -> AwaitingResponse state machine
// spec.md §4.5 describes.
type InboundSession struct {
	id   uint64
	conn *websocket.Conn
	corr *Correlator

	writeMu sync.Mutex // serializes writes to conn, per §5's per-connection discipline

	mu     sync.Mutex
	respCh chan []byte // armed per in-flight request; nil when idle or closed
	closed bool
}

func newInboundSession(id uint64, conn *websocket.Conn, corr *Correlator) *InboundSession {
	wsconn.Tune(conn)
	return &InboundSession{id: id, conn: conn, corr: corr}
}

// Serve reads client requests until the connection closes or errors. Each
// request is dispatched to the correlator; unknown services and malformed
// envelopes are dropped silently and reading continues, per spec.md §7.
func (s *InboundSession) Serve() {
	defer s.terminate()

	var env carrier.Envelope
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("inbound read error", "session", s.id, "error", err)
			}
			return
		}

		if err := carrier.Decode(raw, &env); err != nil {
			slog.Debug("inbound: dropping malformed envelope", "session", s.id, "error", err)
			continue
		}

		ob, ok := s.corr.ParseRequest(&env, s)
		if !ok {
			slog.Debug("inbound: dropping request for unknown service", "session", s.id, "service", env.Service)
			continue
		}

		ch := s.armResponse()
		if err := ob.write(carrier.EncodeBytes(&env)); err != nil {
			slog.Debug("inbound: upstream write failed, dropping request", "session", s.id, "service", env.Service, "error", err)
			s.disarmResponse(ch)
			continue
		}

		resp, ok := <-ch
		if !ok {
			return // session torn down while awaiting a response
		}

		if err := s.writeRaw(resp); err != nil {
			slog.Debug("inbound: write to client failed", "session", s.id, "error", err)
			return
		}
	}
}

// armResponse opens a fresh one-shot channel for the request about to be
// forwarded upstream, recording it as this session's only pending
// response slot — invariant 4 (§3) guarantees there is never more than one.
func (s *InboundSession) armResponse() chan []byte {
	ch := make(chan []byte, 1)
	s.mu.Lock()
	s.respCh = ch
	s.mu.Unlock()
	return ch
}

// disarmResponse clears a response slot that will never be filled, e.g.
// because the upstream write failed before a gateway_seq could be matched.
func (s *InboundSession) disarmResponse(ch chan []byte) {
	s.mu.Lock()
	if s.respCh == ch {
		s.respCh = nil
	}
	s.mu.Unlock()
}

// deliver hands a matched response's bytes to the goroutine blocked in
// Serve, waking it to write the response to the client. It is called from
// the owning OutboundSession's read loop, by way of the correlator
// resolving this session's weak handle — the caller must already have
// checked the session is alive, but deliver tolerates a closed session as
// a silent drop to make that check non-mandatory for correctness.
func (s *InboundSession) deliver(b []byte) {
	s.mu.Lock()
	ch := s.respCh
	s.respCh = nil
	closed := s.closed
	s.mu.Unlock()

	if closed || ch == nil {
		return
	}
	select {
	case ch <- b:
	default:
		// armResponse guarantees capacity 1 and single-writer; this should
		// be unreachable, but never block the outbound read loop on it.
	}
}

func (s *InboundSession) writeRaw(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, b)
}

// closeWithCode closes the underlying connection with the given WebSocket
// close code, used by the correlator to eagerly tear down clients whose
// upstream died (SPEC_FULL.md Open Question (a)). Serve may be parked on
// <-ch rather than ReadMessage at the time this is called — closing the
// connection alone would never wake it — so this also closes any armed
// response channel the same way terminate does, waking Serve with ok ==
// false so it returns and runs its own deferred terminate.
func (s *InboundSession) closeWithCode(code int, reason string) {
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	s.writeMu.Unlock()

	s.mu.Lock()
	ch := s.respCh
	s.respCh = nil
	s.mu.Unlock()
	if ch != nil {
		close(ch)
	}

	_ = s.conn.Close()
}

func (s *InboundSession) terminate() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ch := s.respCh
	s.respCh = nil
	s.mu.Unlock()

	if ch != nil {
		close(ch)
	}
	_ = s.conn.Close()
	s.corr.forgetInbound(s)
}

func (s *InboundSession) String() string {
	return fmt.Sprintf("inbound#%d", s.id)
}
