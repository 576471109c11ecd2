package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nvidia/carriergate/internal/carrier"
	"github.com/nvidia/carriergate/internal/registry"
)

// wsConnPair spins up a real WebSocket handshake over an httptest server
// and returns both ends, so tests can exercise InboundSession methods
// that touch the underlying gorilla connection (writes, close frames)
// without hand-rolling a fake.
func wsConnPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	var upgrader websocket.Upgrader
	serverConns := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade: %v", err)
			return
		}
		serverConns <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	select {
	case sc := <-serverConns:
		t.Cleanup(func() { _ = sc.Close() })
		return sc, c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side upgrade")
		return nil, nil
	}
}

func newRunningCorrelator(t *testing.T, drop bool) *Correlator {
	t.Helper()
	reg := &registry.Registry{}
	corr := NewCorrelator(reg, drop)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go corr.Run(ctx)
	return corr
}

func TestParseRequestRewritesSeqAndParseResponseRestoresIt(t *testing.T) {
	corr := newRunningCorrelator(t, true)

	serverConn, _ := wsConnPair(t)
	in := newInboundSession(1, serverConn, corr)

	ob := &OutboundSession{service: registry.Service{ID: 7}, corr: corr}
	executorSet(t, corr, 7, ob)

	env := &carrier.Envelope{Seq: 42, Service: 7, Message: []byte("hello")}
	gotOb, ok := corr.ParseRequest(env, in)
	if !ok || gotOb != ob {
		t.Fatalf("ParseRequest: ok=%v ob=%v", ok, gotOb)
	}
	if env.Seq == 42 {
		t.Fatal("ParseRequest did not rewrite the sequence number")
	}
	gatewaySeq := env.Seq

	ch := in.armResponse()

	resp := &carrier.Envelope{Seq: gatewaySeq, Service: 7, Message: []byte("world")}
	corr.ParseResponse(resp)

	select {
	case b := <-ch:
		var decoded carrier.Envelope
		if err := carrier.Decode(b, &decoded); err != nil {
			t.Fatalf("decode delivered response: %v", err)
		}
		if decoded.Seq != 42 {
			t.Fatalf("delivered seq = %d, want original 42", decoded.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("response was never delivered to the inbound session")
	}
}

func TestParseRequestUnknownServiceMisses(t *testing.T) {
	corr := newRunningCorrelator(t, true)
	serverConn, _ := wsConnPair(t)
	in := newInboundSession(1, serverConn, corr)

	env := &carrier.Envelope{Seq: 1, Service: 99}
	_, ok := corr.ParseRequest(env, in)
	if ok {
		t.Fatal("expected ParseRequest to miss for an unregistered service")
	}
}

func TestParseResponseUnknownSeqIsSilentlyDropped(t *testing.T) {
	corr := newRunningCorrelator(t, true)
	env := &carrier.Envelope{Seq: 999, Service: 1}
	corr.ParseResponse(env) // must not panic or block
}

func TestOnUpstreamClosedDropsInFlightClientsWhenConfigured(t *testing.T) {
	corr := newRunningCorrelator(t, true)

	serverConn, clientConn := wsConnPair(t)
	in := newInboundSession(1, serverConn, corr)

	// Serve must actually reach its AwaitingResponse state (blocked on
	// <-ch, not on ReadMessage) for this test to exercise the
	// goroutine-leak path: before the fix, closeWithCode closed the
	// connection but never touched ch, so a Serve parked there hung
	// forever. A real outbound leg lets ob.write succeed so Serve gets
	// past the write and into that blocked state on its own.
	obConn, _ := wsConnPair(t)
	ob := &OutboundSession{service: registry.Service{ID: 5}, corr: corr, conn: obConn}
	executorSet(t, corr, 5, ob)

	serveDone := make(chan struct{})
	go func() {
		in.Serve()
		close(serveDone)
	}()

	req := &carrier.Envelope{Seq: 1, Service: 5, Message: []byte("ping")}
	if err := clientConn.WriteMessage(websocket.BinaryMessage, carrier.EncodeBytes(req)); err != nil {
		t.Fatalf("client write: %v", err)
	}

	// Give Serve a moment to read the request, forward it, and block on
	// the response channel before pulling the upstream out from under it.
	time.Sleep(100 * time.Millisecond)

	corr.onUpstreamClosed(5)

	_ = clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := clientConn.ReadMessage()
	if err == nil {
		t.Fatal("expected client connection to be closed after upstream death")
	}

	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve goroutine leaked: never returned after closeWithCode")
	}
}

func TestOnUpstreamClosedLeavesClientsWhenNotConfigured(t *testing.T) {
	corr := newRunningCorrelator(t, false)

	serverConn, _ := wsConnPair(t)
	in := newInboundSession(1, serverConn, corr)

	ob := &OutboundSession{service: registry.Service{ID: 5}, corr: corr}
	executorSet(t, corr, 5, ob)

	env := &carrier.Envelope{Seq: 1, Service: 5}
	if _, ok := corr.ParseRequest(env, in); !ok {
		t.Fatal("ParseRequest should have found service 5")
	}

	corr.onUpstreamClosed(5)

	// No assertion beyond "did not panic": without dropOnUpstreamDeath the
	// in-flight row for service 5 is simply abandoned, matching the
	// original implementation's unconditional responses.erase(service).
}

// executorSet installs an outbound session directly into the
// correlator's map via its own executor, the same path production code
// uses, so tests don't need an export or a real dial.
func executorSet(t *testing.T, corr *Correlator, serviceID uint32, ob *OutboundSession) {
	t.Helper()
	doneCh := make(chan struct{})
	corr.exec.Submit(func() {
		corr.outbound[serviceID] = ob
		close(doneCh)
	})
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("timed out installing outbound session")
	}
}
