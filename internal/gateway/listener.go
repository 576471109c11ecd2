package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sys/unix"

	"github.com/nvidia/carriergate/internal/registry"
	"github.com/nvidia/carriergate/internal/tlsconf"
	"github.com/nvidia/carriergate/internal/wsconn"
)

// Listener accepts TLS-WebSocket connections on a single path-agnostic
// route and hands each one off to a new InboundSession, matching the
// original listener class's do_accept()/on_accept() loop.
type Listener struct {
	addr string
	tls  *tlsconf.Pair
	corr *Correlator

	server   *http.Server
	nextConn uint64
}

func NewListener(addr string, tlsPair *tlsconf.Pair, reg *registry.Registry, dropOnUpstreamDeath bool) *Listener {
	corr := NewCorrelator(reg, dropOnUpstreamDeath)
	l := &Listener{addr: addr, tls: tlsPair, corr: corr}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", l.handleHealthz).Methods(http.MethodGet)
	router.PathPrefix("/").HandlerFunc(l.handleUpgrade)

	l.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		TLSConfig:    tlsPair.Server,
		ReadTimeout:  0, // connections are long-lived WebSocket sessions
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return l
}

func (l *Listener) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.NewUpgrader().Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("listener: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	id := atomic.AddUint64(&l.nextConn, 1)
	sess := newInboundSession(id, conn, l.corr)
	go sess.Serve()
}

// ListenAndServe dials every configured outbound service, then accepts
// inbound connections until ctx is cancelled. On cancellation it stops
// accepting, gives non-WebSocket HTTP requests up to shutdownGrace to
// finish, then closes every outbound session and returns. Upgraded
// WebSocket connections are hijacked from the http.Server, so Shutdown
// neither waits for their in-flight requests nor closes them.
func (l *Listener) ListenAndServe(ctx context.Context, shutdownGrace time.Duration) error {
	corrCtx, stopCorr := context.WithCancel(context.Background())
	defer stopCorr()
	go l.corr.Run(corrCtx)

	l.corr.dialAll()

	ln, err := reuseAddrListener(l.addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- l.server.ServeTLS(ln, "", "")
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := l.server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("listener: shutdown did not complete cleanly", "error", err)
	}

	// shutdown() submits work to the correlator's executor and waits for
	// it to run, so the executor's worker (started via corrCtx above)
	// must still be alive here. stopCorr (deferred) only cancels corrCtx
	// as a backstop once this function returns — it must not run first.
	l.corr.shutdown()
	return nil
}

// reuseAddrListener binds addr with SO_REUSEADDR set, matching the
// original implementation's reuse_address(true) acceptor option so a
// restarted gateway can rebind immediately after a crash.
func reuseAddrListener(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}
