// Package wsconn centralizes the WebSocket framing parameters both legs of
// the gateway share: permessage-deflate tuning, buffer sizes, and the
// maximum inbound message size. Keeping them in one place guarantees the
// inbound and outbound sockets negotiate identically, the way the original
// implementation's setup_stream() applied the same options to both.
package wsconn

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeBufferSize  = 8 * 1024
	readBufferSize   = 8 * 1024
	maxMessageBytes  = 64 * 1024 * 1024
	handshakeTimeout = 10 * time.Second
)

// NewUpgrader returns the server-side Upgrader used to accept inbound
// client connections. CheckOrigin is permissive: the gateway has no
// browser-origin notion of its own clients, and Non-goals exclude
// authentication at this layer.
func NewUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:    readBufferSize,
		WriteBufferSize:   writeBufferSize,
		EnableCompression: true,
		CheckOrigin:       func(*http.Request) bool { return true },
	}
}

// NewDialer returns the client-side Dialer used to connect outbound
// sessions to upstream services.
func NewDialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout:  handshakeTimeout,
		ReadBufferSize:    readBufferSize,
		WriteBufferSize:   writeBufferSize,
		EnableCompression: true,
	}
}

// Tune enables write compression at level 9 and sets the 64 MiB inbound
// message limit on a freshly established connection (inbound or
// outbound). The deflate memory level and frame fragmentation are not
// configured. Call it once, right after the handshake completes, before
// the first read.
func Tune(conn *websocket.Conn) {
	conn.EnableWriteCompression(true)
	_ = conn.SetCompressionLevel(9) // 9 is always in gorilla/websocket's valid range
	conn.SetReadLimit(maxMessageBytes)
}
