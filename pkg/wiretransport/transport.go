// Package wiretransport carries wire.Envelope messages over a single
// WebSocket connection, the reference transport for the sync protocol.
package wiretransport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webpubdev/webpub/pkg/wire"
)

// FrameConn reads and writes whole wire.Envelope messages over a
// connection; each call to ReadEnvelope/WriteEnvelope corresponds to
// exactly one binary frame on the wire.
type FrameConn interface {
	ReadEnvelope() (*wire.Envelope, error)
	WriteEnvelope(*wire.Envelope) error
	Close() error
}

// wsConn adapts a *websocket.Conn into a FrameConn, ignoring any
// non-binary frame (ping/pong/text) a peer happens to send.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadEnvelope() (*wire.Envelope, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read websocket frame: %w", err)
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		var e wire.Envelope
		if err := e.Unmarshal(data); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		return &e, nil
	}
}

func (c *wsConn) WriteEnvelope(e *wire.Envelope) error {
	data, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The sync protocol is deployed behind an operator-controlled reverse
	// proxy or directly by the publishing client; origin checks belong to
	// that outer layer, not here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Accept upgrades an incoming HTTP request to a WebSocket connection and
// returns it as a FrameConn.
func Accept(w http.ResponseWriter, r *http.Request) (FrameConn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade websocket connection: %w", err)
	}
	return &wsConn{ws: ws}, nil
}

// Dial connects to a sync server at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (FrameConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsConn{ws: ws}, nil
}
