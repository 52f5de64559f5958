package bridge

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/coder/websocket"
)

// ErrBinaryFrame is returned by Conn.Read for non-text client frames.
var ErrBinaryFrame = errors.New("binary frame")

// Conn is the client side of a session: one JSON document per frame.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// WebSocketConn adapts a websocket connection to Conn.
func WebSocketConn(c *websocket.Conn) Conn { return wsConn{c: c} }

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return data, ErrBinaryFrame
	}
	return data, nil
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close(code websocket.StatusCode, reason string) error {
	return w.c.Close(code, truncateReason(reason, maxCloseReason))
}

// close reasons are limited to 123 bytes on the wire
const maxCloseReason = 120

// truncateReason cuts s to at most max bytes without splitting a rune.
func truncateReason(s string, max int) string {
	if len(s) <= max {
		return s
	}
	n := max
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
