// Package gorilla adapts github.com/gorilla/websocket to the progress
// client's Dialer and Conn interfaces.
package gorilla

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/JakeFAU/conversion-progress/internal/progress"
)

const (
	defaultWriteTimeout = 5 * time.Second
	closeGracePeriod    = time.Second
	tracerName          = "github.com/JakeFAU/conversion-progress/internal/transport/gorilla"
)

// Options tune the websocket dialer.
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

// Dialer opens websocket connections.
type Dialer struct {
	ws           *websocket.Dialer
	header       http.Header
	writeTimeout time.Duration
}

var _ progress.Dialer = (*Dialer)(nil)

// NewDialer builds a Dialer that honours proxy settings from the environment.
func NewDialer(opts Options) *Dialer {
	ws := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	if ws.HandshakeTimeout <= 0 {
		ws.HandshakeTimeout = websocket.DefaultDialer.HandshakeTimeout
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Dialer{ws: ws, header: opts.Header.Clone(), writeTimeout: writeTimeout}
}

// Dial performs the websocket handshake against endpoint.
func (d *Dialer) Dial(ctx context.Context, endpoint string) (progress.Conn, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "progress.dial")
	defer span.End()
	span.SetAttributes(attribute.String("ws.endpoint", endpoint))

	conn, resp, err := d.ws.DialContext(ctx, endpoint, d.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		} else {
			err = fmt.Errorf("dial %s: %w", endpoint, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		return nil, err
	}
	return &Conn{ws: conn, writeTimeout: d.writeTimeout}, nil
}

// Conn wraps a websocket connection carrying text frames.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

// ReadMessage returns the next data frame. A normal or going-away close from
// the server is reported wrapped in progress.ErrPeerClosed.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if isNormalClose(err) {
			return nil, fmt.Errorf("read frame: %w: %w", progress.ErrPeerClosed, err)
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return data, nil
}

// WriteMessage sends data as a single text frame.
func (c *Conn) WriteMessage(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close sends a normal-closure frame and closes the socket.
func (c *Conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	// The peer may already be gone; the socket is closed regardless.
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	if err := c.ws.Close(); err != nil {
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}

// isNormalClose reports whether err is a normal or going-away close from the peer.
func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
}
