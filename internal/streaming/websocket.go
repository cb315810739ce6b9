// SPDX-License-Identifier:Apache-2.0

package streaming

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/flagsync/flagsync/internal/status"
)

const (
	closeWriteTimeout   = time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// WebsocketDialer is the Dialer used in production.
type WebsocketDialer struct {
	// Dialer defaults to websocket.DefaultDialer. Proxy and TLS settings
	// are configured on it.
	Dialer *websocket.Dialer
	// WriteTimeout bounds every message write. Defaults to
	// DefaultWriteTimeout.
	WriteTimeout time.Duration
}

var _ Dialer = &WebsocketDialer{}

func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	c, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
				return nil, &CloseError{Code: CloseRequestInvalid, Reason: "handshake rejected: " + resp.Status}
			}
		}
		return nil, classifyTransport(errors.Wrapf(err, "dial %s", redact(rawURL)))
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &wsConn{c: c, writeTimeout: writeTimeout}, nil
}

type wsConn struct {
	c            *websocket.Conn
	writeTimeout time.Duration
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	if err != nil {
		return nil, classifyTransport(err)
	}
	return data, nil
}

func (w *wsConn) WriteMessage(data []byte) error {
	if err := w.c.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return classifyTransport(err)
	}
	if err := w.c.WriteMessage(websocket.TextMessage, data); err != nil {
		return classifyTransport(err)
	}
	return nil
}

func (w *wsConn) Close(code int, reason string) error {
	werr := w.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWriteTimeout))
	cerr := w.c.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return classifyTransport(werr)
	}
	return cerr
}

// classifyTransport turns a gorilla/websocket or network error into a
// *CloseError or *TransportError.
func classifyTransport(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		// 1006 is never sent on the wire: the connection dropped without
		// a close frame.
		if ce.Code == websocket.CloseAbnormalClosure {
			return &TransportError{Kind: status.ErrorKindWebsocket, Err: err}
		}
		return &CloseError{Code: ce.Code, Reason: ce.Text}
	}

	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout(),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, websocket.ErrBadHandshake):
		return &TransportError{Kind: status.ErrorKindWebsocket, Err: err}
	case errors.As(err, &ne),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF):
		return &TransportError{Kind: status.ErrorKindNetwork, Err: err}
	}
	return &TransportError{Kind: status.ErrorKindUnknown, Err: err}
}

// redact drops the query string, which carries the token.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
