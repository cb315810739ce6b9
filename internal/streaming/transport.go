// SPDX-License-Identifier:Apache-2.0

package streaming

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	"github.com/flagsync/flagsync/internal/status"
)

// Dialer opens streaming connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Conn is one open streaming connection. ReadMessage is only called from
// one goroutine; WriteMessage and Close are serialized by the caller.
//
// Errors returned by a Conn should be a *CloseError when the connection
// was closed with a close code, or a *TransportError otherwise.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// Close sends a close frame with code and reason, then releases the
	// connection.
	Close(code int, reason string) error
}

// CloseError reports that the connection was closed with a close code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed with code %d: %s", e.Code, e.Reason)
}

// TransportError is a connection failure, classified by the transport.
type TransportError struct {
	Kind status.ErrorKind
	Err  error
}

func (e *TransportError) Error() string { return e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// RuntimeError is an unexpected failure while handling a message.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string { return "runtime error: " + e.Err.Error() }

func (e *RuntimeError) Unwrap() error { return e.Err }

// errorKind maps a failure to the kind recorded on the connection state.
// Anything unrecognized is reported as unknown, which is retried.
func errorKind(err error) status.ErrorKind {
	var (
		de *DataError
		re *RuntimeError
		te *TransportError
	)
	switch {
	case errors.As(err, &de):
		return status.ErrorKindDataInvalid
	case errors.As(err, &re):
		return status.ErrorKindRuntime
	case errors.As(err, &te):
		return te.Kind
	}
	return status.ErrorKindUnknown
}
