// SPDX-License-Identifier:Apache-2.0

package status

import (
	"fmt"
	"time"
)

// State is the connectivity and readiness of the synchronizer.
type State string

const (
	// Initializing: no data has been applied since startup.
	Initializing State = "INITIALIZING"
	// OK: the last data received was applied.
	OK State = "OK"
	// Interrupted: the connection was lost or data could not be applied
	// after a successful start. Reads keep serving the last data.
	Interrupted State = "INTERRUPTED"
	// Off is terminal: the synchronizer will not reconnect.
	Off State = "OFF"
)

// ErrorKind classifies the failure attached to a state transition.
type ErrorKind string

const (
	ErrorKindNetwork          ErrorKind = "network error"
	ErrorKindWebsocket        ErrorKind = "websocket error"
	ErrorKindRuntime          ErrorKind = "runtime error"
	ErrorKindUnknown          ErrorKind = "unknown error"
	ErrorKindDataInvalid      ErrorKind = "received data invalid"
	ErrorKindStore            ErrorKind = "data store error"
	ErrorKindUnknownCloseCode ErrorKind = "unknown close code"
	ErrorKindRequestInvalid   ErrorKind = "request invalid"
	ErrorKindRetriesExhausted ErrorKind = "retries exhausted"
)

// Retryable reports whether the synchronizer keeps reconnecting after an
// error of this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindDataInvalid, ErrorKindRequestInvalid, ErrorKindRetriesExhausted:
		return false
	}
	return true
}

// ErrorInfo describes why the synchronizer left a healthy state.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// NewError returns an ErrorInfo stamped with the current time.
func NewError(kind ErrorKind, format string, args ...interface{}) *ErrorInfo {
	return &ErrorInfo{Kind: kind, Message: fmt.Sprintf(format, args...), Time: time.Now()}
}

func (e *ErrorInfo) String() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ConnectionState is one recorded state transition.
type ConnectionState struct {
	State State      `json:"state"`
	Since time.Time  `json:"since"`
	Error *ErrorInfo `json:"error,omitempty"`
}

func (c ConnectionState) String() string {
	if c.Error == nil {
		return fmt.Sprintf("%s since %s", c.State, c.Since.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s since %s (%s)", c.State, c.Since.Format(time.RFC3339), c.Error)
}
