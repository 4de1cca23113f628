package views

import (
	"errors"
	"fmt"

	"github.com/danmuck/viewsctl/internal/protocol/schema"
)

var (
	ErrEndpointRequired = errors.New("views: endpoint required")

	// ErrNotConnected is returned by request methods invoked before Open
	// or after Close.
	ErrNotConnected = errors.New("views: not connected")
	// ErrAlreadyOpen is returned by Open on a session that is already open.
	ErrAlreadyOpen = errors.New("views: session already open")
	// ErrSessionClosed is returned by Open on a closed session; closed
	// sessions cannot be reopened.
	ErrSessionClosed = errors.New("views: session closed")
)

// ConnectError wraps failures to establish or register a session.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("views: connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError wraps an I/O or codec failure during one call. The session
// is no longer usable after one of these.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("views: %s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a well-formed error response from the service. The session
// stays usable.
type StatusError struct {
	Op      string
	Code    uint32
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("views: %s: %s", e.Op, schema.StatusName(e.Code))
	}
	return fmt.Sprintf("views: %s: %s: %s", e.Op, schema.StatusName(e.Code), e.Message)
}

// IsNotFound reports whether err is a not_found status response.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == schema.StatusNotFound
}

// IsUnauthorized reports whether err is an unauthorized status response.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == schema.StatusUnauthorized
}
