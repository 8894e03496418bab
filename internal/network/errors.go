package network

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a connection was closed.
type ErrorKind int

const (
	KindFraming   ErrorKind = iota // Malformed bytes on the wire
	KindAuth                       // Credentials rejected; a typed response was sent
	KindSequence                   // Valid packet at the wrong time
	KindTamper                     // Tag verification failed
	KindTransport                  // Socket error, timeout or write queue overflow
)

var errorKindNames = map[ErrorKind]string{
	KindFraming:   "framing",
	KindAuth:      "auth",
	KindSequence:  "sequence",
	KindTamper:    "tamper",
	KindTransport: "transport",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ConnError is the reason a connection was closed.
type ConnError struct {
	Kind  ErrorKind
	Msg   string
	Inner error
}

func (e *ConnError) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Inner)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *ConnError) Unwrap() error {
	return e.Inner
}

func newError(kind ErrorKind, msg string) *ConnError {
	return &ConnError{Kind: kind, Msg: msg}
}

func wrapError(kind ErrorKind, msg string, inner error) *ConnError {
	return &ConnError{Kind: kind, Msg: msg, Inner: inner}
}

// IsKind reports whether err is a ConnError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *ConnError
	return errors.As(err, &ce) && ce.Kind == kind
}

var (
	errConnectionClosed  = errors.New("connection closed")
	ErrTransportClosed   = errors.New("transport closed")
	ErrWriteQueueFull    = errors.New("write queue full")
	ErrConnectionLimited = errors.New("connection limit reached")
)
