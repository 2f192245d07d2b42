package srcon

import (
	"fmt"

	"golang.org/x/xerrors"
)

var (
	// ErrConnectionClosed is returned when the server closes the connection
	// between frames.
	ErrConnectionClosed = xerrors.New("connection closed")
	// ErrAuthFailed is returned by a session whose password was rejected.
	ErrAuthFailed = xerrors.New("authentication attempt failed")
)

// ResolutionError is returned when the host has no usable address.
type ResolutionError struct {
	Host string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("unknown address %s: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ConnectError is returned when the TCP connection cannot be opened. Err
// holds the reason reported by the operating system.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("could not connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError is returned when a frame could not be written in full.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ConnectionError is a transport failure while receiving.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("receive: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
