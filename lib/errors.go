package lib

import "github.com/pkg/errors"

// Resource errors are retryable; the caller may back off and try again.
var (
	ErrPortInUse      = errors.New("port is already bound")
	ErrPortsExhausted = errors.New("ephemeral port range exhausted")
	ErrBufferFull     = errors.New("buffer is full")
)

// Protocol-fatal errors terminate the connection and are surfaced exactly
// once to whoever is waiting on it.
var (
	ErrConnectionReset  = errors.New("connection reset by peer")
	ErrMaxRetries       = errors.New("maximum retransmissions exceeded")
	ErrKeepaliveTimeout = errors.New("keepalive probes exhausted")
	ErrConnectionClosed = errors.New("connection is closed")
)
