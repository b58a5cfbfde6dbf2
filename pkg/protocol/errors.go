package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// ErrorKind groups transport failures by how the health monitor treats them.
type ErrorKind int

const (
	// KindUnknown is any failure that matches nothing else.
	KindUnknown ErrorKind = iota
	// KindRefused means nobody was listening at the peer address.
	KindRefused
	// KindTimeout means the peer did not answer in time.
	KindTimeout
	// KindBrokenPipe means the peer closed the connection mid-exchange.
	KindBrokenPipe
)

func (k ErrorKind) String() string {
	switch k {
	case KindRefused:
		return "refused"
	case KindTimeout:
		return "timeout"
	case KindBrokenPipe:
		return "broken_pipe"
	default:
		return "unknown"
	}
}

// CountsAsFailure reports whether the kind advances a node's consecutive failure count.
func (k ErrorKind) CountsAsFailure() bool {
	return k != KindBrokenPipe
}

// Classify maps a transport error to its ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindRefused
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return KindBrokenPipe
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnknown
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	return err != nil && Classify(err) == KindTimeout
}
