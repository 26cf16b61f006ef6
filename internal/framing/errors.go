package framing

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// IsRemoteClosed reports whether err means the peer is gone.
func IsRemoteClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRemoteClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// IsTimeout reports whether err is a deadline or credit timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCreditTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsFatal reports whether the connection cannot be used after err.
func IsFatal(err error) bool {
	return IsRemoteClosed(err) || errors.Is(err, ErrInvalidHeader) || errors.Is(err, ErrClosed)
}
