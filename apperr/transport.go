package apperr

import (
	"context"
	"errors"
	"net"
	"net/url"
	"os"
	"syscall"
)

// FromTransport classifies network-level failures surfaced by the networked
// backend or an HTTP collaborator. It returns nil when err is not one.
func FromTransport(err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ConnectionRefused(err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Timeout(err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Timeout(err)
		}
		return Transport(err)
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return Transport(err)
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return Transport(err)
	}
	return nil
}
