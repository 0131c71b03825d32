package apierr

import (
	"context"
	"errors"
	"io"
	"net"
)

// isNetworkTransient reports whether err looks like a transient network
// failure worth retrying in-band: a timeout, a connection reset, or a
// context deadline exceeded at the RPC-call scope (not the whole-request
// scope, which is handled by the timeout middleware).
func isNetworkTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
