package syncer

import (
	"context"
	"errors"

	"maunium.net/go/mautrix"
)

// ErrorClass buckets RPC failures into the sync loop's retry policies.
type ErrorClass int

const (
	// ErrClassTransient covers network-level failures and the
	// transient-gateway statuses. Retried immediately and indefinitely.
	ErrClassTransient ErrorClass = iota
	// ErrClassAuth means the access token is no longer valid. Fatal to the
	// loop; surfaced once as a login-required signal.
	ErrClassAuth
	// ErrClassProtocol is any other server-reported error. The incremental
	// loop logs it and reschedules after a fixed delay.
	ErrClassProtocol
	// ErrClassCanceled means the request context was canceled locally
	// (connectivity loss or shutdown), not a server failure.
	ErrClassCanceled
)

func (c ErrorClass) String() string {
	switch c {
	case ErrClassTransient:
		return "transient"
	case ErrClassAuth:
		return "auth"
	case ErrClassProtocol:
		return "protocol"
	case ErrClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// transientGatewayStatuses are treated as "server still warming up" rather
// than failures. 524 is Cloudflare's origin timeout.
func isTransientGatewayStatus(status int) bool {
	return status == 502 || status == 504 || status == 524
}

// ClassifyRPCError maps an error returned by a Client call onto the retry
// taxonomy. Anything that never reached HTTP (or produced a nonsensical
// status) is transient; a rejected token is auth; the rest is protocol.
func ClassifyRPCError(err error) ErrorClass {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrClassCanceled
	}
	if errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MMissingToken) {
		return ErrClassAuth
	}
	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) {
		return ErrClassTransient
	}
	status := 0
	if httpErr.Response != nil {
		status = httpErr.Response.StatusCode
	}
	if status < 100 || status > 599 || isTransientGatewayStatus(status) {
		return ErrClassTransient
	}
	if status == 401 {
		return ErrClassAuth
	}
	return ErrClassProtocol
}

// isNotFound reports whether the server answered 404. Used by the initial
// key upload, where a missing endpoint means "server does not support key
// upload" and is treated as success.
func isNotFound(err error) bool {
	if errors.Is(err, mautrix.MNotFound) {
		return true
	}
	var httpErr mautrix.HTTPError
	return errors.As(err, &httpErr) && httpErr.Response != nil && httpErr.Response.StatusCode == 404
}
