// Package errs defines the closed set of error kinds surfaced across HTTP,
// WebSocket, and Job handlers. Callers compare with errors.Is; handlers
// never leak a raw internal error to a client.
package errs

import "errors"

var (
	ErrBadRequest      = errors.New("bad_request")
	ErrAuthFailed      = errors.New("auth_failed")
	ErrSessionExpired  = errors.New("session_expired")
	ErrUsernameExists  = errors.New("username_exists")
	ErrEmailExists     = errors.New("email_exists")
	ErrNotFound        = errors.New("not_found")
	ErrStoreUnavailable = errors.New("store_unavailable")
	ErrEdgeUnreachable  = errors.New("edge_unreachable")
	ErrInternal         = errors.New("internal")
)

// ID returns the public-facing identifier for a known error kind, or
// "INTERNAL" for anything unrecognized. Handlers use this to build the
// {id, message} response bodies in §6 without ever echoing err.Error()
// for unrecognized errors.
func ID(err error) string {
	switch {
	case errors.Is(err, ErrBadRequest):
		return "BAD_REQUEST"
	case errors.Is(err, ErrAuthFailed):
		return "LOGIN_FAILED"
	case errors.Is(err, ErrSessionExpired):
		return "SESSION_EXPIRED"
	case errors.Is(err, ErrUsernameExists):
		return "USERNAME_EXISTS"
	case errors.Is(err, ErrEmailExists):
		return "EMAIL_EXISTS"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrStoreUnavailable):
		return "STORE_UNAVAILABLE"
	case errors.Is(err, ErrEdgeUnreachable):
		return "EDGE_UNREACHABLE"
	default:
		return "INTERNAL"
	}
}
