package model

import "errors"

// Error kinds. Adapters wrap their causes with one of these so callers can
// branch with errors.Is.
var (
	ErrAuth     = errors.New("auth error")
	ErrNetwork  = errors.New("network error")
	ErrProtocol = errors.New("protocol error")
	ErrParse    = errors.New("parse error")
	ErrIO       = errors.New("io error")
)

// Kind returns a short label for the error kind of err, or "unknown".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrIO):
		return "io"
	default:
		return "unknown"
	}
}
