package billing

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUpstream     = errors.New("upstream failure")
)

// Kind names used when errors cross a service boundary.
const (
	KindNotFound     = "not_found"
	KindConflict     = "conflict"
	KindInvalidState = "invalid_state"
	KindUpstream     = "upstream_failure"
	KindInternal     = "internal"
)

// KindOf classifies err into one of the error kinds.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrUpstream):
		return KindUpstream
	default:
		return KindInternal
	}
}
