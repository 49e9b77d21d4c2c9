package model

import "errors"

// Error kinds shared by every component. Callers match with errors.Is.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnknownAsset      = errors.New("unknown asset")
	ErrUnverified        = errors.New("event not verified")
	ErrDuplicateEvent    = errors.New("duplicate event")
	ErrSupplyCapExceeded = errors.New("supply cap exceeded")
	ErrNoRouteFound      = errors.New("no route found")
	ErrStalePrice        = errors.New("price feed stale")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrIncompatible      = errors.New("positions not compatible")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("concurrent update conflict")
)

// IsRetryable reports whether err is a "try again later" failure rather
// than one that will never succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStalePrice) || errors.Is(err, ErrConflict)
}

// ErrorKind returns a stable machine-readable name for err.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUnknownAsset):
		return "unknown_asset"
	case errors.Is(err, ErrUnverified):
		return "unverified"
	case errors.Is(err, ErrDuplicateEvent):
		return "duplicate_event"
	case errors.Is(err, ErrSupplyCapExceeded):
		return "supply_cap_exceeded"
	case errors.Is(err, ErrNoRouteFound):
		return "no_route_found"
	case errors.Is(err, ErrStalePrice):
		return "stale_price"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrIncompatible):
		return "incompatible"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	}
	return "internal"
}
