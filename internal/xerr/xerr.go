// Package xerr defines the error taxonomy the connection-lifecycle core
// surfaces to callers and observers (spec.md §7).
package xerr

import (
	"errors"
	"fmt"
)

// Kind classifies the abstract error taxonomy from spec.md §7.
type Kind int

const (
	// KindAddrError means address resolution failed.
	KindAddrError Kind = iota
	// KindRouteError means route resolution failed.
	KindRouteError
	// KindConnectError means the CM handshake failed generically.
	KindConnectError
	// KindUnreachable means the peer was unreachable.
	KindUnreachable
	// KindRefused means the peer rejected the connection request.
	KindRefused
	// KindNoDevice means the device/port referenced by a CM event is not
	// in the registry.
	KindNoDevice
	// KindOutOfMemory means an allocation (slab, pool, CQ grow, rkey
	// table) failed.
	KindOutOfMemory
	// KindCqOverflow means alloc_slots could not satisfy a request and
	// the CQ could not grow.
	KindCqOverflow
	// KindMapError means a DMA map or unmap call failed.
	KindMapError
	// KindRkeyUnknown means a peer remote-key was not found in the
	// translation table.
	KindRkeyUnknown
	// KindNotSupported means an optional feature was requested on a
	// device that lacks it (e.g. MEM_MGT_EXTENSIONS for fast
	// registration).
	KindNotSupported
	// KindFatal means a CM-handler failure left the connection unusable.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindAddrError:
		return "addr_error"
	case KindRouteError:
		return "route_error"
	case KindConnectError:
		return "connect_error"
	case KindUnreachable:
		return "unreachable"
	case KindRefused:
		return "refused"
	case KindNoDevice:
		return "no_device"
	case KindOutOfMemory:
		return "out_of_memory"
	case KindCqOverflow:
		return "cq_overflow"
	case KindMapError:
		return "map_error"
	case KindRkeyUnknown:
		return "rkey_unknown"
	case KindNotSupported:
		return "not_supported"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// errors.As while still getting a wrapped %w chain for logging.
type Error struct {
	Kind   Kind
	Reason string // CM rejection reason code, only meaningful for KindRefused
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, xerr.New(KindRefused, "", nil)) style matching
// on Kind alone, ignoring Op/Err/Reason.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// New constructs an *Error for the given kind, optionally wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Refused constructs a KindRefused error carrying the CM rejection reason.
func Refused(op, reason string) *Error {
	return &Error{Kind: KindRefused, Op: op, Reason: reason}
}

// Is reports whether err (or any error in its chain) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
