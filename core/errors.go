package core

import "fmt"

// Kind enumerates the categories of error the engine surfaces, per the
// error handling design: each kind carries its own contextual fields and
// propagation policy (local-to-a-peer, local-to-a-tracker, fatal-to-session,
// recoverable, ...).
type Kind int

// Error kinds.
const (
	KindUnknown Kind = iota
	KindMetadata
	KindTracker
	KindPeer
	KindDisk
	KindDiskFull
	KindNetwork
	KindProtocol
	KindState
	KindCancelled
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindMetadata:
		return "metadata"
	case KindTracker:
		return "tracker"
	case KindPeer:
		return "peer"
	case KindDisk:
		return "disk"
	case KindDiskFull:
		return "disk_full"
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindState:
		return "state"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the typed error returned by every engine component. Fields are
// populated according to Kind: URL for KindTracker, PeerID for KindPeer,
// Path for KindDisk, Required/Available for KindDiskFull.
type Error struct {
	Kind     Kind
	Message  string
	URL      string
	PeerID   PeerID
	Path     string
	Required int64
	Available int64
	Cause    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	switch e.Kind {
	case KindTracker:
		if e.URL != "" {
			msg += fmt.Sprintf(" (url=%s)", e.URL)
		}
	case KindPeer:
		msg += fmt.Sprintf(" (peer=%s)", e.PeerID)
	case KindDisk:
		if e.Path != "" {
			msg += fmt.Sprintf(" (path=%s)", e.Path)
		}
	case KindDiskFull:
		msg += fmt.Sprintf(" (required=%d, available=%d)", e.Required, e.Available)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap allows errors.Is/As to see through to the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error of the given kind wrapping cause, formatting
// Message from format/args.
func NewError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NewTrackerError creates a KindTracker error scoped to url.
func NewTrackerError(url string, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTracker, URL: url, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NewPeerError creates a KindPeer error scoped to peerID.
func NewPeerError(peerID PeerID, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindPeer, PeerID: peerID, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NewDiskError creates a KindDisk error scoped to path.
func NewDiskError(path string, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindDisk, Path: path, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NewDiskFullError creates a KindDiskFull error.
func NewDiskFullError(required, available int64) *Error {
	return &Error{
		Kind:      KindDiskFull,
		Message:   "insufficient disk space",
		Required:  required,
		Available: available,
	}
}

// NewStateError creates a KindState error describing an illegal transition.
func NewStateError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindState, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
