package protocol

import (
	"errors"
	"fmt"
)

// ErrDropped is matched by every [*DropError].
var ErrDropped = errors.New("protocol: message dropped")

// DropReason names why a message did not reach its destination.
type DropReason string

const (
	ReasonPortInvalid DropReason = "port_invalid"
	ReasonQueueFull   DropReason = "queue_full"
	ReasonMalformed   DropReason = "malformed"
	ReasonUnknownKind DropReason = "unknown_kind"
	ReasonDuplicate   DropReason = "duplicate"
	ReasonNoRoute     DropReason = "no_route"
)

// DropError reports a dropped message. errors.Is(err, ErrDropped) holds for
// every DropError.
type DropError struct {
	Reason DropReason
	Err    error
}

// Drop returns a *DropError with a formatted detail.
func Drop(reason DropReason, format string, args ...any) error {
	return &DropError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

func (e *DropError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("protocol: dropped (%s)", e.Reason)
	}
	return fmt.Sprintf("protocol: dropped (%s): %v", e.Reason, e.Err)
}

// Is matches [ErrDropped].
func (e *DropError) Is(target error) bool { return target == ErrDropped }

// Unwrap returns the underlying detail.
func (e *DropError) Unwrap() error { return e.Err }

// ReasonOf extracts the drop reason from err.
func ReasonOf(err error) (DropReason, bool) {
	var de *DropError
	if errors.As(err, &de) {
		return de.Reason, true
	}
	return "", false
}
