package call

import (
	"errors"
	"fmt"
)

var (
	ErrMediaAcquisition      = errors.New("media acquisition failed")
	ErrProtocol              = errors.New("negotiation step out of order")
	ErrSignalingWrite        = errors.New("signaling write failed")
	ErrSignalingSubscription = errors.New("signaling subscription failed")

	ErrDisposed    = errors.New("call session disposed")
	ErrCallEnded   = errors.New("call already ended")
	ErrNotRinging  = errors.New("call is not ringing")
	ErrUnknownCall = errors.New("unknown call")
)

// MediaError reports that local capture could not be started. It is fatal
// for the attempt and never retried.
type MediaError struct {
	CallID string
	Err    error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("call %s: acquire local media: %v", e.CallID, e.Err)
}

func (e *MediaError) Unwrap() []error { return []error{ErrMediaAcquisition, e.Err} }

// ProtocolError is a negotiation step issued in the wrong order. The engine
// rejects it without touching the connection.
type ProtocolError struct {
	CallID string
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("call %s: %s: %s", e.CallID, e.Op, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// WriteError is a failed signaling write. Critical writes (offer, answer,
// status) end the attempt; candidate publishes are only logged.
type WriteError struct {
	CallID   string
	Path     string
	Critical bool
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("call %s: write %s: %v", e.CallID, e.Path, e.Err)
}

func (e *WriteError) Unwrap() []error { return []error{ErrSignalingWrite, e.Err} }

// SubscriptionError marks a session whose view of the call record may be
// stale. Hangup still works.
type SubscriptionError struct {
	CallID string
	Path   string
	Err    error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("call %s: watch %s: %v", e.CallID, e.Path, e.Err)
}

func (e *SubscriptionError) Unwrap() []error { return []error{ErrSignalingSubscription, e.Err} }
