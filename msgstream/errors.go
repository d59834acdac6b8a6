package msgstream

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected is returned when the instance table is full
	ErrRejected = errors.New("msgstream: maximum connection instances reached")

	// ErrHandlerNotRegistered is returned when a frame's group has no handler
	ErrHandlerNotRegistered = errors.New("msgstream: no handler registered for group")

	// ErrUnknownPeer is returned for operations on a peer with no instance
	ErrUnknownPeer = errors.New("msgstream: no connection instance for peer")

	// ErrNoLink is returned by Disconnect when no transport is attached
	ErrNoLink = errors.New("msgstream: no link attached")

	// ErrBufferTooSmall is returned by Marshal when the blob does not fit
	ErrBufferTooSmall = errors.New("msgstream: handover buffer too small")

	// ErrHandoverMismatch is wrapped by every HandoverMismatchError
	ErrHandoverMismatch = errors.New("msgstream: handover blob structure mismatch")
)

// HandoverMismatchError describes a blob the two devices do not agree on.
// Unmarshal panics with it: the sibling is running an incompatible version
// and there is no local recovery.
type HandoverMismatchError struct {
	Peer   string
	Reason string
}

func (e *HandoverMismatchError) Error() string {
	return fmt.Sprintf("msgstream: handover blob for %s: %s", e.Peer, e.Reason)
}

func (e *HandoverMismatchError) Unwrap() error {
	return ErrHandoverMismatch
}
