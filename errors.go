package call

import (
	"errors"
	"fmt"
)

var (
	ErrMediaAcquisition   = errors.New("local media unavailable")
	ErrStorePersist       = errors.New("signaling store write failed")
	ErrMalformedCandidate = errors.New("malformed ICE candidate")
	ErrStoreSubscription  = errors.New("signaling store subscription failed")

	ErrSessionTerminated = errors.New("call session terminated")
	ErrInvalidState      = errors.New("operation not allowed in current call state")
	ErrNoIncomingCall    = errors.New("no incoming call to accept")

	ErrRemoteDescriptionSet = errors.New("remote description already set")
)

// MediaAcquisitionError reports that the camera or microphone could not be
// opened. The session returns to Idle and the user may try again.
type MediaAcquisitionError struct {
	Err error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("%s: %v", ErrMediaAcquisition, e.Err)
}

func (e *MediaAcquisitionError) Unwrap() []error { return []error{ErrMediaAcquisition, e.Err} }

// StorePersistError reports a failed write, update or delete on the signaling
// store.
type StorePersistError struct {
	Op  string
	Key string
	Err error
}

func (e *StorePersistError) Error() string {
	return fmt.Sprintf("%s (op=%s, key=%s): %v", ErrStorePersist, e.Op, e.Key, e.Err)
}

func (e *StorePersistError) Unwrap() []error { return []error{ErrStorePersist, e.Err} }

// MalformedCandidateError describes a candidate record that could not be
// applied. It is only ever logged.
type MalformedCandidateError struct {
	RecordID string
	Reason   string
	Err      error
}

func (e *MalformedCandidateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (record=%s): %s: %v", ErrMalformedCandidate, e.RecordID, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s (record=%s): %s", ErrMalformedCandidate, e.RecordID, e.Reason)
}

func (e *MalformedCandidateError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedCandidate}
	}
	return []error{ErrMalformedCandidate, e.Err}
}

// StoreSubscriptionError reports a subscription that stopped delivering. The
// session keeps running without it.
type StoreSubscriptionError struct {
	Target string
	Err    error
}

func (e *StoreSubscriptionError) Error() string {
	return fmt.Sprintf("%s (target=%s): %v", ErrStoreSubscription, e.Target, e.Err)
}

func (e *StoreSubscriptionError) Unwrap() []error { return []error{ErrStoreSubscription, e.Err} }
