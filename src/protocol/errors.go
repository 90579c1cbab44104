package protocol

import (
	"errors"
	"fmt"
)

// Error taxonomy for the orchestration engine. Handlers map these onto HTTP
// statuses; components return them wrapped with context via %w.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrNotFound         = errors.New("not found")
	ErrDuplicateDID     = errors.New("did already registered")
	ErrSchemaInvalid    = errors.New("schema invalid")
	ErrNotOwner         = errors.New("not owner")
	ErrInvalidState     = errors.New("invalid state")
	ErrExpired          = errors.New("expired")
	ErrAgentUnreachable = errors.New("agent unreachable")
	ErrAgentTimeout     = errors.New("agent timeout")
	ErrAlreadyRecorded  = errors.New("attestation already recorded")
	ErrNotParticipant   = errors.New("attester is not a participant")
	ErrVersionConflict  = errors.New("version conflict")
	ErrIdempotencyReuse = errors.New("idempotency token reused with a different request")
	ErrPartialRollback  = errors.New("partial rollback failure")
)

// InvalidStateError carries the current proposal state so callers can tell
// "wrong order" apart from "too late".
type InvalidStateError struct {
	Current string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: proposal is %s", e.Current)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// IsTransient reports whether an error is a transient transport failure that
// a read-only verb may retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrAgentUnreachable) || errors.Is(err, ErrAgentTimeout)
}
