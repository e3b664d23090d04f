package moderation

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateExternalID = errors.New("an event with this external id already exists")
	ErrInvalidLabel        = errors.New("invalid label")
	ErrEventNotFound       = errors.New("moderation event not found")
)

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Msg, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalidf(err error, format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...), Err: err}
}

type ConflictReason string

const (
	ReasonAlreadyTakendown ConflictReason = "AlreadyTakendown"
	ReasonNotTakendown     ConflictReason = "NotTakendown"
)

// ConflictError rejects an action that does not apply to the subject's
// current state.
type ConflictError struct {
	Reason ConflictReason
	Msg    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Msg)
}
