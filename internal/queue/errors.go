package queue

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidInput marks malformed requests rejected before persistence
	ErrInvalidInput = errors.New("invalid-input")
	// ErrAgentNotEligible is returned when an agent may not take an inquiry
	ErrAgentNotEligible = errors.New("agent-not-eligible")
	// ErrAwaitingVerification is returned when a room is still gated on visitor verification
	ErrAwaitingVerification = errors.New("awaiting-verification")
	// ErrInquiryTaken is returned when another agent won the inquiry
	ErrInquiryTaken = errors.New("inquiry-already-taken")
	// ErrRoomClosed is returned when a request targets a closed room
	ErrRoomClosed = errors.New("room-closed")
	// ErrRoomAccessDenied is returned when a room belongs to another visitor
	ErrRoomAccessDenied = errors.New("cannot-access-room")
)

type ValidationIssue struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every problem found in a request
type ValidationError struct{ Issues []ValidationIssue }

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.Field + ": " + issue.Reason
	}
	return ErrInvalidInput.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

func (e *ValidationError) add(field, reason string) {
	e.Issues = append(e.Issues, ValidationIssue{Field: field, Reason: reason})
}

func (e *ValidationError) orNil() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}
