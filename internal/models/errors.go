package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a debtor, strategy, campaign or task does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when a value is not one of the four debtor states.
	ErrInvalidState = errors.New("invalid state")
	// ErrUpstreamUnavailable is returned when the chat-completion service cannot be reached
	// or answers with a non-success status.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// ValidationError reports malformed input such as an unusable phone number.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ClassificationError reports a classifier answer outside the state set.
type ClassificationError struct {
	Output string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classifier returned unrecognized state %q", e.Output)
}

// GenerationError reports that reply or campaign text generation produced nothing usable.
type GenerationError struct {
	Cause error
}

func (e *GenerationError) Error() string {
	if e.Cause == nil {
		return "generation produced empty output"
	}
	return fmt.Sprintf("generation failed: %v", e.Cause)
}

func (e *GenerationError) Unwrap() error { return e.Cause }

// DeliveryError reports a messaging gateway send failure for one recipient.
type DeliveryError struct {
	Address string
	Cause   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.Address, e.Cause)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }
