package domain

import "errors"

var (
	ErrInvalidTenant      = errors.New("invalid tenant")
	ErrInvalidRecurringID = errors.New("invalid recurring invoice id")
	ErrUnknownFrequency   = errors.New("unknown frequency")

	// ErrCannotGenerate signals a generation attempt on a template that is
	// not due: paused, completed, past its end date, or at its limit.
	ErrCannotGenerate = errors.New("cannot_generate")
)
