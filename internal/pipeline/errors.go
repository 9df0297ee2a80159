package pipeline

import "errors"

var (
	// ErrCorruptInput aborts a run when the event store or user dimension
	// store returns records that downstream stages cannot trust.
	ErrCorruptInput = errors.New("pipeline: corrupt input")
	// ErrRunNotFound is returned when resuming an unknown run id.
	ErrRunNotFound = errors.New("pipeline: run not found")
	// ErrRunComplete is returned when resuming a run that already published.
	ErrRunComplete = errors.New("pipeline: run already complete")
)
