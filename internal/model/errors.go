package model

import "errors"

// Sentinel errors shared by the coordinator, worker and HTTP layer. Callers
// match them with errors.Is; producers wrap them with context.
var (
	ErrInvalidFormat     = errors.New("invalid export format")
	ErrInvalidFilter     = errors.New("invalid export filter")
	ErrEmptyResult       = errors.New("no tasks match the filter")
	ErrTooLarge          = errors.New("export exceeds maximum size")
	ErrNotFound          = errors.New("export not found")
	ErrInvalidState      = errors.New("export is in an invalid state for this operation")
	ErrSourceUnavailable = errors.New("task source unavailable")
	ErrStreamWrite       = errors.New("export stream write failed")
	ErrUnsupportedFormat = errors.New("unsupported export format")
)
