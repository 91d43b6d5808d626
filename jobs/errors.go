package jobs

import "errors"

var (
	// ErrStoreRequired is returned when no store is provided.
	ErrStoreRequired = errors.New("job store required")

	// ErrParsersRequired is returned when no parser set is provided.
	ErrParsersRequired = errors.New("parser set required")

	// ErrEngineRunning is returned when Run is called on an engine that is already running.
	ErrEngineRunning = errors.New("engine already running")

	// ErrSuperseded is returned by Execute when the job was requeued and
	// claimed by another attempt while this one was still running. Nothing
	// further is written for the old attempt.
	ErrSuperseded = errors.New("job attempt superseded")
)
