package backfill

import "errors"

var (
	// ErrInvalidMode is returned for a mode other than pending or all.
	ErrInvalidMode = errors.New("backfill mode must be pending or all")

	// ErrStageRequired is returned when no embedding stage is provided.
	ErrStageRequired = errors.New("embedding stage required")

	// ErrRepositoryRequired is returned when a required repository is not provided.
	ErrRepositoryRequired = errors.New("message, vector and checkpoint stores required")
)
