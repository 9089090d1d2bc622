package domain

import "errors"

// ErrSnapshotFrozen is returned when a committed snapshot is mutated.
var ErrSnapshotFrozen = errors.New("snapshot is frozen (read-only)")

// ErrNothingToComplete is returned when a completion is requested but no unfinished
// item exists at that level of the hierarchy. It indicates a defect in the caller.
var ErrNothingToComplete = errors.New("nothing to complete")

// ErrInvalidRecord is returned when a persisted snapshot record fails validation on read.
var ErrInvalidRecord = errors.New("invalid snapshot record")

// ErrStepNotFound is returned when a step ID does not exist in the current task.
var ErrStepNotFound = errors.New("step not found")
