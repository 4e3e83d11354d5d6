package domain

import (
	"errors"
	"fmt"
	"time"
)

// JobState enumerates the canonical generation job lifecycle.
type JobState string

const (
	JobStatePending    JobState = "Pending"
	JobStateSubmitted  JobState = "Submitted"
	JobStateProcessing JobState = "Processing"
	JobStateSucceeded  JobState = "Succeeded"
	JobStateFailed     JobState = "Failed"
	// JobStateUnknown marks a failed provider query. It is never persisted as the
	// job state; writing it only flags the record as stale.
	JobStateUnknown JobState = "Unknown"
)

// IsTerminal reports whether no further transitions or provider calls may occur.
func (s JobState) IsTerminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// Valid reports whether s is one of the known states.
func (s JobState) Valid() bool {
	switch s {
	case JobStatePending, JobStateSubmitted, JobStateProcessing, JobStateSucceeded, JobStateFailed, JobStateUnknown:
		return true
	}
	return false
}

func (s JobState) rank() int {
	switch s {
	case JobStatePending:
		return 0
	case JobStateSubmitted:
		return 1
	case JobStateProcessing:
		return 2
	case JobStateSucceeded, JobStateFailed:
		return 3
	}
	return -1
}

// GenerationParams holds provider generation options. Unset fields are left to
// provider defaults.
type GenerationParams struct {
	Prompt          string   `json:"prompt,omitempty"`
	MotionIntensity *float64 `json:"motionIntensity,omitempty"`
	DurationSeconds *int     `json:"durationSeconds,omitempty"`
	Seed            *int64   `json:"seed,omitempty"`
	AspectRatio     string   `json:"aspectRatio,omitempty"`
}

// GenerationJob correlates an internal job with the provider job it was
// submitted as.
type GenerationJob struct {
	ID              string
	ExternalID      string
	OwnerID         string
	State           JobState
	SourceReference string
	Params          GenerationParams
	ResultReference string
	LastError       string
	// Stale is set when the most recent provider query failed in transport.
	Stale     bool
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobUpdate carries the optional fields written together with a state change.
// A non-nil LastError replaces the stored message; pointing at "" clears it.
type JobUpdate struct {
	ResultReference string
	LastError       *string
}

// ErrorText is a convenience for building JobUpdate.LastError.
func ErrorText(msg string) *string {
	return &msg
}

// Clone returns a copy that shares no mutable state with j.
func (j *GenerationJob) Clone() *GenerationJob {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Params.MotionIntensity != nil {
		v := *j.Params.MotionIntensity
		cp.Params.MotionIntensity = &v
	}
	if j.Params.DurationSeconds != nil {
		v := *j.Params.DurationSeconds
		cp.Params.DurationSeconds = &v
	}
	if j.Params.Seed != nil {
		v := *j.Params.Seed
		cp.Params.Seed = &v
	}
	return &cp
}

// ValidateNew checks the invariants a record must satisfy when first stored.
func (j *GenerationJob) ValidateNew() error {
	switch {
	case j == nil:
		return errors.New("job is required")
	case j.ID == "":
		return errors.New("job id is required")
	case j.OwnerID == "":
		return errors.New("owner id is required")
	case j.SourceReference == "":
		return errors.New("source reference is required")
	case j.ResultReference != "":
		return errors.New("new job cannot carry a result reference")
	}
	switch j.State {
	case JobStatePending:
		if j.ExternalID != "" {
			return errors.New("pending job cannot carry an external id")
		}
	case JobStateSubmitted:
		if j.ExternalID == "" {
			return errors.New("submitted job requires an external id")
		}
	default:
		return fmt.Errorf("job cannot be created in state %q", j.State)
	}
	return nil
}

// ApplyTransition mutates job into the requested state. It returns ErrConflict
// when the transition would touch a terminal record or regress the lifecycle.
func ApplyTransition(job *GenerationJob, to JobState, upd JobUpdate, now time.Time) error {
	if job == nil {
		return errors.New("job is required")
	}
	if !to.Valid() {
		return fmt.Errorf("unknown job state %q", to)
	}
	if job.State.IsTerminal() {
		return fmt.Errorf("%w: job %s is already %s", ErrConflict, job.ID, job.State)
	}
	if to == JobStateUnknown {
		if upd.ResultReference != "" {
			return errors.New("result reference requires the succeeded state")
		}
		job.Stale = true
		if upd.LastError != nil {
			job.LastError = *upd.LastError
		}
		job.UpdatedAt = now
		job.Version++
		return nil
	}
	if to.rank() < job.State.rank() {
		return fmt.Errorf("%w: job %s cannot move from %s to %s", ErrConflict, job.ID, job.State, to)
	}
	if to != JobStatePending && job.ExternalID == "" {
		return fmt.Errorf("job %s has no external id", job.ID)
	}
	switch {
	case to == JobStateSucceeded && upd.ResultReference == "":
		return errors.New("succeeded transition requires a result reference")
	case to != JobStateSucceeded && upd.ResultReference != "":
		return errors.New("result reference requires the succeeded state")
	}

	job.State = to
	job.Stale = false
	if to == JobStateSucceeded {
		job.ResultReference = upd.ResultReference
	}
	if upd.LastError != nil {
		job.LastError = *upd.LastError
	}
	job.UpdatedAt = now
	job.Version++
	return nil
}
