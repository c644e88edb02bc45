package domain

import (
	"encoding/json"
	"time"
)

// JobKind enumerates supported generation job categories.
type JobKind string

const (
	JobKindTextGenerate  JobKind = "text_generation"
	JobKindImageGenerate JobKind = "image_generation"
	JobKindAppGenerate   JobKind = "app_generation"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// DefaultMaxAttempts bounds automatic job-level retries for transient errors.
const DefaultMaxAttempts = 3

// Job encapsulates one unit of generation work tracked end-to-end. Once a
// job reaches a terminal status it is immutable; the store rejects any
// further transition.
type Job struct {
	ID              string
	Kind            JobKind
	Status          JobStatus
	Progress        int
	UserID          string
	Provider        string
	InputData       json.RawMessage
	OutputData      json.RawMessage
	ErrorMessage    string
	Attempts        int
	MaxAttempts     int
	CreditsReserved int64
	CreditsSettled  int64
	Degraded        bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

// Anonymous reports whether the job has no owner and is therefore never billed.
func (j *Job) Anonymous() bool {
	return j.UserID == ""
}

// Terminal reports whether the status is one of the two final states.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether moving from one status to the next is legal.
// Legal paths are pending->{processing,failed} and
// processing->{completed,failed}; a status may always transition to itself so
// that progress updates while processing remain valid writes. Pending jobs may
// fail directly because a job abandoned before dispatch never reaches
// processing.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusFailed
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

// ValidKind reports whether the given kind is one the orchestrator dispatches.
func ValidKind(k JobKind) bool {
	switch k {
	case JobKindTextGenerate, JobKindImageGenerate, JobKindAppGenerate:
		return true
	}
	return false
}

// ExpectsDocument reports whether the job kind's output must be a structured
// JSON document and therefore flows through output repair before completion.
func (k JobKind) ExpectsDocument() bool {
	return k == JobKindAppGenerate
}
