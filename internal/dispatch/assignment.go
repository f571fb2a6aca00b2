// Package dispatch hands transcode jobs to remote encoder workers over
// persistent websocket connections, tracks their liveness, and resolves
// orphaned work when a worker disappears.
package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// AssignmentStatus is the lifecycle of one dispatched job.
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "PENDING"
	AssignmentRunning   AssignmentStatus = "RUNNING"
	AssignmentCompleted AssignmentStatus = "COMPLETED"
	AssignmentFailed    AssignmentStatus = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s AssignmentStatus) Terminal() bool {
	return s == AssignmentCompleted || s == AssignmentFailed
}

// Assignment is one transcode job handed to an encoder. It is persisted so
// orphaned work is visible across daemon restarts.
type Assignment struct {
	ID              string
	ItemID          int64
	EncoderID       string
	Status          AssignmentStatus
	ProgressPercent float64
	OutputPath      string
	OutputSize      int64
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewAssignment creates a PENDING assignment for an item on an encoder.
func NewAssignment(itemID int64, encoderID string, now time.Time) *Assignment {
	return &Assignment{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		EncoderID: encoderID,
		Status:    AssignmentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
