package transfer

import (
	"time"

	"castpanel/internal/models"
)

// EventType enumerates the job lifecycle events flowing through the queue.
type EventType string

const (
	// EventTypeQueued marks a freshly enqueued job.
	EventTypeQueued EventType = "queued"
	// EventTypeRunning marks a job that secured a connection and started
	// streaming.
	EventTypeRunning EventType = "running"
	// EventTypeProgress carries an updated byte offset for a running job.
	EventTypeProgress EventType = "progress"
	// EventTypeCompleted marks a job that streamed every byte.
	EventTypeCompleted EventType = "completed"
	// EventTypeFailed marks a job that exhausted its attempts or hit a
	// permanent error.
	EventTypeFailed EventType = "failed"
	// EventTypeCanceled marks a job stopped at an I/O checkpoint by the
	// caller.
	EventTypeCanceled EventType = "canceled"
)

// Event is the wire representation forwarded to the event queue.
type Event struct {
	Type             EventType       `json:"type"`
	JobID            string          `json:"jobId"`
	AccountID        string          `json:"accountId"`
	State            models.JobState `json:"state"`
	BytesTransferred int64           `json:"bytesTransferred"`
	TotalBytes       int64           `json:"totalBytes"`
	Attempt          int             `json:"attempt"`
	Error            string          `json:"error,omitempty"`
	OccurredAt       time.Time       `json:"occurredAt"`
}
