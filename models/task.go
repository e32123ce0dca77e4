package models

import "time"

type TaskKind string

const (
	TaskBegin TaskKind = "begin"
	TaskPoll  TaskKind = "poll"
)

// Task is a unit of background work persisted in Redis. It must be JSON-serializable.
type Task struct {
	Kind       TaskKind  `json:"kind"`
	JobID      string    `json:"jobId"`
	Attempt    int       `json:"attempt"`
	RetryCount int       `json:"retryCount"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}
