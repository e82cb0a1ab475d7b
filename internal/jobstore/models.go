package jobstore

import (
	"strings"
	"time"
)

// Status is either the name of the stage a job is waiting on or a terminal value.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether no further stage will run for the status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus normalizes user supplied filters. Terminal values are matched
// case-insensitively; anything else is treated as a stage name.
func ParseStatus(value string) (Status, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", false
	}
	switch strings.ToUpper(trimmed) {
	case string(StatusCompleted):
		return StatusCompleted, true
	case string(StatusFailed):
		return StatusFailed, true
	}
	return Status(trimmed), true
}

// Input is the immutable submission payload.
type Input struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Voice  string `json:"voice,omitempty"`
}

// JobError is recorded when a job reaches FAILED.
type JobError struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StageOutput is the artifact one stage produced.
type StageOutput struct {
	Stage     string    `json:"stage"`
	Output    string    `json:"output"`
	CreatedAt time.Time `json:"created_at"`
}

// AttemptError is one entry in a job's error history.
type AttemptError struct {
	Stage     string    `json:"stage"`
	Attempt   int       `json:"attempt"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Job is the unit of work tracked by the store.
type Job struct {
	ID           string
	Variant      string
	Status       Status
	Progress     int
	Input        Input
	Outputs      []StageOutput
	Error        *JobError
	AttemptCount int
	History      []AttemptError
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   *time.Time
}

// Output returns the artifact recorded for stage, if any.
func (j *Job) Output(stage string) (string, bool) {
	if j == nil {
		return "", false
	}
	for _, out := range j.Outputs {
		if out.Stage == stage {
			return out.Output, true
		}
	}
	return "", false
}

// OutputMap returns stage outputs keyed by stage name.
func (j *Job) OutputMap() map[string]string {
	out := make(map[string]string, len(j.Outputs))
	for _, o := range j.Outputs {
		out[o.Stage] = o.Output
	}
	return out
}

// ListOptions filters List results.
type ListOptions struct {
	Statuses []Status
	Limit    int
}

// Summary aggregates job counts.
type Summary struct {
	Total     int
	Active    int
	Completed int
	Failed    int
	ByStatus  map[Status]int
}

// Add folds count jobs in status into the summary.
func (s *Summary) Add(status Status, count int) {
	if s.ByStatus == nil {
		s.ByStatus = make(map[Status]int)
	}
	s.ByStatus[status] += count
	s.Total += count
	switch status {
	case StatusCompleted:
		s.Completed += count
	case StatusFailed:
		s.Failed += count
	default:
		s.Active += count
	}
}
