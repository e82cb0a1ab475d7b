package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PrepareNew assigns the id and timestamps of a job about to be inserted and
// rejects jobs that could never be processed.
func PrepareNew(job *Job, now time.Time) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if strings.TrimSpace(string(job.Status)) == "" {
		return errors.New("job status is required")
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job cannot be created in terminal status %s", job.Status)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Progress < 0 || job.Progress > 100 {
		return fmt.Errorf("progress %d out of range", job.Progress)
	}
	job.CreatedAt = now.UTC()
	job.UpdatedAt = job.CreatedAt
	job.AttemptCount = 0
	job.Error = nil
	job.FinishedAt = nil
	return nil
}

// EncodeInput serializes the submission payload for storage.
func EncodeInput(in Input) (string, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode input: %w", err)
	}
	return string(data), nil
}

// DecodeInput parses a stored submission payload.
func DecodeInput(raw string) (Input, error) {
	var in Input
	if strings.TrimSpace(raw) == "" {
		return in, nil
	}
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return in, fmt.Errorf("decode input: %w", err)
	}
	return in, nil
}

// ClampProgress bounds a progress value to 0..100.
func ClampProgress(progress int) int {
	switch {
	case progress < 0:
		return 0
	case progress > 100:
		return 100
	default:
		return progress
	}
}

func terminalArgs() []any {
	return []any{string(StatusCompleted), string(StatusFailed)}
}
