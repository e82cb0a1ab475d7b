package status

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"loom/internal/jobstore"
	"loom/internal/stage"
	"loom/internal/workqueue"
)

// dateTimeFormat is used for RFC3339 timestamps in view payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Stage states reported in JobView.Stages.
const (
	StageDone    = "done"
	StageActive  = "active"
	StagePending = "pending"
	StageFailed  = "failed"
)

// JobView describes a job in a transport-friendly format.
type JobView struct {
	JobID        string       `json:"job_id"`
	Status       string       `json:"status"`
	Progress     int          `json:"progress"`
	Variant      string       `json:"variant"`
	Prompt       string       `json:"prompt,omitempty"`
	Model        string       `json:"model,omitempty"`
	Voice        string       `json:"voice,omitempty"`
	Stages       []StageView  `json:"stages,omitempty"`
	StageOutputs []OutputView `json:"stage_outputs"`
	Error        *ErrorView   `json:"error,omitempty"`
	AttemptCount int          `json:"attempt_count"`
	CreatedAt    string       `json:"created_at,omitempty"`
	UpdatedAt    string       `json:"updated_at,omitempty"`
	FinishedAt   string       `json:"finished_at,omitempty"`
}

// StageView is one stage of the job's variant with its state.
type StageView struct {
	Name  string `json:"name"`
	Label string `json:"label"`
	Low   int    `json:"low"`
	High  int    `json:"high"`
	State string `json:"state"`
}

// OutputView is one recorded stage output, in execution order.
type OutputView struct {
	Stage     string `json:"stage"`
	Output    string `json:"output"`
	CreatedAt string `json:"created_at,omitempty"`
}

// ErrorView is present only on failed jobs.
type ErrorView struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SummaryView aggregates job counts and queue depth.
type SummaryView struct {
	Total     int            `json:"total"`
	Active    int            `json:"active"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Counts    map[string]int `json:"counts"`
	Queue     *QueueView     `json:"queue,omitempty"`
}

// QueueView mirrors workqueue.Stats.
type QueueView struct {
	Ready       int `json:"ready"`
	Invisible   int `json:"invisible"`
	DeadLetters int `json:"dead_letters"`
}

// DeadLetterView describes a dead-lettered message.
type DeadLetterView struct {
	ID         string `json:"id"`
	JobID      string `json:"job_id"`
	Stage      string `json:"stage"`
	Attempt    int    `json:"attempt"`
	Deliveries int    `json:"deliveries"`
	Reason     string `json:"reason"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// VariantView describes a configured variant.
type VariantView struct {
	Name    string      `json:"name"`
	Default bool        `json:"default"`
	Stages  []StageView `json:"stages"`
}

// StageLabel renders a stage name for display.
func StageLabel(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "_", " "))
	if name == "" {
		return ""
	}
	return cases.Title(language.Und).String(name)
}

// FromJob converts a job into its view. registry may be nil when the variant
// is no longer configured, in which case Stages is omitted.
func FromJob(job *jobstore.Job, registry *stage.Registry) JobView {
	view := JobView{
		JobID:        job.ID,
		Status:       string(job.Status),
		Progress:     job.Progress,
		Variant:      job.Variant,
		Prompt:       job.Input.Prompt,
		Model:        job.Input.Model,
		Voice:        job.Input.Voice,
		StageOutputs: make([]OutputView, 0, len(job.Outputs)),
		AttemptCount: job.AttemptCount,
		CreatedAt:    formatTime(job.CreatedAt),
		UpdatedAt:    formatTime(job.UpdatedAt),
	}
	if job.FinishedAt != nil {
		view.FinishedAt = formatTime(*job.FinishedAt)
	}
	for _, out := range job.Outputs {
		view.StageOutputs = append(view.StageOutputs, OutputView{
			Stage:     out.Stage,
			Output:    out.Output,
			CreatedAt: formatTime(out.CreatedAt),
		})
	}
	if job.Status == jobstore.StatusFailed && job.Error != nil {
		view.Error = &ErrorView{Stage: job.Error.Stage, Kind: job.Error.Kind, Message: job.Error.Message}
	}
	if registry != nil {
		view.Stages = stageStates(job, registry)
	}
	return view
}

func stageStates(job *jobstore.Job, registry *stage.Registry) []StageView {
	done := job.OutputMap()
	failedStage := ""
	if job.Error != nil {
		failedStage = job.Error.Stage
	}
	views := make([]StageView, 0, registry.Len())
	for _, def := range registry.Stages() {
		view := stageView(def)
		_, hasOutput := done[def.Name]
		switch {
		case hasOutput || job.Status == jobstore.StatusCompleted:
			view.State = StageDone
		case job.Status == jobstore.StatusFailed && def.Name == failedStage:
			view.State = StageFailed
		case string(job.Status) == def.Name:
			view.State = StageActive
		default:
			view.State = StagePending
		}
		views = append(views, view)
	}
	return views
}

func stageView(def stage.Definition) StageView {
	return StageView{Name: def.Name, Label: StageLabel(def.Name), Low: def.Low, High: def.High}
}

// FromDeadLetter converts a dead-letter entry into its view.
func FromDeadLetter(entry workqueue.DeadLetter) DeadLetterView {
	return DeadLetterView{
		ID:         entry.ID,
		JobID:      entry.JobID,
		Stage:      entry.Stage,
		Attempt:    entry.Attempt,
		Deliveries: entry.Deliveries,
		Reason:     entry.Reason,
		CreatedAt:  formatTime(entry.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

// ParseTime parses a view timestamp for display formatting.
func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}
