package models

import (
	"strings"
	"time"
)

// State enumerates work item lifecycle states persisted in Postgres.
type State string

const (
	StatePending State = "PENDING"
	StateDone    State = "DONE"
	StateFailed  State = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Stage names, also used as step names in the run history.
const (
	StageProducer = "Producer"
	StageConsumer = "Consumer"
	StageReporter = "Reporter"
)

// NextStage returns the stage that consumes outputs created by stage, or "" for the last one.
func NextStage(stage string) string {
	switch stage {
	case StageProducer:
		return StageConsumer
	case StageConsumer:
		return StageReporter
	default:
		return ""
	}
}

// ParseStage resolves a stage name case-insensitively.
func ParseStage(name string) (string, bool) {
	for _, s := range []string{StageProducer, StageConsumer, StageReporter} {
		if strings.EqualFold(strings.TrimSpace(name), s) {
			return s, true
		}
	}
	return "", false
}

// WorkItem is one durable unit flowing between stages.
type WorkItem struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	StepRunID string    `json:"step_run_id,omitempty"`
	Payload   Payload   `json:"payload"`
	State     State     `json:"state"`
	Failure   *Failure  `json:"failure,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepRun is a single stage invocation within a run.
type StepRun struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	StepName  string    `json:"step_name"`
	StartedAt time.Time `json:"started_at"`
}

// Run groups every work item created during one pipeline execution.
type Run struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}
