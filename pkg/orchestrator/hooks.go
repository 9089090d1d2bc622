package orchestrator

import (
	"context"
	"time"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/worker"
)

// EventType defines the category of the event.
type EventType string

const (
	EventWorkerStart  EventType = "worker_start"
	EventWorkerFinish EventType = "worker_finish"
	EventCommit       EventType = "commit"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	StateID   string    `json:"state_id"`
}

// WorkerEvent represents the start or end of a worker turn.
type WorkerEvent struct {
	EventBase
	Kind     worker.Kind    `json:"kind"`
	Phase    Phase          `json:"phase"`
	StepID   string         `json:"step_id,omitempty"`
	Result   *worker.Result `json:"result,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
	Err      error          `json:"-"`
}

// CommitEvent represents a committed snapshot.
type CommitEvent struct {
	EventBase
	StepIndex int    `json:"step_index"`
	Action    string `json:"action,omitempty"`
}

// Hooks defines callbacks for orchestrator observability. Hooks of concurrent
// workers may be called from several goroutines.
type Hooks struct {
	OnWorkerStart  func(context.Context, *WorkerEvent)
	OnWorkerFinish func(context.Context, *WorkerEvent)
	OnCommit       func(context.Context, *CommitEvent)
}
