// Package executor turns granted enqueue intents into pipeline runs on a
// bounded worker pool, driving the lease state machine around the runner
// collaborator that owns the pipeline internals.
package executor

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tidemill/signalmesh/internal/domain/schema"
)

// RunPhase distinguishes a first execution from a monitor pass.
type RunPhase string

const (
	PhaseExecute RunPhase = "execute"
	PhaseMonitor RunPhase = "monitor"
)

// Run is the context handed to the runner for one execution.
type Run struct {
	PipelineID  string
	ExecutionID string
	Phase       RunPhase
	Trigger     schema.Trigger
	StartedAt   time.Time
}

// Action tells the worker what to do with the lease after a successful run.
type Action string

const (
	// ActionFinish releases the pipeline back to idle.
	ActionFinish Action = "finish"
	// ActionMonitor parks the pipeline in the monitoring phase for periodic
	// re-checks.
	ActionMonitor Action = "monitor"
)

// Result is the runner's verdict for a completed run.
type Result struct {
	Action Action
	// MonitorInterval is the re-check cadence for ActionMonitor. Zero falls
	// back to the trigger's interval, then to the queue default.
	MonitorInterval time.Duration
}

// Runner executes pipeline internals. Implementations must respect ctx: the
// worker enforces the execute timeout through it. Cost and position
// observations go to the events sink as they happen.
type Runner interface {
	Execute(ctx context.Context, run Run, events EventSink) (Result, error)
}

// RunEventKind labels an event reported during a run.
type RunEventKind string

const (
	RunEventCost     RunEventKind = "cost"
	RunEventPosition RunEventKind = "position"
)

// RunEvent is a cost or position observation reported by a runner.
type RunEvent struct {
	PipelineID  string
	ExecutionID string
	Kind        RunEventKind
	Ticker      string
	Amount      decimal.Decimal
	At          time.Time
}

// EventSink receives run events. Sinks must not block the worker for long;
// slow sinks should buffer internally.
type EventSink interface {
	Record(ctx context.Context, event RunEvent) error
}

// NoopSink discards run events.
type NoopSink struct{}

func (NoopSink) Record(context.Context, RunEvent) error { return nil }

// NoopRunner logs each run and finishes. With Monitor set, execute runs park
// in monitoring once before finishing, which exercises the full lease cycle
// in standalone deployments.
type NoopRunner struct {
	Monitor         bool
	MonitorInterval time.Duration
	Logger          *log.Logger
}

func (r NoopRunner) Execute(_ context.Context, run Run, _ EventSink) (Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "runner ", log.LstdFlags|log.Lmicroseconds)
	}
	logger.Printf("pipeline=%s execution=%s phase=%s trigger=%s", run.PipelineID, run.ExecutionID, run.Phase, run.Trigger.Source)

	if r.Monitor && run.Phase == PhaseExecute {
		return Result{Action: ActionMonitor, MonitorInterval: r.MonitorInterval}, nil
	}
	return Result{Action: ActionFinish}, nil
}

var _ Runner = NoopRunner{}
var _ EventSink = NoopSink{}
