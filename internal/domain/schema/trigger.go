package schema

import "time"

// TriggerSource identifies which activation path produced an enqueue intent.
type TriggerSource string

const (
	// TriggerSignal marks intents produced by the dispatcher from a bus signal.
	TriggerSignal TriggerSource = "signal"
	// TriggerSchedule marks intents produced by the periodic scheduler.
	TriggerSchedule TriggerSource = "schedule"
	// TriggerMonitor marks intents produced by the monitor dispatcher.
	TriggerMonitor TriggerSource = "monitor"
)

// SignalSummary is the slice of a signal a trigger carries downstream: enough
// for the worker to know why it runs, without retaining the full envelope.
type SignalSummary struct {
	SignalID   string
	SignalType string
	Ticker     string
	Direction  Direction
	Confidence float64
	Timeframe  Timeframe
	ProducedAt time.Time
}

// Trigger records why a pipeline was enqueued. Signal-sourced triggers carry
// the first matching signal's summary; monitor-sourced triggers carry the
// lease's monitor interval.
type Trigger struct {
	Source          TriggerSource
	FiredAt         time.Time
	Signal          *SignalSummary
	MonitorInterval time.Duration
}

// SignalTrigger builds a trigger for a signal match.
func SignalTrigger(summary SignalSummary, firedAt time.Time) Trigger {
	return Trigger{Source: TriggerSignal, FiredAt: firedAt, Signal: &summary, MonitorInterval: 0}
}

// ScheduleTrigger builds a trigger for a periodic scheduler tick.
func ScheduleTrigger(firedAt time.Time) Trigger {
	return Trigger{Source: TriggerSchedule, FiredAt: firedAt, Signal: nil, MonitorInterval: 0}
}

// MonitorTrigger builds a trigger for a due monitor tick.
func MonitorTrigger(firedAt time.Time, interval time.Duration) Trigger {
	return Trigger{Source: TriggerMonitor, FiredAt: firedAt, Signal: nil, MonitorInterval: interval}
}

// EnqueueIntent is the ephemeral handoff from dispatcher/scheduler to the
// executor queue. It is consumed by a single Enqueue call and never persisted.
type EnqueueIntent struct {
	PipelineID string
	Trigger    Trigger
}
