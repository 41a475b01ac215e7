package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for fabric-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrSignalType annotates signal metrics with the producer's signal classification.
	AttrSignalType = attribute.Key("signal.type")
	// AttrProducer identifies which scanner produced the signal.
	AttrProducer = attribute.Key("producer")
	// AttrTicker captures the instrument ticker carried by a signal.
	AttrTicker = attribute.Key("ticker")
	// AttrTimeframe records the bar timeframe a signal was computed on.
	AttrTimeframe = attribute.Key("timeframe")
	// AttrPipelineID labels run metrics with the pipeline they concern.
	AttrPipelineID = attribute.Key("pipeline.id")
	// AttrPartition identifies the bus partition a record travelled on.
	AttrPartition = attribute.Key("partition")
	// AttrPhase captures the lease phase at the time of the observation.
	AttrPhase = attribute.Key("phase")
	// AttrTriggerSource distinguishes signal, schedule, and monitor activations.
	AttrTriggerSource = attribute.Key("trigger.source")
	// AttrReason provides additional free-form context for releases/rejections.
	AttrReason = attribute.Key("reason")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by canonical error family.
	AttrErrorType = attribute.Key("error.type")
)

// Trigger source values.
const (
	TriggerSourceSignal   = "signal"
	TriggerSourceSchedule = "schedule"
	TriggerSourceMonitor  = "monitor"
)

// Helper functions for creating common attribute sets

// SignalAttributes returns common attributes for signal metrics.
func SignalAttributes(environment, signalType, producer string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSignalType.String(signalType),
		AttrProducer.String(producer),
	}
}

// RunAttributes returns attributes for pipeline run metrics.
func RunAttributes(environment, pipelineID, triggerSource string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrPipelineID.String(pipelineID),
	}
	if triggerSource != "" {
		attrs = append(attrs, AttrTriggerSource.String(triggerSource))
	}
	return attrs
}

// LeaseAttributes returns attributes for lease transition metrics.
func LeaseAttributes(environment, phase, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrPhase.String(phase),
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}
