package telemetry

import "testing"

func TestTriggerSourceConstants(t *testing.T) {
	if TriggerSourceSignal != "signal" || TriggerSourceSchedule != "schedule" || TriggerSourceMonitor != "monitor" {
		t.Fatalf("unexpected trigger source constants: %q %q %q",
			TriggerSourceSignal, TriggerSourceSchedule, TriggerSourceMonitor)
	}
}

func TestRunAttributesOmitsEmptyTrigger(t *testing.T) {
	attrs := RunAttributes("dev", "pipe-1", "")
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes without trigger source, got %d", len(attrs))
	}
	attrs = RunAttributes("dev", "pipe-1", TriggerSourceMonitor)
	if len(attrs) != 3 {
		t.Fatalf("expected 3 attributes with trigger source, got %d", len(attrs))
	}
}
