package models

import (
	"testing"
)

func TestStringSliceRoundTrip(t *testing.T) {
	s := StringSlice{"bug", "ui"}
	v, err := s.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	var out StringSlice
	if err := out.Scan(v); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(out) != 2 || out[0] != "bug" || out[1] != "ui" {
		t.Errorf("round trip = %v", out)
	}
}

func TestStringSliceScanEdgeCases(t *testing.T) {
	var s StringSlice
	if err := s.Scan(nil); err != nil {
		t.Errorf("Scan(nil) error: %v", err)
	}
	if len(s) != 0 {
		t.Errorf("Scan(nil) = %v, want empty", s)
	}

	if err := s.Scan([]byte("")); err != nil {
		t.Errorf("Scan(empty) error: %v", err)
	}
	if err := s.Scan(123); err == nil {
		t.Error("Scan(int) should error")
	}

	empty := StringSlice{}
	v, err := empty.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}
	if v != "[]" {
		t.Errorf("empty Value() = %v, want []", v)
	}
}

func TestLifecycleMapRoundTrip(t *testing.T) {
	m := LifecycleMap{LifecycleMerged: "state-done", LifecycleClosed: "state-cancelled"}
	v, err := m.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	var out LifecycleMap
	if err := out.Scan(v); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if out[LifecycleMerged] != "state-done" {
		t.Errorf("merged -> %q, want state-done", out[LifecycleMerged])
	}

	var empty LifecycleMap
	if err := empty.Scan(nil); err != nil {
		t.Errorf("Scan(nil) error: %v", err)
	}
	if empty == nil {
		t.Error("Scan(nil) should produce an empty map, not nil")
	}
}

func TestJobTerminalStates(t *testing.T) {
	terminal := []string{JobFinished, JobFinishedWithErrors, JobError, JobCancelled}
	for _, status := range terminal {
		j := ImportJob{Status: status}
		if !j.IsTerminal() {
			t.Errorf("status %s should be terminal", status)
		}
		if j.CanCancel() {
			t.Errorf("status %s should not be cancellable", status)
		}
	}

	running := []string{JobQueued, JobCreated, JobInitiated, JobPulling, JobPulled, JobTransforming, JobTransformed, JobPushing}
	for _, status := range running {
		j := ImportJob{Status: status}
		if j.IsTerminal() {
			t.Errorf("status %s should not be terminal", status)
		}
		if !j.CanCancel() {
			t.Errorf("status %s should be cancellable", status)
		}
	}
}

func TestConnectionIsActive(t *testing.T) {
	if !(&Connection{Status: ConnectionActive}).IsActive() {
		t.Error("active connection reported inactive")
	}
	for _, status := range []string{ConnectionExpired, ConnectionRevoked} {
		if (&Connection{Status: status}).IsActive() {
			t.Errorf("%s connection reported active", status)
		}
	}
}

func TestMappingMapped(t *testing.T) {
	if (&StateMapping{ExternalValue: "open"}).Mapped() {
		t.Error("empty local state id should be unmapped")
	}
	if !(&StateMapping{ExternalValue: "open", LocalStateID: "s-1"}).Mapped() {
		t.Error("set local state id should be mapped")
	}
	if (&PriorityMapping{ExternalValue: "p1"}).Mapped() {
		t.Error("empty local priority should be unmapped")
	}
	if !(&PriorityMapping{ExternalValue: "p1", LocalPriority: PriorityHigh}).Mapped() {
		t.Error("set local priority should be mapped")
	}
}
