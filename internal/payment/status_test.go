package payment

import "testing"

func TestStatusMapper_Defaults(t *testing.T) {
	mapper := NewStatusMapper(nil)

	tests := []struct {
		raw  string
		want Status
	}{
		{"0", StatusInvalid},
		{"1", StatusCompleted},
		{"2", StatusFailed},
		{"3", StatusReversed},
		{"COMPLETED", StatusCompleted},
		{"completed", StatusCompleted},
		{"Pending", StatusPending},
		{"", StatusPending},
	}
	for _, tt := range tests {
		if got := mapper.Map(tt.raw); got != tt.want {
			t.Errorf("Map(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestStatusMapper_Overrides(t *testing.T) {
	mapper := NewStatusMapper(map[string]string{
		"4": "REVERSED",
		"1": "completed",
	})

	if got := mapper.Map("4"); got != StatusReversed {
		t.Errorf("Map(4) = %s, want REVERSED", got)
	}
	if got := mapper.Map("1"); got != StatusCompleted {
		t.Errorf("Map(1) = %s, want COMPLETED", got)
	}
	// Defaults survive underneath overrides
	if got := mapper.Map("2"); got != StatusFailed {
		t.Errorf("Map(2) = %s, want FAILED", got)
	}
}

func TestStatusMapper_UnknownPassthrough(t *testing.T) {
	mapper := NewStatusMapper(nil)

	if got := mapper.Map("on_hold"); got != Status("ON_HOLD") {
		t.Errorf("Map(on_hold) = %s, want ON_HOLD passthrough", got)
	}
	if Status("ON_HOLD").IsTerminal() {
		t.Error("Unknown statuses must not be terminal")
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusReversed, StatusInvalid}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}
	if StatusPending.IsTerminal() {
		t.Error("PENDING must not be terminal")
	}
	if StatusNone.IsTerminal() {
		t.Error("none must not be terminal")
	}
}
