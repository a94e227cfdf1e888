package message

import "testing"

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusSent, true},
		{StatusPending, StatusFailed, true},
		{StatusFailed, StatusPending, true},
		{StatusSent, StatusPending, false},
		{StatusSent, StatusFailed, false},
		{StatusFailed, StatusSent, false},
		{StatusPending, StatusPending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusPending.Terminal() {
		t.Error("PENDING should not be terminal")
	}
	if !StatusSent.Terminal() || !StatusFailed.Terminal() {
		t.Error("SENT and FAILED should be terminal")
	}
}

func TestCheckTransition(t *testing.T) {
	if err := StatusPending.CheckTransition(StatusSent); err != nil {
		t.Errorf("CheckTransition error = %v", err)
	}
	if err := StatusSent.CheckTransition(StatusPending); err == nil {
		t.Error("expected error for SENT -> PENDING")
	}
}
