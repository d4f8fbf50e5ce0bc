package model

import "testing"

func TestTerminalStatusesHaveNoOutgoingTransitions(t *testing.T) {
	terminal := []Status{StatusResolved, StatusClosed, StatusCancelled}
	all := []Status{StatusOpen, StatusPending, StatusResolved, StatusClosed, StatusCancelled}

	for _, from := range terminal {
		if !from.Terminal() {
			t.Fatalf("%s must be terminal", from)
		}
		for _, to := range all {
			if from == to {
				continue
			}
			if CanTransition(from, to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestOpenAndPendingTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusOpen, StatusPending, true},
		{StatusOpen, StatusResolved, true},
		{StatusOpen, StatusClosed, true},
		{StatusOpen, StatusCancelled, true},
		{StatusPending, StatusOpen, true},
		{StatusPending, StatusResolved, true},
		{StatusPending, StatusClosed, true},
		{StatusPending, StatusCancelled, true},
		{StatusOpen, StatusOpen, true},
		{StatusOpen, Status("unknown"), false},
		{Status("unknown"), StatusOpen, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestConsultationTypeERPTracked(t *testing.T) {
	if !TypeAccounting.ERPTracked() {
		t.Error("accounting consultations must be tracked in 1C")
	}
	if TypeSupport.ERPTracked() {
		t.Error("support tickets must not be tracked in 1C")
	}
	if TypeSupport.Valid() != true || ConsultationType("other").Valid() {
		t.Error("type validity check failed")
	}
}
