package session

import (
	"testing"

	"github.com/elementalhq/elemental/internal/common/errors"
)

func TestStatusTransitions(t *testing.T) {
	allowed := []struct {
		from, to Status
	}{
		{StatusStarting, StatusRunning},
		{StatusStarting, StatusTerminated},
		{StatusRunning, StatusSuspended},
		{StatusRunning, StatusTerminating},
		{StatusRunning, StatusTerminated},
		{StatusSuspended, StatusRunning},
		{StatusSuspended, StatusTerminated},
		{StatusTerminating, StatusTerminated},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransitionTo(tr.to) {
			t.Errorf("expected %s -> %s to be allowed", tr.from, tr.to)
		}
	}

	forbidden := []struct {
		from, to Status
	}{
		{StatusStarting, StatusSuspended},
		{StatusStarting, StatusTerminating},
		{StatusSuspended, StatusTerminating},
		{StatusTerminating, StatusRunning},
		{StatusTerminated, StatusStarting},
		{StatusTerminated, StatusRunning},
		{StatusTerminated, StatusTerminated},
	}
	for _, tr := range forbidden {
		if tr.from.CanTransitionTo(tr.to) {
			t.Errorf("expected %s -> %s to be forbidden", tr.from, tr.to)
		}
	}
}

func TestTransitionTo(t *testing.T) {
	s := &Session{ID: "s1", Status: StatusStarting}

	if err := s.TransitionTo(StatusRunning); err != nil {
		t.Fatalf("TransitionTo(running) error = %v", err)
	}
	if s.Status != StatusRunning {
		t.Errorf("Status = %s, want running", s.Status)
	}

	err := s.TransitionTo(StatusStarting)
	if err == nil {
		t.Fatal("expected error for running -> starting")
	}
	if !errors.IsInvalidTransition(err) {
		t.Errorf("expected InvalidTransition, got %v", err)
	}
	if s.Status != StatusRunning {
		t.Errorf("failed transition mutated status to %s", s.Status)
	}
}

func TestOnlyTerminatedIsFinal(t *testing.T) {
	for _, st := range []Status{StatusStarting, StatusRunning, StatusSuspended, StatusTerminating} {
		if st.IsTerminal() {
			t.Errorf("%s reported terminal", st)
		}
	}
	if !StatusTerminated.IsTerminal() {
		t.Error("terminated not reported terminal")
	}
}

func TestHistoryResumable(t *testing.T) {
	h := HistoryEntry{UpstreamSessionID: "u-1", Status: StatusSuspended}
	if !h.Resumable() {
		t.Error("suspended entry with upstream id should be resumable")
	}
	h.Status = StatusTerminated
	if !h.Resumable() {
		t.Error("terminated entry with upstream id should be resumable")
	}
	h.Status = StatusRunning
	if h.Resumable() {
		t.Error("running entry should not be resumable")
	}
	h = HistoryEntry{Status: StatusTerminated}
	if h.Resumable() {
		t.Error("entry without upstream id should not be resumable")
	}
}
