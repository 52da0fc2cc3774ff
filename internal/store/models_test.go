package store

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobQueued, JobProcessing, true},
		{JobQueued, JobCompleted, false},
		{JobQueued, JobFailed, false},
		{JobProcessing, JobProcessing, true},
		{JobProcessing, JobCompleted, true},
		{JobProcessing, JobFailed, true},
		{JobProcessing, JobQueued, false},
		{JobCompleted, JobProcessing, false},
		{JobCompleted, JobFailed, false},
		{JobFailed, JobQueued, false},
		{JobFailed, JobCompleted, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	if JobQueued.Terminal() || JobProcessing.Terminal() {
		t.Error("queued/processing must not be terminal")
	}
	if !JobCompleted.Terminal() || !JobFailed.Terminal() {
		t.Error("completed/failed must be terminal")
	}
}
