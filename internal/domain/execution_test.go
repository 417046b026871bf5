package domain

import (
	"testing"
	"time"
)

func TestExecutionStatus_Terminal(t *testing.T) {
	tests := []struct {
		status ExecutionStatus
		want   bool
	}{
		{ExecutionStatusPending, false},
		{ExecutionStatusRunning, false},
		{ExecutionStatusSuccess, true},
		{ExecutionStatusFailed, true},
		{ExecutionStatusSkipped, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecution_Duration(t *testing.T) {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(3 * time.Second)

	exec := Execution{}
	if _, ok := exec.Duration(); ok {
		t.Error("Duration() defined without timestamps")
	}

	exec.StartedAt = &started
	if _, ok := exec.Duration(); ok {
		t.Error("Duration() defined without completed_at")
	}

	exec.CompletedAt = &completed
	d, ok := exec.Duration()
	if !ok {
		t.Fatal("Duration() undefined with both timestamps set")
	}
	if d != 3*time.Second {
		t.Errorf("Duration() = %s, want 3s", d)
	}
}

func TestExecution_DeadLettered(t *testing.T) {
	exec := Execution{
		Status:       ExecutionStatusFailed,
		ErrorMessage: DeadLetterPrefix + "timeout after 4 attempts",
	}
	if !exec.DeadLettered() {
		t.Error("DeadLettered() = false for dead-letter marked failure")
	}

	exec.ErrorMessage = "timeout"
	if exec.DeadLettered() {
		t.Error("DeadLettered() = true for plain failure")
	}

	exec.Status = ExecutionStatusSuccess
	exec.ErrorMessage = DeadLetterPrefix + "x"
	if exec.DeadLettered() {
		t.Error("DeadLettered() = true for non-failed execution")
	}
}

func TestServiceToken_Expired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	in10 := now.Add(10 * time.Minute)

	tests := []struct {
		name      string
		expiresAt *time.Time
		margin    time.Duration
		want      bool
	}{
		{"no expiration", nil, time.Hour, false},
		{"fresh beyond margin", &in10, 5 * time.Minute, false},
		{"within margin", &in10, 15 * time.Minute, true},
		{"exactly at margin", &in10, 10 * time.Minute, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := ServiceToken{ExpiresAt: tt.expiresAt}
			if got := tok.Expired(now, tt.margin); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWebhookWatch_ExpiresWithin(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	watch := WebhookWatch{ExpiresAt: now.Add(23 * time.Hour)}

	if !watch.ExpiresWithin(now, 24*time.Hour) {
		t.Error("watch expiring in 23h should be within a 24h margin")
	}
	if watch.ExpiresWithin(now, time.Hour) {
		t.Error("watch expiring in 23h should not be within a 1h margin")
	}
}
