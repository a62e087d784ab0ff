package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyAttempts(t *testing.T) {
	tests := []struct {
		name     string
		statuses []AttemptStatus
		want     RunStatus
	}{
		{"no attempts", nil, RunFailure},
		{"all success", []AttemptStatus{AttemptSuccess, AttemptSuccess}, RunSuccess},
		{"fallback counts as success", []AttemptStatus{AttemptSuccess, AttemptSuccessWithNote}, RunSuccess},
		{"all failed", []AttemptStatus{AttemptFailed, AttemptFailed}, RunFailure},
		{"mixed", []AttemptStatus{AttemptSuccess, AttemptFailed}, RunPartial},
		{"partial attempt", []AttemptStatus{AttemptPartial}, RunPartial},
		{"partial among successes", []AttemptStatus{AttemptSuccess, AttemptPartial}, RunPartial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := make([]DumpAttemptResult, 0, len(tt.statuses))
			for _, status := range tt.statuses {
				attempts = append(attempts, DumpAttemptResult{Status: status})
			}
			assert.Equal(t, tt.want, ClassifyAttempts(attempts))
		})
	}
}

func TestEndpointAddr(t *testing.T) {
	assert.Equal(t, "db.internal:3306", Endpoint{Host: "db.internal", Port: 3306}.Addr())
	assert.Equal(t, "127.0.0.1:3307", Endpoint{Host: "127.0.0.1", Port: 3307, Tunneled: true}.Addr())
}

func TestRecipientString(t *testing.T) {
	assert.Equal(t, "ops@example.com", Recipient{Address: "ops@example.com"}.String())
	assert.Equal(t, "Jane <jane@example.com>", Recipient{Address: "jane@example.com", Name: "Jane"}.String())
}
