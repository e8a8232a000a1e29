package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from    string
		to      string
		allowed bool
	}{
		{StatusUploaded, StatusProcessing, true},
		{StatusUploaded, StatusPaused, true},
		{StatusUploaded, StatusFailed, true},
		{StatusUploaded, StatusCompleted, false},
		{StatusProcessing, StatusChunkCompleted, true},
		{StatusProcessing, StatusPaused, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusChunkCompleted, StatusProcessing, true},
		{StatusChunkCompleted, StatusCompleted, true},
		{StatusPaused, StatusProcessing, true},
		{StatusPaused, StatusCompleted, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusFailed, StatusProcessing, false},
		{StatusCompleted, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"_to_"+tt.to, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, (&ImportJob{Status: StatusCompleted}).IsTerminal())
	assert.True(t, (&ImportJob{Status: StatusFailed}).IsTerminal())
	assert.False(t, (&ImportJob{Status: StatusProcessing}).IsTerminal())
	assert.False(t, (&ImportJob{Status: StatusPaused}).IsTerminal())
}

func TestIsValidStatus(t *testing.T) {
	for _, s := range ValidStatuses() {
		assert.True(t, IsValidStatus(s))
	}
	assert.False(t, IsValidStatus("running"))
}

func TestErrorLogAppendRespectsCap(t *testing.T) {
	var log ErrorLog

	first := []RowError{{Row: 1, Reason: "a"}, {Row: 2, Reason: "b"}}
	log = log.Append(first, 3)
	assert.Len(t, log, 2)

	// Only one slot left under the cap
	more := []RowError{{Row: 3, Reason: "c"}, {Row: 4, Reason: "d"}}
	log = log.Append(more, 3)
	assert.Len(t, log, 3)
	assert.Equal(t, int64(3), log[2].Row)

	// Full log drops everything
	log = log.Append([]RowError{{Row: 5, Reason: "e"}}, 3)
	assert.Len(t, log, 3)
}
