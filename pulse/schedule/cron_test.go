package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/chainpulse/errors"
)

func at(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339Nano, s)
	require.NoError(t, err)
	return ts
}

func TestShouldTriggerNow(t *testing.T) {
	tests := []struct {
		name string
		expr string
		tz   string
		now  string
		want bool
	}{
		{"one second after", "0 9 * * *", "UTC", "2024-01-15T09:00:01Z", true},
		{"half hour before", "0 9 * * *", "UTC", "2024-01-15T08:30:00Z", false},
		{"new york local nine", "0 9 * * *", "America/New_York", "2024-01-15T14:00:01Z", true},
		{"new york utc nine", "0 9 * * *", "America/New_York", "2024-01-15T09:00:01Z", false},
		{"exactly at occurrence", "0 9 * * *", "UTC", "2024-01-15T09:00:00Z", true},
		{"just inside window", "0 9 * * *", "UTC", "2024-01-15T09:00:59.999Z", true},
		{"window is half open", "0 9 * * *", "UTC", "2024-01-15T09:01:00Z", false},
		{"every five minutes", "*/5 * * * *", "UTC", "2024-01-15T10:05:30Z", true},
		{"every five minutes off", "*/5 * * * *", "UTC", "2024-01-15T10:06:30Z", false},
		{"with seconds field", "30 0 9 * * *", "UTC", "2024-01-15T09:00:45Z", true},
		{"descriptor", "@hourly", "UTC", "2024-01-15T10:00:10Z", true},
		{"empty timezone is utc", "0 9 * * *", "", "2024-01-15T09:00:01Z", true},
		{"invalid expression", "not a cron", "UTC", "2024-01-15T09:00:01Z", false},
		{"invalid timezone", "0 9 * * *", "Mars/Olympus", "2024-01-15T09:00:01Z", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldTriggerNow(tt.expr, tt.tz, at(t, tt.now)))
		})
	}
}

func TestShouldTriggerNow_MatchesOccurrenceDistance(t *testing.T) {
	start := at(t, "2024-03-10T06:58:00Z")
	for i := 0; i < 400; i++ {
		now := start.Add(time.Duration(i) * 1700 * time.Millisecond)
		occ, ok := LastOccurrence("0 2 * * *", "America/New_York", now)
		got := ShouldTriggerNow("0 2 * * *", "America/New_York", now)
		assert.Equal(t, ok, got)
		if ok {
			d := now.Sub(occ)
			assert.True(t, d >= 0 && d < Window, "now=%s occ=%s", now, occ)
		}
	}
}

func TestLastOccurrencePicksMostRecent(t *testing.T) {
	occ, ok := LastOccurrence("*/10 * * * * *", "UTC", at(t, "2024-01-15T09:00:35Z"))
	require.True(t, ok)
	assert.Equal(t, at(t, "2024-01-15T09:00:30Z"), occ.UTC())
}

func TestParseErrors(t *testing.T) {
	_, _, err := Parse("61 * * * *", "UTC")
	assert.Equal(t, "cronExpression", errors.FieldOf(err))
	_, _, err = Parse("* * * * *", "Nowhere/City")
	assert.Equal(t, "timezone", errors.FieldOf(err))

	next, err := NextOccurrence("0 9 * * *", "UTC", at(t, "2024-01-15T09:00:01Z"))
	require.NoError(t, err)
	assert.Equal(t, at(t, "2024-01-16T09:00:00Z"), next.UTC())
}

func TestTriggerMessage(t *testing.T) {
	now := at(t, "2024-01-15T09:00:01Z")
	msg := NewTriggerMessage(&Schedule{ID: "sch-1", WorkflowID: "wf-1"}, now)
	assert.Equal(t, TriggerMessage{
		WorkflowID:  "wf-1",
		ScheduleID:  "sch-1",
		TriggerTime: now,
		TriggerType: "schedule",
	}, msg)
	assert.Equal(t, Attributes{"TriggerType": "schedule", "WorkflowId": "wf-1"}, msg.Attributes())
}
