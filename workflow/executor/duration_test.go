package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/workflow"
)

func TestParseISODuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"PT30S", 30 * time.Second},
		{"PT1M30S", 90 * time.Second},
		{"PT0.5S", 500 * time.Millisecond},
		{"PT2H", 2 * time.Hour},
		{"P1D", 24 * time.Hour},
		{"P1W", 7 * 24 * time.Hour},
		{"P1DT2H30M", 26*time.Hour + 30*time.Minute},
		{"PT0S", 0},
	}
	for _, tc := range cases {
		got, err := parseISODuration(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseISODurationRejectsBadInput(t *testing.T) {
	for _, in := range []string{"", "30s", "P", "P1Y", "P1M", "PT1X", "PT"} {
		_, err := parseISODuration(in)
		require.Error(t, err, in)
	}
}

func TestIntervalDuration(t *testing.T) {
	cases := []struct {
		iv   workflow.Interval
		want time.Duration
	}{
		{workflow.Interval{Count: 5, Unit: "Second"}, 5 * time.Second},
		{workflow.Interval{Count: 2, Unit: "minutes"}, 2 * time.Minute},
		{workflow.Interval{Count: 1, Unit: "Hour"}, time.Hour},
		{workflow.Interval{Count: 3, Unit: "days"}, 3 * 24 * time.Hour},
	}
	for _, tc := range cases {
		got, err := intervalDuration(tc.iv)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := intervalDuration(workflow.Interval{Count: 1, Unit: "fortnight"})
	require.Error(t, err)
	_, err = intervalDuration(workflow.Interval{Count: 0, Unit: "second"})
	require.Error(t, err)
}
