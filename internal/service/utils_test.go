package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntervalDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"1m", time.Minute},
		{"15m", 15 * time.Minute},
		{"1h", time.Hour},
		{"4h", 4 * time.Hour},
		{"1d", 24 * time.Hour},
		{"1w", 7 * 24 * time.Hour},
	}
	for _, tt := range tests {
		got, err := ParseIntervalDuration(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseIntervalDurationInvalid(t *testing.T) {
	for _, in := range []string{"", "m", "1x", "0m", "-5m", "abch"} {
		_, err := ParseIntervalDuration(in)
		assert.Error(t, err, in)
	}
}

func TestIntervalSeconds(t *testing.T) {
	got, err := IntervalSeconds("15m")
	require.NoError(t, err)
	assert.Equal(t, int64(900), got)

	got, err = IntervalSeconds("1m")
	require.NoError(t, err)
	assert.Equal(t, int64(60), got)

	_, err = IntervalSeconds("nope")
	assert.Error(t, err)
}

func TestStringConversions(t *testing.T) {
	f, err := StringToFloat("30123.45")
	require.NoError(t, err)
	assert.Equal(t, 30123.45, f)

	i, err := StringToInt64("1718000000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1718000000000), i)

	_, err = StringToFloat("x")
	assert.Error(t, err)
}
