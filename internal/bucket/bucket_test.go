package bucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfTruncatesToHourUTC(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	cases := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "mid hour",
			in:   time.Date(2024, 3, 7, 14, 37, 21, 987, time.UTC),
			want: time.Date(2024, 3, 7, 14, 0, 0, 0, time.UTC),
		},
		{
			name: "already truncated",
			in:   time.Date(2024, 3, 7, 14, 0, 0, 0, time.UTC),
			want: time.Date(2024, 3, 7, 14, 0, 0, 0, time.UTC),
		},
		{
			name: "non-UTC input normalizes to UTC",
			in:   time.Date(2024, 3, 7, 9, 30, 0, 0, loc), // 14:30 UTC
			want: time.Date(2024, 3, 7, 14, 0, 0, 0, time.UTC),
		},
		{
			name: "last nanosecond of the hour",
			in:   time.Date(2024, 3, 7, 14, 59, 59, 999999999, time.UTC),
			want: time.Date(2024, 3, 7, 14, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Of(tc.in)
			assert.True(t, got.Equal(tc.want), "got %v want %v", got, tc.want)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestOfIsIdempotent(t *testing.T) {
	in := time.Date(2024, 6, 1, 8, 45, 12, 0, time.UTC)
	assert.Equal(t, Of(in), Of(Of(in)))
}

func TestHourEnd(t *testing.T) {
	in := time.Date(2024, 6, 1, 8, 45, 12, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), HourEnd(in))
}

func TestParseWindow(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "1h", want: 1},
		{in: "24h", want: 24},
		{in: "", want: 24},
		{in: "12h", wantErr: true},
		{in: "day", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseWindow(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got)
	}
}
