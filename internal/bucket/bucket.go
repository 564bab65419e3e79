// Package bucket defines the canonical hour-granularity time key used by
// the aggregation pipeline. All buckets are UTC.
package bucket

import (
	"fmt"
	"time"
)

// Of truncates t to the start of its hour in UTC. This is the single
// key scheme shared by the aggregator, the store and the query engine.
func Of(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// HourEnd returns the exclusive end of the hour containing t.
func HourEnd(t time.Time) time.Time {
	return Of(t).Add(time.Hour)
}

// ParseWindow maps an API window parameter ("1h" or "24h") to a number
// of hour buckets. An empty value defaults to 24h.
func ParseWindow(s string) (int, error) {
	switch s {
	case "", "24h":
		return 24, nil
	case "1h":
		return 1, nil
	}
	return 0, fmt.Errorf("invalid window %q (want 1h or 24h)", s)
}
