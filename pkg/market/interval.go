package market

import "time"

// Supported kline interval identifiers. The set is small and static, so
// lookups go through a plain map instead of parsing.
const (
	Interval1Min   = "1m"
	Interval5Min   = "5m"
	Interval15Min  = "15m"
	Interval30Min  = "30m"
	Interval1Hour  = "1h"
	Interval2Hour  = "2h"
	Interval4Hour  = "4h"
	Interval1Day   = "1d"
	Interval1Week  = "1w"
	Interval1Month = "1M"
)

var intervalDurations = map[string]time.Duration{
	Interval1Min:   time.Minute,
	Interval5Min:   5 * time.Minute,
	Interval15Min:  15 * time.Minute,
	Interval30Min:  30 * time.Minute,
	Interval1Hour:  time.Hour,
	Interval2Hour:  2 * time.Hour,
	Interval4Hour:  4 * time.Hour,
	Interval1Day:   24 * time.Hour,
	Interval1Week:  7 * 24 * time.Hour,
	Interval1Month: 30 * 24 * time.Hour,
}

// IntervalDuration maps an interval identifier to its nominal duration.
func IntervalDuration(interval string) (time.Duration, bool) {
	d, ok := intervalDurations[interval]
	return d, ok
}
