// Package timebucket aligns UTC millisecond timestamps to hour and day
// boundaries, the way the summarizer and reconciler slice the event stream.
package timebucket

const (
	hourMs = 3_600_000
	dayMs  = 86_400_000
)

// Window is a half-open [Start, End) time range in UTC milliseconds.
type Window struct {
	Start int64
	End   int64
}

// FloorHourMs aligns tsMs down to the start of its UTC hour.
func FloorHourMs(tsMs int64) int64 {
	sec := floorDiv(tsMs, 1000)
	hourSec := floorDiv(sec, 3600) * 3600
	return hourSec * 1000
}

// CeilHourMs aligns tsMs up to the start of the next UTC hour.
func CeilHourMs(tsMs int64) int64 {
	return floorDiv(tsMs+hourMs-1, hourMs) * hourMs
}

// IterHours returns the half-open hour windows [hstart, hstart+1h) covering
// [sinceUTCMs, untilUTCMs), with the endpoints floored/ceiled to hour
// boundaries first. Empty once those align to the same or an inverted range.
func IterHours(sinceUTCMs, untilUTCMs int64) []Window {
	startHour := FloorHourMs(sinceUTCMs)
	endHour := CeilHourMs(untilUTCMs)
	if startHour >= endHour {
		return nil
	}
	var windows []Window
	for h := startHour; h < endHour; h += hourMs {
		windows = append(windows, Window{Start: h, End: h + hourMs})
	}
	return windows
}

// FloorDayMs aligns tsMs down to the start of its UTC day (00:00:00Z).
func FloorDayMs(tsMs int64) int64 {
	sec := floorDiv(tsMs, 1000)
	daySec := floorDiv(sec, 86400) * 86400
	return daySec * 1000
}

// DayStarts returns the UTC day-start timestamps (00:00:00Z, in ms) for the
// half-open range [sinceAnyMs, untilAnyMs), aligning the end exclusively so
// a range ending exactly on a day boundary does not include that day.
func DayStarts(sinceAnyMs, untilAnyMs int64) []int64 {
	sinceDay := floorDiv(sinceAnyMs, dayMs) * dayMs
	untilDay := (floorDiv(untilAnyMs-1, dayMs) + 1) * dayMs

	var starts []int64
	for d := sinceDay; d < untilDay; d += dayMs {
		starts = append(starts, d)
	}
	return starts
}

// floorDiv is integer division that floors toward negative infinity,
// matching Python's "//" for the (here always non-negative in practice,
// but kept correct regardless) epoch-millisecond arithmetic above.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
