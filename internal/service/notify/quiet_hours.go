package notify

import (
	"strconv"
	"strings"
	"time"
)

const (
	defaultQuietStart = "22:00"
	defaultQuietEnd   = "08:00"
)

// parseClock turns "HH:MM" into minutes since midnight; ok=false on junk.
func parseClock(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// InQuietHours reports whether t falls in the circular window
// [start, end). When end < start the window wraps midnight
// (22:00–08:00 covers late evening and early morning). An equal
// start and end is an empty window. Invalid or empty bounds fall
// back to the 22:00–08:00 defaults.
func InQuietHours(t time.Time, start, end string) bool {
	startMin, ok := parseClock(start)
	if !ok {
		startMin, _ = parseClock(defaultQuietStart)
	}
	endMin, ok := parseClock(end)
	if !ok {
		endMin, _ = parseClock(defaultQuietEnd)
	}

	if startMin == endMin {
		return false
	}

	now := t.Hour()*60 + t.Minute()
	if startMin < endMin {
		return now >= startMin && now < endMin
	}
	// 跨午夜窗口
	return now >= startMin || now < endMin
}
