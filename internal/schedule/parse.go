package schedule

import (
	"strconv"
	"strings"
	"time"
)

var unitSeconds = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
}

// ParseEvery parses an interval string of the form "{n}{unit}" where n is a
// positive integer and unit is one of s, m, h, d ("30s", "5m", "2h", "1d").
func ParseEvery(raw string) (time.Duration, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	if len(s) < 2 {
		return 0, &Error{Spec: raw, Reason: "expected {n}{unit} with unit in s/m/h/d"}
	}
	unit, ok := unitSeconds[s[len(s)-1]]
	if !ok {
		return 0, &Error{Spec: raw, Reason: "unknown unit, want one of s/m/h/d"}
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, &Error{Spec: raw, Reason: "invalid count", Err: err}
	}
	if n <= 0 {
		return 0, &Error{Spec: raw, Reason: "count must be positive"}
	}
	return time.Duration(n*unit) * time.Second, nil
}
