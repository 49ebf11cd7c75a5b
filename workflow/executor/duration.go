package executor

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loomhq/loom/workflow"
)

// parseISODuration parses the ISO 8601 duration subset used by loop limits
// and retry intervals: PnW or PnDTnHnMnS, with a fractional seconds part
// allowed. Years and months are rejected since they have no fixed length.
func parseISODuration(s string) (time.Duration, error) {
	orig := s
	if len(s) == 0 || (s[0] != 'P' && s[0] != 'p') {
		return 0, fmt.Errorf("malformed ISO 8601 duration %q", orig)
	}
	s = s[1:]
	var d time.Duration
	inTime := false
	seen := false
	for len(s) > 0 {
		if s[0] == 'T' || s[0] == 't' {
			inTime = true
			s = s[1:]
			continue
		}
		i := 0
		for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
			i++
		}
		if i == 0 || i == len(s) {
			return 0, fmt.Errorf("malformed ISO 8601 duration %q", orig)
		}
		value, err := strconv.ParseFloat(s[:i], 64)
		if err != nil {
			return 0, fmt.Errorf("malformed ISO 8601 duration %q", orig)
		}
		unit := s[i]
		s = s[i+1:]
		var scale time.Duration
		switch {
		case !inTime && (unit == 'W' || unit == 'w'):
			scale = 7 * 24 * time.Hour
		case !inTime && (unit == 'D' || unit == 'd'):
			scale = 24 * time.Hour
		case inTime && (unit == 'H' || unit == 'h'):
			scale = time.Hour
		case inTime && (unit == 'M' || unit == 'm'):
			scale = time.Minute
		case inTime && (unit == 'S' || unit == 's'):
			scale = time.Second
		default:
			return 0, fmt.Errorf("unsupported unit %q in ISO 8601 duration %q", string(unit), orig)
		}
		d += time.Duration(value * float64(scale))
		seen = true
	}
	if !seen {
		return 0, fmt.Errorf("malformed ISO 8601 duration %q", orig)
	}
	return d, nil
}

// intervalDuration converts a loop delay interval to a duration.
func intervalDuration(iv workflow.Interval) (time.Duration, error) {
	var unit time.Duration
	switch strings.TrimSuffix(strings.ToLower(iv.Unit), "s") {
	case "second":
		unit = time.Second
	case "minute":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("unsupported delay unit %q", iv.Unit)
	}
	if iv.Count <= 0 {
		return 0, fmt.Errorf("delay count must be positive, got %d", iv.Count)
	}
	return time.Duration(iv.Count) * unit, nil
}
