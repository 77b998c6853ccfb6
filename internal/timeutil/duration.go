package timeutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationPattern = regexp.MustCompile(`^(\d+)\s*(s|sec|seconds?|m|min|minutes?|h|hours?|d|days?|w|weeks?)$`)

// ParseDuration accepts operator-friendly duration strings such as "30m",
// "12h", "1d" and "2w". Day and week units are not covered by
// time.ParseDuration, which is why this exists.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	match := durationPattern.FindStringSubmatch(raw)
	if match == nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	amount, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	unit := match[2]
	switch {
	case strings.HasPrefix(unit, "s"):
		return time.Duration(amount) * time.Second, nil
	case strings.HasPrefix(unit, "m"):
		return time.Duration(amount) * time.Minute, nil
	case strings.HasPrefix(unit, "h"):
		return time.Duration(amount) * time.Hour, nil
	case strings.HasPrefix(unit, "d"):
		return time.Duration(amount) * 24 * time.Hour, nil
	case strings.HasPrefix(unit, "w"):
		return time.Duration(amount) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid duration %q", raw)
}

// FormatDuration renders a duration the way moderators read it: "2 days, 3 hours".
func FormatDuration(d time.Duration) string {
	total := int(d.Seconds())

	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	var parts []string
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if seconds > 0 && len(parts) == 0 {
		parts = append(parts, plural(seconds, "second"))
	}
	if len(parts) == 0 {
		return "0 seconds"
	}
	return strings.Join(parts, ", ")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
