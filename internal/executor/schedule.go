package executor

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// parseScheduleTarget extracts the target timestamp from a step's schedule
// argument. The argument is either a preprocessed object carrying
// targetISO, or natural language under text/when. A zero time means no
// parseable target.
func parseScheduleTarget(v any, now time.Time) (time.Time, bool) {
	switch arg := v.(type) {
	case string:
		return parseNaturalTime(arg, now)
	case map[string]any:
		if iso, ok := arg["targetISO"].(string); ok && iso != "" {
			if t, err := time.Parse(time.RFC3339, iso); err == nil {
				return t, true
			}
		}
		for _, key := range []string{"text", "when"} {
			if text, ok := arg[key].(string); ok && text != "" {
				if t, ok := parseNaturalTime(text, now); ok {
					return t, true
				}
			}
		}
	}
	return time.Time{}, false
}

var (
	relativeRe = regexp.MustCompile(`(?i)^in\s+(\d+)\s*(second|sec|s|minute|min|m|hour|hr|h|day|d)s?$`)
	cjkDelayRe = regexp.MustCompile(`^(\d+)\s*(秒|分钟|小时|天)后$`)
	clockRe    = regexp.MustCompile(`^(?:at\s+)?(\d{1,2}):(\d{2})$`)
	tomorrowRe = regexp.MustCompile(`(?i)^(?:tomorrow|明天)\s*(?:at\s+)?(\d{1,2}):(\d{2})$`)
)

// parseNaturalTime understands the schedule phrasings tools actually send:
// RFC3339 timestamps, "in N seconds/minutes/hours/days" (and the CJK
// equivalents), "at HH:MM" for the next occurrence of a wall-clock time,
// and "tomorrow HH:MM".
func parseNaturalTime(text string, now time.Time) (time.Time, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, true
	}

	if m := relativeRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return now.Add(time.Duration(n) * unitDuration(strings.ToLower(m[2]))), true
	}
	if m := cjkDelayRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		var unit time.Duration
		switch m[2] {
		case "秒":
			unit = time.Second
		case "分钟":
			unit = time.Minute
		case "小时":
			unit = time.Hour
		case "天":
			unit = 24 * time.Hour
		}
		return now.Add(time.Duration(n) * unit), true
	}

	if m := tomorrowRe.FindStringSubmatch(text); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if hour > 23 || minute > 59 {
			return time.Time{}, false
		}
		next := now.AddDate(0, 0, 1)
		return time.Date(next.Year(), next.Month(), next.Day(), hour, minute, 0, 0, now.Location()), true
	}
	if m := clockRe.FindStringSubmatch(text); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if hour > 23 || minute > 59 {
			return time.Time{}, false
		}
		target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !target.After(now) {
			target = target.AddDate(0, 0, 1)
		}
		return target, true
	}

	return time.Time{}, false
}

func unitDuration(unit string) time.Duration {
	switch unit {
	case "second", "sec", "s":
		return time.Second
	case "minute", "min", "m":
		return time.Minute
	case "hour", "hr", "h":
		return time.Hour
	case "day", "d":
		return 24 * time.Hour
	}
	return time.Second
}
