package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Layouts accepted for string timestamps, tried in order. Naive forms are
// read as UTC.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ToUnix normalizes every timestamp form accepted at the query and config
// boundaries (epoch seconds as int or float, ISO-8601 strings, time.Time)
// to integer epoch seconds.
func ToUnix(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case time.Time:
		return t.Unix(), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, fmt.Errorf("empty timestamp")
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f), nil
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.Unix(), nil
			}
		}
		return 0, fmt.Errorf("unrecognized timestamp %q", s)
	default:
		return 0, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// ISOTime formats t as the ISO-8601 UTC form used on snapshots and logs.
func ISOTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
