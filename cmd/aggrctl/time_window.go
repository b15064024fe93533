package main

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var humanTimeParser *when.Parser

func init() {
	humanTimeParser = when.New(nil)
	humanTimeParser.Add(en.All...)
	humanTimeParser.Add(common.All...)
}

// parseSince parses a --since value as a human phrase ("2 hours ago",
// "yesterday") first, falling back to RFC3339, per spec.md §6's CLI surface.
// An empty value returns the zero time, meaning "no lower bound".
func parseSince(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}

	if result, err := humanTimeParser.Parse(raw, now); err == nil && result != nil {
		return result.Time, nil
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("could not parse %q as a human time phrase or RFC3339 timestamp", raw)
	}
	return t, nil
}
