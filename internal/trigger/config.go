package trigger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScheduleConfig is the persisted trigger configuration. The filter payload
// is opaque to the trigger and handed to the job builder as-is.
type ScheduleConfig struct {
	Enabled     bool   `json:"enabled"`
	ExecuteTime string `json:"execute_time"` // HH:MM, local time

	// LastExecutionKey is the last fired "date_time" slot. It is compared by
	// exact string equality against the freshly computed key, which is what
	// prevents a second fire within the same minute. Written only after a
	// fire was fully dispatched, and only for clock-triggered runs.
	LastExecutionKey string `json:"last_execution_key,omitempty"`

	// SelectedResources is an allow-list of resource ids; empty means all
	// enabled resources.
	SelectedResources []string `json:"selected_resources,omitempty"`

	// MinUploadMbps gates scheduled dispatch behind a bandwidth preflight
	// check when > 0. The check is warn-only.
	MinUploadMbps float64 `json:"min_upload_mbps,omitempty"`

	Filters json.RawMessage `json:"filters,omitempty"`
}

func defaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Enabled:     false,
		ExecuteTime: "09:00",
	}
}

func (c ScheduleConfig) validate() error {
	if _, _, err := parseHHMM(c.ExecuteTime); err != nil {
		return err
	}
	return nil
}

// executionKey builds the dedupe key for the slot containing now.
func (c ScheduleConfig) executionKey(now time.Time) string {
	return now.Format("2006-01-02") + "_" + c.ExecuteTime
}

// matches reports whether now's wall-clock hour:minute equals ExecuteTime.
func (c ScheduleConfig) matches(now time.Time) bool {
	h, m, err := parseHHMM(c.ExecuteTime)
	if err != nil {
		return false
	}
	return now.Hour() == h && now.Minute() == m
}

// nextExecution returns the next slot that can still fire. Today's slot counts
// while its minute is running and its key is unconsumed; once the minute has
// passed or the key was consumed, the next slot is tomorrow's.
func (c ScheduleConfig) nextExecution(now time.Time) (time.Time, bool) {
	if !c.Enabled {
		return time.Time{}, false
	}
	h, m, err := parseHHMM(c.ExecuteTime)
	if err != nil {
		return time.Time{}, false
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
	if !now.Before(next.Add(time.Minute)) || c.LastExecutionKey == c.executionKey(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, true
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
