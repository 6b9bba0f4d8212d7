package models

import "time"

// RateLimitConfig contains the pacing parameters for one campaign
type RateLimitConfig struct {
	MessagesPerHour      int  `json:"messages_per_hour"`
	DelayMinSeconds      int  `json:"delay_min_seconds"` // randomized jitter lower bound
	DelayMaxSeconds      int  `json:"delay_max_seconds"` // randomized jitter upper bound
	PauseAfter           int  `json:"pause_after"`       // batch pause after N successful sends (0 = never)
	PauseDurationSeconds int  `json:"pause_duration_seconds"`
	NightStartHour       int  `json:"night_start_hour"`
	NightEndHour         int  `json:"night_end_hour"`
	NightModeEnabled     bool `json:"night_mode_enabled"`
}

// ReleaseInterval returns the fixed gap between consecutive releases
func (c RateLimitConfig) ReleaseInterval() time.Duration {
	perHour := c.MessagesPerHour
	if perHour <= 0 {
		perHour = 60
	}
	return time.Duration(float64(time.Hour) / float64(perHour))
}

// PauseDuration returns the batch pause length
func (c RateLimitConfig) PauseDuration() time.Duration {
	return time.Duration(c.PauseDurationSeconds) * time.Second
}

// InNightWindow reports whether the given wall-clock hour falls inside the
// configured [start, end) night window. A window with start > end wraps
// past midnight.
func (c RateLimitConfig) InNightWindow(hour int) bool {
	if !c.NightModeEnabled || c.NightStartHour == c.NightEndHour {
		return false
	}
	if c.NightStartHour < c.NightEndHour {
		return hour >= c.NightStartHour && hour < c.NightEndHour
	}
	return hour >= c.NightStartHour || hour < c.NightEndHour
}
