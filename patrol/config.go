package patrol

import "time"

// Config configures the patrol service.
type Config struct {
	// FastSites are polled on every tick.
	FastSites []string `yaml:"fast_sites"`
	// SlowSites are polled every SlowEvery-th tick. A site on both lists
	// is kept on the fast list only.
	SlowSites []string `yaml:"slow_sites"`
	// NonEnglishSites are exempt from the non-Latin script checks.
	NonEnglishSites []string `yaml:"non_english_sites"`

	// PollInterval is the tick period. Default: 10 minutes.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Offset is subtracted from "now" when closing a window, because the
	// upstream's indexing lags account creation. Default: 5 minutes.
	Offset time.Duration `yaml:"offset"`
	// SlowEvery is the slow-tier period in ticks. The slow tier replaces
	// the fast tier on its tick so the tiers never compete for quota.
	// Default: 6.
	SlowEvery int `yaml:"slow_every"`
	// SiteDelay is the pause between consecutive sites within one tick.
	// Default: 2 seconds.
	SiteDelay time.Duration `yaml:"site_delay"`
	// StopTimeout bounds how long Stop waits for the in-flight tick before
	// abandoning it. Default: 30 seconds.
	StopTimeout time.Duration `yaml:"stop_timeout"`
	// RefreshSchedule is the cron expression for rule and homoglyph table
	// refresh. Default: every 6 hours.
	RefreshSchedule string `yaml:"refresh_schedule"`
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Minute
	}
	if c.Offset <= 0 {
		c.Offset = 5 * time.Minute
	}
	if c.SlowEvery <= 0 {
		c.SlowEvery = 6
	}
	if c.SiteDelay <= 0 {
		c.SiteDelay = 2 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
	if c.RefreshSchedule == "" {
		c.RefreshSchedule = "@every 6h"
	}
}
