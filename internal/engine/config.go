// Package engine assembles the queues, stages, processors and the
// reconciliation engine into one embeddable client engine with a
// Start/Stop lifecycle.
package engine

import "time"

// Config holds runtime settings for the client engine.
type Config struct {
	// DatabasePath is the SQLite database holding the queues and the
	// local encrypted store.
	DatabasePath string

	// UserID is the local user's server identifier.
	UserID string

	// RunLimit bounds how many items one stage run drains.
	RunLimit int

	// InitialDelay and Interval drive the repeating stage schedules.
	InitialDelay time.Duration
	Interval     time.Duration

	// ReconcileInterval drives the reconciliation schedule.
	ReconcileInterval time.Duration

	// BlacklistThreshold is the failure count after which an identifier
	// is permanently skipped.
	BlacklistThreshold int
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DatabasePath = "safehill.db"
	c.RunLimit = 50
	c.InitialDelay = 1 * time.Second
	c.Interval = 5 * time.Second
	c.ReconcileInterval = 30 * time.Second
	c.BlacklistThreshold = 5
}
