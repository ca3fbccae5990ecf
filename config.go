package pool

import "time"

// Config holds tuning parameters shared by the registry, discovery, and
// announcer control loops.
type Config struct {
	// MaxEventDuration bounds how long a job request stays actionable.
	// It is both the expiration clamp for merged jobs and the rolling
	// subscription horizon (events older than this are not replayed).
	MaxEventDuration time.Duration

	// MaxExecutionTime is how long an accepted job may sit in
	// PROCESSING before the acceptance is considered stale and another
	// worker may race for the slot.
	MaxExecutionTime time.Duration

	// MinExpirationLead is the lower clamp for job expirations,
	// measured from the request event's timestamp.
	MinExpirationLead time.Duration

	// EvictInterval is how often the registry sweeps expired jobs.
	EvictInterval time.Duration

	// AnnouncementInterval is how often the local capability catalog is
	// re-announced. Discovered peers are pruned after 2.5x this value
	// without a fresh announcement.
	AnnouncementInterval time.Duration

	// Kinds is the set of event kinds the registry subscribes to.
	Kinds []int
}

// DefaultConfig returns a Config with the defaults used by the
// reference deployment.
func DefaultConfig() Config {
	return Config{
		MaxEventDuration:     1 * time.Hour,
		MaxExecutionTime:     10 * time.Minute,
		MinExpirationLead:    60 * time.Second,
		EvictInterval:        1 * time.Second,
		AnnouncementInterval: 5 * time.Minute,
		Kinds:                []int{5003, 6003, 7000, 7001, 31990},
	}
}
