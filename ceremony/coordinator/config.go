package coordinator

import "time"

// Config holds the tunables the façade needs beyond what lives in
// CeremonyState itself (spec §5, implementation-defined limits referenced
// throughout §4.F-§4.H).
type Config struct {
	NumberOfChunks              int
	ContributorLockChunkLimit   int
	MinimumContributorsPerRound int
	MaximumContributorsPerRound int
	ContributorSeenTimeout      time.Duration
	ParticipantLockTimeout      time.Duration
	QueueSeenTimeout            time.Duration
	QueueWaitTime               time.Duration
	ParticipantBanThreshold     int
	NextRoundAfter              time.Duration
	AllowManualLock             bool
}

// DefaultConfig returns the reference deployment's tunables, grounded on
// phase2-coordinator's environment defaults (original_source
// phase2-coordinator/src/environment.rs).
func DefaultConfig() Config {
	return Config{
		NumberOfChunks:              64,
		ContributorLockChunkLimit:   1,
		MinimumContributorsPerRound: 1,
		MaximumContributorsPerRound: 25,
		ContributorSeenTimeout:      10 * time.Minute,
		ParticipantLockTimeout:      10 * time.Minute,
		QueueSeenTimeout:            20 * time.Minute,
		QueueWaitTime:               30 * time.Second,
		ParticipantBanThreshold:     5,
		NextRoundAfter:              0,
	}
}
