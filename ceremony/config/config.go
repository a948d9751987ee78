// Package config loads the coordinator daemon's on-disk TOML configuration
// into the tunables ceremony/coordinator needs (spec §8).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/setupforge/coordinator/ceremony/coordinator"
)

// RoundConfig mirrors [round] in the config file.
type RoundConfig struct {
	NumberOfChunks              int    `toml:"number_of_chunks"`
	ContributorLockChunkLimit   int    `toml:"contributor_lock_chunk_limit"`
	MinimumContributorsPerRound int    `toml:"minimum_contributors_per_round"`
	MaximumContributorsPerRound int    `toml:"maximum_contributors_per_round"`
	ContributorSeenTimeout      string `toml:"contributor_seen_timeout"`
	ParticipantLockTimeout      string `toml:"participant_lock_timeout"`
	QueueSeenTimeout            string `toml:"queue_seen_timeout"`
	QueueWaitTime               string `toml:"queue_wait_time"`
	ParticipantBanThreshold     int    `toml:"participant_ban_threshold"`
	AllowManualLock             bool   `toml:"allow_manual_lock"`

	// UpdateTickInterval is how often coordinatord runs the periodic
	// maintenance pass (drop timeouts, auto-aggregate, auto-advance, cohort
	// exhaustion check).
	UpdateTickInterval string `toml:"update_tick_interval"`

	// VerifierPublicKeyHex is the hex-encoded public key whose signature
	// authenticates try_verify submissions (ceremony/coordinator.Coordinator
	// .VerifierPublicKeyHex). Left empty, every verification fails closed.
	VerifierPublicKeyHex string `toml:"verifier_public_key_hex"`

	// VerifierSecretKeyHex, when set, lets coordinatord run the
	// coordinator-internal verifier itself: it must be the secret half of
	// VerifierPublicKeyHex's keypair. Left empty, verification only happens
	// via an external try_verify submission.
	VerifierSecretKeyHex string `toml:"verifier_secret_key_hex"`

	// VerifyDrainInterval is how often coordinatord drains
	// pending_verification when VerifierSecretKeyHex is set.
	VerifyDrainInterval string `toml:"verify_drain_interval"`
}

// StorageConfig mirrors [storage].
type StorageConfig struct {
	// Backend selects the storage.Store implementation: "mem" or "pebble".
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	BaseSize int64 `toml:"base_size_bytes"`
}

// QueueConfig mirrors [queue].
type QueueConfig struct {
	TokensFile      string `toml:"tokens_file"`
	CohortSize      int    `toml:"cohort_size"`
	RequireTokens   bool   `toml:"require_tokens"`
}

// TransportConfig mirrors [transport].
type TransportConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// LogConfig mirrors [log].
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// File is the full on-disk configuration shape.
type File struct {
	DataDir   string          `toml:"datadir"`
	Round     RoundConfig     `toml:"round"`
	Storage   StorageConfig   `toml:"storage"`
	Queue     QueueConfig     `toml:"queue"`
	Transport TransportConfig `toml:"transport"`
	Log       LogConfig       `toml:"log"`
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".setupforge-coordinator"
	}
	return filepath.Join(home, ".setupforge-coordinator")
}

// Default returns a File populated with the reference deployment's
// tunables (ceremony/coordinator.DefaultConfig, plus ambient settings).
func Default() *File {
	d := coordinator.DefaultConfig()
	return &File{
		DataDir: defaultDataDir(),
		Round: RoundConfig{
			NumberOfChunks:              d.NumberOfChunks,
			ContributorLockChunkLimit:   d.ContributorLockChunkLimit,
			MinimumContributorsPerRound: d.MinimumContributorsPerRound,
			MaximumContributorsPerRound: d.MaximumContributorsPerRound,
			ContributorSeenTimeout:      d.ContributorSeenTimeout.String(),
			ParticipantLockTimeout:      d.ParticipantLockTimeout.String(),
			QueueSeenTimeout:            d.QueueSeenTimeout.String(),
			QueueWaitTime:               d.QueueWaitTime.String(),
			ParticipantBanThreshold:     d.ParticipantBanThreshold,
			AllowManualLock:             d.AllowManualLock,
			UpdateTickInterval:          "30s",
			VerifyDrainInterval:         "15s",
		},
		Storage: StorageConfig{
			Backend:  "mem",
			Path:     "ceremony.pebble",
			BaseSize: 64 * 1024,
		},
		Queue: QueueConfig{
			TokensFile:    "tokens.txt",
			CohortSize:    100,
			RequireTokens: true,
		},
		Transport: TransportConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads and parses a TOML file at path, merging it onto Default().
func Load(path string) (*File, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the file for correctness.
func (f *File) Validate() error {
	if f.DataDir == "" {
		return fmt.Errorf("config: datadir must not be empty")
	}
	if f.Round.NumberOfChunks <= 0 {
		return fmt.Errorf("config: round.number_of_chunks must be > 0")
	}
	if f.Round.MinimumContributorsPerRound <= 0 {
		return fmt.Errorf("config: round.minimum_contributors_per_round must be > 0")
	}
	if f.Round.MaximumContributorsPerRound < f.Round.MinimumContributorsPerRound {
		return fmt.Errorf("config: round.maximum_contributors_per_round must be >= minimum")
	}
	switch f.Storage.Backend {
	case "mem", "pebble":
	default:
		return fmt.Errorf("config: unknown storage.backend %q", f.Storage.Backend)
	}
	if f.Transport.Port < 0 || f.Transport.Port > 65535 {
		return fmt.Errorf("config: invalid transport.port: %d", f.Transport.Port)
	}
	switch f.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log.level %q", f.Log.Level)
	}
	switch f.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", f.Log.Format)
	}
	return nil
}

// UpdateTickIntervalDuration parses Round.UpdateTickInterval, defaulting to
// 30s.
func (f *File) UpdateTickIntervalDuration() (time.Duration, error) {
	return parseDuration(f.Round.UpdateTickInterval, 30*time.Second)
}

// VerifyDrainIntervalDuration parses Round.VerifyDrainInterval, defaulting
// to 15s.
func (f *File) VerifyDrainIntervalDuration() (time.Duration, error) {
	return parseDuration(f.Round.VerifyDrainInterval, 15*time.Second)
}

// ResolvePath resolves a path relative to DataDir.
func (f *File) ResolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(f.DataDir, path)
}

// ListenAddr returns the transport listen address.
func (f *File) ListenAddr() string {
	return fmt.Sprintf("%s:%d", f.Transport.Host, f.Transport.Port)
}

// CoordinatorConfig converts the parsed durations and builds a
// ceremony/coordinator.Config.
func (f *File) CoordinatorConfig() (coordinator.Config, error) {
	cfg := coordinator.DefaultConfig()
	cfg.NumberOfChunks = f.Round.NumberOfChunks
	cfg.ContributorLockChunkLimit = f.Round.ContributorLockChunkLimit
	cfg.MinimumContributorsPerRound = f.Round.MinimumContributorsPerRound
	cfg.MaximumContributorsPerRound = f.Round.MaximumContributorsPerRound
	cfg.ParticipantBanThreshold = f.Round.ParticipantBanThreshold
	cfg.AllowManualLock = f.Round.AllowManualLock

	var err error
	if cfg.ContributorSeenTimeout, err = parseDuration(f.Round.ContributorSeenTimeout, cfg.ContributorSeenTimeout); err != nil {
		return cfg, err
	}
	if cfg.ParticipantLockTimeout, err = parseDuration(f.Round.ParticipantLockTimeout, cfg.ParticipantLockTimeout); err != nil {
		return cfg, err
	}
	if cfg.QueueSeenTimeout, err = parseDuration(f.Round.QueueSeenTimeout, cfg.QueueSeenTimeout); err != nil {
		return cfg, err
	}
	if cfg.QueueWaitTime, err = parseDuration(f.Round.QueueWaitTime, cfg.QueueWaitTime); err != nil {
		return cfg, err
	}
	return cfg, nil
}
