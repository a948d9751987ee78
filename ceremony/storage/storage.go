// Package storage abstracts the ceremony's persistent artifact store as a
// log-structured key/value store over locator.Locator (spec §3, §4.D).
package storage

import (
	"io"

	"github.com/setupforge/coordinator/ceremony/locator"
)

// Store is the abstract contract every storage backend implements. Reads
// and writes are consistent within a single process; the coordinator
// façade serializes all mutating operations, so a Store implementation
// need not provide its own cross-operation locking beyond making a single
// call safe for concurrent use.
type Store interface {
	Exists(loc locator.Locator) bool
	Get(loc locator.Locator) ([]byte, error)

	// Insert fails with cerr.KindStorageLocatorAlreadyExists if loc already
	// exists.
	Insert(loc locator.Locator, data []byte) error

	// Update creates-or-replaces state-holding locators (CoordinatorState,
	// RoundHeight, RoundState, ContributionInfoFile,
	// ContributionsInfoSummary) but only replaces an existing contribution
	// blob (ContributionFile, ContributionFileSignature, RoundFile) --
	// calling Update on a contribution locator that does not yet exist
	// fails with cerr.KindStorageLocatorMissing. This is the
	// insert/update asymmetry spec §4.D calls out.
	Update(loc locator.Locator, data []byte) error

	Remove(loc locator.Locator) error

	Reader(loc locator.Locator) (io.ReadCloser, error)
	Writer(loc locator.Locator) (io.WriteCloser, error)

	ToPath(loc locator.Locator) string
	ToLocator(path string) (locator.Locator, error)

	Process(action Action) error

	// ActionLog returns the ordered history of mutating actions applied
	// to this store (spec §4.D, "action log").
	ActionLog() []Action
}

// ActionKind tags the variant of a StorageAction.
type ActionKind uint8

const (
	// ActionRemove deletes the artifact named by Locator.
	ActionRemove ActionKind = iota
	// ActionUpdate create-or-replaces the artifact named by Locator with Data.
	ActionUpdate
	// ActionClearRoundFiles deletes every artifact belonging to RoundHeight:
	// its RoundState, RoundFile, ContributionInfoFile, and every chunk's
	// contribution/signature blobs.
	ActionClearRoundFiles
	// ActionReplaceContributor records a replacement-contributor event for
	// audit purposes (spec §4.H, ReplaceContributor storage action); it does
	// not itself mutate any locator.
	ActionReplaceContributor
	// ActionResetCurrentRound records a round-reset event for audit
	// purposes (spec §4.H, ResetCurrentRound storage action).
	ActionResetCurrentRound
)

// Action is a single mutating operation applied via Store.Process.
type Action struct {
	Kind        ActionKind
	Locator     locator.Locator
	Data        []byte
	RoundHeight uint64

	// Replacement/reset metadata, set only for the corresponding ActionKind.
	Dropped            string
	BucketID            uint64
	Replacement          string
	RemoveParticipants   []string
	Rollback             bool
}

// SizeSchedule describes the deterministic contribution-blob size schedule
// from spec §4.D: base_size + per_round_growth*(round_height+contribution_id-1)
// for round >= 1, and base_size for round 0.
type SizeSchedule struct {
	BaseSize       uint64
	PerRoundGrowth uint64
}

// ExpectedSize returns the blob size a contribution (or its signature, which
// is fixed-size regardless of round) must have, and whether loc names a
// size-checked artifact at all.
func (s SizeSchedule) ExpectedSize(loc locator.Locator) (uint64, bool) {
	switch loc.Kind {
	case locator.KindContributionFile:
		if loc.RoundHeight == 0 {
			return s.BaseSize, true
		}
		return s.BaseSize + s.PerRoundGrowth*(loc.RoundHeight+loc.ContributionID-1), true
	case locator.KindContributionFileSignature:
		// Signatures are fixed-size: two hex-encoded hash fields plus a
		// detached signature, independent of round growth.
		return 256, true
	default:
		return 0, false
	}
}

// isStateLocator reports whether loc is one of the "create-or-replace"
// state-holding kinds, as opposed to a contribution blob that Update may
// only replace.
func isStateLocator(loc locator.Locator) bool {
	switch loc.Kind {
	case locator.KindCoordinatorState, locator.KindRoundHeight, locator.KindRoundState,
		locator.KindContributionInfoFile, locator.KindContributionsInfoSummary:
		return true
	default:
		return false
	}
}
