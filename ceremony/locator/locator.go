// Package locator names every artifact the ceremony persists, with a
// stable, bijective mapping between a Locator value and its LocatorPath
// string (spec §3, Locator; §6, Persisted state layout).
package locator

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tags the variant of artifact a Locator names.
type Kind uint8

const (
	// KindCoordinatorState names the top-level CeremonyState snapshot.
	KindCoordinatorState Kind = iota
	// KindRoundHeight names the pointer to the current round height.
	KindRoundHeight
	// KindRoundState names a round's persisted bookkeeping.
	KindRoundState
	// KindRoundFile names the aggregated round output blob.
	KindRoundFile
	// KindContributionFile names a contribution blob (challenge/response).
	KindContributionFile
	// KindContributionFileSignature names a contribution's detached signature.
	KindContributionFileSignature
	// KindContributionInfoFile names a round's per-contributor metadata.
	KindContributionInfoFile
	// KindContributionsInfoSummary names the trimmed cross-round history.
	KindContributionsInfoSummary
)

// Locator names one artifact. Only the fields relevant to Kind are set; see
// the constructors below.
type Locator struct {
	Kind           Kind
	RoundHeight    uint64
	ChunkID        uint64
	ContributionID uint64
	Verified       bool
}

// CoordinatorState builds the Locator for the top-level state snapshot.
func CoordinatorState() Locator { return Locator{Kind: KindCoordinatorState} }

// RoundHeightPointer builds the Locator for the current round-height pointer.
func RoundHeightPointer() Locator { return Locator{Kind: KindRoundHeight} }

// RoundState builds the Locator for round h's bookkeeping.
func RoundState(h uint64) Locator { return Locator{Kind: KindRoundState, RoundHeight: h} }

// RoundFile builds the Locator for round h's aggregated output.
func RoundFile(h uint64) Locator { return Locator{Kind: KindRoundFile, RoundHeight: h} }

// ContributionFile builds the Locator for a contribution blob.
func ContributionFile(h, chunk, contribution uint64, verified bool) Locator {
	return Locator{
		Kind:           KindContributionFile,
		RoundHeight:    h,
		ChunkID:        chunk,
		ContributionID: contribution,
		Verified:       verified,
	}
}

// ContributionFileSignature builds the Locator for a contribution's
// detached signature blob.
func ContributionFileSignature(h, chunk, contribution uint64, verified bool) Locator {
	return Locator{
		Kind:           KindContributionFileSignature,
		RoundHeight:    h,
		ChunkID:        chunk,
		ContributionID: contribution,
		Verified:       verified,
	}
}

// ContributionInfoFile builds the Locator for round h's contribution
// metadata.
func ContributionInfoFile(h uint64) Locator {
	return Locator{Kind: KindContributionInfoFile, RoundHeight: h}
}

// ContributionsInfoSummary builds the Locator for the trimmed cross-round
// history summary.
func ContributionsInfoSummary() Locator {
	return Locator{Kind: KindContributionsInfoSummary}
}

// stateSuffix renders the unverified/verified marker used in contribution
// paths.
func stateSuffix(verified bool) string {
	if verified {
		return "verified"
	}
	return "unverified"
}

// Path renders the total function Locator -> LocatorPath described in
// spec §6.
func (l Locator) Path() string {
	switch l.Kind {
	case KindCoordinatorState:
		return "/state.json"
	case KindRoundHeight:
		return "/round_height"
	case KindRoundState:
		return fmt.Sprintf("/round_%d/state.json", l.RoundHeight)
	case KindRoundFile:
		return fmt.Sprintf("/round_%d/round_file", l.RoundHeight)
	case KindContributionFile:
		return fmt.Sprintf("/round_%d/chunk_%d/contribution_%d.%s",
			l.RoundHeight, l.ChunkID, l.ContributionID, stateSuffix(l.Verified))
	case KindContributionFileSignature:
		return fmt.Sprintf("/round_%d/chunk_%d/contribution_%d.%s.signature",
			l.RoundHeight, l.ChunkID, l.ContributionID, stateSuffix(l.Verified))
	case KindContributionInfoFile:
		return fmt.Sprintf("/round_%d/contribution_info.json", l.RoundHeight)
	case KindContributionsInfoSummary:
		return "/contributions_summary.json"
	default:
		return ""
	}
}

// String implements fmt.Stringer via Path.
func (l Locator) String() string { return l.Path() }

// FromPath is the inverse of Path: it recovers the Locator naming a given
// path string, or ok=false if the path does not match any known shape.
func FromPath(path string) (loc Locator, ok bool) {
	switch path {
	case "/state.json":
		return CoordinatorState(), true
	case "/round_height":
		return RoundHeightPointer(), true
	case "/contributions_summary.json":
		return ContributionsInfoSummary(), true
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "round_") {
		return Locator{}, false
	}
	h, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "round_"), 10, 64)
	if err != nil {
		return Locator{}, false
	}

	switch len(parts) {
	case 2:
		switch parts[1] {
		case "state.json":
			return RoundState(h), true
		case "round_file":
			return RoundFile(h), true
		case "contribution_info.json":
			return ContributionInfoFile(h), true
		}
	case 3:
		if !strings.HasPrefix(parts[1], "chunk_") {
			return Locator{}, false
		}
		chunkID, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "chunk_"), 10, 64)
		if err != nil {
			return Locator{}, false
		}
		return parseContributionFile(h, chunkID, parts[2])
	}
	return Locator{}, false
}

func parseContributionFile(h, chunkID uint64, filename string) (Locator, bool) {
	signature := strings.HasSuffix(filename, ".signature")
	trimmed := strings.TrimSuffix(filename, ".signature")

	var verified bool
	switch {
	case strings.HasSuffix(trimmed, ".verified"):
		verified = true
		trimmed = strings.TrimSuffix(trimmed, ".verified")
	case strings.HasSuffix(trimmed, ".unverified"):
		verified = false
		trimmed = strings.TrimSuffix(trimmed, ".unverified")
	default:
		return Locator{}, false
	}
	if !strings.HasPrefix(trimmed, "contribution_") {
		return Locator{}, false
	}
	contribID, err := strconv.ParseUint(strings.TrimPrefix(trimmed, "contribution_"), 10, 64)
	if err != nil {
		return Locator{}, false
	}
	if signature {
		return ContributionFileSignature(h, chunkID, contribID, verified), true
	}
	return ContributionFile(h, chunkID, contribID, verified), true
}
