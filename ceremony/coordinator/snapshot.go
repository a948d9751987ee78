package coordinator

import (
	"time"

	"github.com/setupforge/coordinator/ceremony/chunk"
	"github.com/setupforge/coordinator/ceremony/lifecycle"
	"github.com/setupforge/coordinator/ceremony/participant"
	"github.com/setupforge/coordinator/ceremony/round"
	"github.com/setupforge/coordinator/ceremony/state"
)

// roundSnap and stateSnap are the wire shapes persisted under the
// RoundState/CoordinatorState locators (spec §4.D, §6). They exist
// separately from the live round.Round/state.State types so the storage
// format does not couple to in-memory pointer structure.
type roundSnap struct {
	RoundHeight    uint64
	StartedAt      time.Time
	FinishedAt     time.Time
	ContributorIDs []participant.Participant
	Chunks         []chunkSnap
	Aggregated     bool
}

type chunkSnap struct {
	ChunkID       uint64
	LockHolder    *participant.Participant
	Contributions []chunk.Contribution
}

func roundSnapshot(r *round.Round) roundSnap {
	if r == nil {
		return roundSnap{}
	}
	chunks := make([]chunkSnap, len(r.Chunks))
	for i, c := range r.Chunks {
		chunks[i] = chunkSnap{ChunkID: c.ChunkID, LockHolder: c.LockHolder, Contributions: c.Contributions}
	}
	return roundSnap{
		RoundHeight:    r.RoundHeight,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		ContributorIDs: r.ContributorIDs,
		Chunks:         chunks,
		Aggregated:     r.Aggregated,
	}
}

type stateSnap struct {
	Status               state.Status
	Next                 map[string]*lifecycle.Info
	CurrentRoundHeight   *uint64
	CurrentContributors  map[string]*lifecycle.Info
	CurrentVerifiers     map[string]*lifecycle.Info
	FinishedContributors map[uint64]map[string]*lifecycle.Info
	FinishedVerifiers    map[uint64]map[string]*lifecycle.Info
	Dropped              []*lifecycle.Info
	Banned               []participant.Participant
	ManualLock           bool
}

func keyedByString(m map[participant.Participant]*lifecycle.Info) map[string]*lifecycle.Info {
	out := make(map[string]*lifecycle.Info, len(m))
	for p, info := range m {
		out[p.String()] = info
	}
	return out
}

func stateSnapshot(s *state.State) stateSnap {
	finishedC := make(map[uint64]map[string]*lifecycle.Info, len(s.FinishedContributors))
	for h, byP := range s.FinishedContributors {
		finishedC[h] = keyedByString(byP)
	}
	finishedV := make(map[uint64]map[string]*lifecycle.Info, len(s.FinishedVerifiers))
	for h, byP := range s.FinishedVerifiers {
		finishedV[h] = keyedByString(byP)
	}
	banned := make([]participant.Participant, 0, len(s.Banned))
	for p := range s.Banned {
		banned = append(banned, p)
	}
	return stateSnap{
		Status:               s.Status,
		Next:                 keyedByString(s.Next),
		CurrentRoundHeight:   s.CurrentRoundHeight,
		CurrentContributors:  keyedByString(s.CurrentContributors),
		CurrentVerifiers:     keyedByString(s.CurrentVerifiers),
		FinishedContributors: finishedC,
		FinishedVerifiers:    finishedV,
		Dropped:              s.Dropped,
		Banned:               banned,
		ManualLock:           s.ManualLock,
	}
}
