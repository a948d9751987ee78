// Package round implements one pass of all contributors over all chunks
// (spec §3, Round; §4.C).
package round

import (
	"time"

	"github.com/setupforge/coordinator/ceremony/cerr"
	"github.com/setupforge/coordinator/ceremony/chunk"
	"github.com/setupforge/coordinator/ceremony/locator"
	"github.com/setupforge/coordinator/ceremony/participant"
)

// Round is the set of chunks and contributor roster for one round height.
type Round struct {
	RoundHeight    uint64
	StartedAt      time.Time
	FinishedAt     time.Time
	ContributorIDs []participant.Participant
	Chunks         []*chunk.Chunk

	// Aggregated marks that an aggregation backend has already produced the
	// RoundFile for this round (spec §4.I, Aggregate).
	Aggregated bool
}

// New creates a round with numChunks chunks, each seeded with a single
// verified contribution id 0 pointing at initialVerifiedLocation(chunkID).
func New(height uint64, startedAt time.Time, contributors []participant.Participant, numChunks int, initialVerifiedLocation func(chunkID uint64) locator.Locator) *Round {
	chunks := make([]*chunk.Chunk, numChunks)
	for i := 0; i < numChunks; i++ {
		chunks[i] = chunk.New(uint64(i), initialVerifiedLocation(uint64(i)))
	}
	return &Round{
		RoundHeight:    height,
		StartedAt:      startedAt,
		ContributorIDs: append([]participant.Participant(nil), contributors...),
		Chunks:         chunks,
	}
}

// ExpectedNumberOfContributions is |contributor_ids| + 1 (the +1 accounts
// for the coordinator-initialized contribution id 0).
func (r *Round) ExpectedNumberOfContributions() int {
	return len(r.ContributorIDs) + 1
}

// NumberOfChunks returns the chunk count.
func (r *Round) NumberOfChunks() int { return len(r.Chunks) }

// Chunk returns the chunk with the given id, or an error if out of range.
func (r *Round) Chunk(chunkID uint64) (*chunk.Chunk, error) {
	if int(chunkID) >= len(r.Chunks) {
		return nil, cerr.New(cerr.KindChunkIDInvalid)
	}
	return r.Chunks[chunkID], nil
}

// TryLockChunk delegates to Chunk.AcquireLock for the round's expected
// contribution count.
func (r *Round) TryLockChunk(chunkID uint64, p participant.Participant) error {
	c, err := r.Chunk(chunkID)
	if err != nil {
		return err
	}
	return c.AcquireLock(p, r.ExpectedNumberOfContributions())
}

// IsComplete reports whether every chunk is complete for this round.
func (r *Round) IsComplete() bool {
	expected := r.ExpectedNumberOfContributions()
	for _, c := range r.Chunks {
		if !c.IsComplete(expected) {
			return false
		}
	}
	return true
}

// IsFinished reports whether FinishedAt has been set, which the coordinator
// façade does once every chunk of the round is complete.
func (r *Round) IsFinished() bool { return !r.FinishedAt.IsZero() }

// RemoveContributorUnsafe removes p from the roster without touching chunk
// state; used only by the drop machinery which has already disposed of any
// of p's in-flight tasks.
func (r *Round) RemoveContributorUnsafe(p participant.Participant) {
	out := r.ContributorIDs[:0]
	for _, c := range r.ContributorIDs {
		if !c.Equal(p) {
			out = append(out, c)
		}
	}
	r.ContributorIDs = out
}

// AddReplacementContributorUnsafe swaps dropped for replacement in the
// roster, preserving position (and therefore bucket assignment order).
func (r *Round) AddReplacementContributorUnsafe(dropped, replacement participant.Participant) {
	for i, c := range r.ContributorIDs {
		if c.Equal(dropped) {
			r.ContributorIDs[i] = replacement
			return
		}
	}
	r.ContributorIDs = append(r.ContributorIDs, replacement)
}

// Reset reinitializes bookkeeping for a round-restart: removeParticipants
// are dropped from the roster, and every remaining chunk's lock is cleared.
// Callers are responsible for rebuilding per-participant task lists.
func (r *Round) Reset(removeParticipants []participant.Participant) {
	for _, p := range removeParticipants {
		r.RemoveContributorUnsafe(p)
	}
	for _, c := range r.Chunks {
		c.ReleaseLock()
	}
	r.FinishedAt = time.Time{}
	r.Aggregated = false
}
