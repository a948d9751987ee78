// Package drop implements the participant drop, replacement, and round-reset
// policy (spec §4.H).
package drop

import (
	"time"

	"github.com/setupforge/coordinator/ceremony/cerr"
	"github.com/setupforge/coordinator/ceremony/lifecycle"
	"github.com/setupforge/coordinator/ceremony/participant"
	"github.com/setupforge/coordinator/ceremony/queue"
	"github.com/setupforge/coordinator/ceremony/round"
	"github.com/setupforge/coordinator/ceremony/state"
	"github.com/setupforge/coordinator/ceremony/storage"
)

// Outcome reports which branch the drop machinery took for a given round,
// so the caller (ceremony/coordinator) can persist the matching storage
// action and, for a reset, re-drive precommit.
type Outcome struct {
	Replaced       bool
	ReplacementID  participant.Participant
	ResetRound     bool
	ForceRollback  bool
}

// InvalidateDownstream walks every other current contributor and verifier
// and disposes any task whose (chunk_id, contribution_id) was built on top
// of the dropped contributor's affected work (spec §4.H, "Dropping a
// current contributor").
func InvalidateDownstream(s *state.State, r *round.Round, dropped *lifecycle.Info) {
	for chunkID, affectedContribID := range affectedChunks(dropped) {
		for p, info := range s.CurrentContributors {
			if p.Equal(dropped.ID) {
				continue
			}
			disposeIfAffected(info, chunkID, affectedContribID)
		}
		for _, info := range s.CurrentVerifiers {
			disposeIfAffected(info, chunkID, affectedContribID)
		}
	}
}

// affectedChunks maps each chunk_id the dropped contributor touched to the
// contribution_id it was working on -- every task elsewhere referencing
// that chunk at >= this contribution_id is now built on invalidated work.
func affectedChunks(dropped *lifecycle.Info) map[uint64]uint64 {
	out := make(map[uint64]uint64)
	record := func(tasks []participant.Task) {
		for _, t := range tasks {
			if cur, ok := out[t.ChunkID]; !ok || t.ContributionID < cur {
				out[t.ChunkID] = t.ContributionID
			}
		}
	}
	record(dropped.PendingTasks)
	record(dropped.CompletedTasks)
	return out
}

func disposeIfAffected(info *lifecycle.Info, chunkID, affectedContribID uint64) {
	for _, t := range append(append([]participant.Task(nil), info.PendingTasks...), info.CompletedTasks...) {
		if t.ChunkID == chunkID && t.ContributionID >= affectedContribID {
			info.MoveToDisposing(t)
		}
	}
}

// SelectReplacement picks the best-suited queued participant to replace a
// dropped contributor: the one with the nearest assigned_future_round, else
// the earliest joined_at (spec §4.H).
func SelectReplacement(q *queue.Queue) (*queue.Entry, bool) {
	entries := q.Entries()
	var best *queue.Entry
	for _, e := range entries {
		if best == nil {
			best = e
			continue
		}
		if closerFutureRound(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

func closerFutureRound(a, b *queue.Entry) bool {
	switch {
	case a.AssignedFutureRound == nil && b.AssignedFutureRound == nil:
		return a.JoinedAt.Before(b.JoinedAt)
	case a.AssignedFutureRound == nil:
		return false
	case b.AssignedFutureRound == nil:
		return true
	case *a.AssignedFutureRound != *b.AssignedFutureRound:
		return *a.AssignedFutureRound < *b.AssignedFutureRound
	default:
		return a.JoinedAt.Before(b.JoinedAt)
	}
}

// ReplaceContributor swaps the dropped contributor's bucket for replacement,
// assigning replacement fresh tasks from that bucket (spec §4.H).
func ReplaceContributor(r *round.Round, dropped *lifecycle.Info, replacement participant.Participant, now time.Time) *lifecycle.Info {
	r.AddReplacementContributorUnsafe(dropped.ID, replacement)
	info := lifecycle.New(replacement, dropped.RoundHeight, 0, dropped.BucketID, now)
	tasks := participant.Buckets(uint64(dropped.BucketID), len(r.ContributorIDs), r.NumberOfChunks())
	info.Start(tasks, now)
	return info
}

// ResetCurrentRound implements spec §4.H reset_current_round. When
// forceRollback or no contributor survives, it changes nothing and returns
// nil (or RoundHeightIsZero at height 0); decrementing the round height and
// requeueing everyone is left to the caller. Otherwise every surviving
// contributor is restarted in place.
func ResetCurrentRound(s *state.State, r *round.Round, forceRollback bool, now time.Time) error {
	numCurrent := len(s.CurrentContributors)
	numFinished := len(s.FinishedContributors[r.RoundHeight])

	if forceRollback || numCurrent+numFinished == 0 {
		if r.RoundHeight == 0 {
			return cerr.New(cerr.KindRoundHeightIsZero)
		}
		return nil // caller decrements CurrentRoundHeight and requeues
	}

	survivors := make([]*lifecycle.Info, 0, numCurrent)
	keep := make(map[participant.Participant]struct{}, numCurrent)
	for p, info := range s.CurrentContributors {
		survivors = append(survivors, info)
		keep[p] = struct{}{}
	}
	sortByBucketID(survivors)

	removed := make([]participant.Participant, 0, len(r.ContributorIDs))
	for _, p := range r.ContributorIDs {
		if _, ok := keep[p]; !ok {
			removed = append(removed, p)
		}
	}
	r.Reset(removed)

	for i, info := range survivors {
		info.BucketID = i
		info.LockedChunks = make(map[uint64]lifecycle.ChunkLock)
		info.PendingTasks = nil
		fresh := participant.Buckets(uint64(i), len(survivors), r.NumberOfChunks())
		info.ReassignTasks(fresh)
	}
	return nil
}

// sortByBucketID orders infos by BucketID ascending, preserving the
// relative priority the participants were assigned at precommit time, so
// renumbering after a drop keeps survivors in their original order.
func sortByBucketID(infos []*lifecycle.Info) {
	for i := 1; i < len(infos); i++ {
		for j := i; j > 0 && infos[j].BucketID < infos[j-1].BucketID; j-- {
			infos[j-1], infos[j] = infos[j], infos[j-1]
		}
	}
}

// ReplaceContributorAction builds the storage action recording the
// replacement event (spec §4.H, ReplaceContributor).
func ReplaceContributorAction(roundHeight uint64, dropped, replacement participant.Participant, bucketID uint64) storage.Action {
	return storage.Action{
		Kind:          storage.ActionReplaceContributor,
		RoundHeight:   roundHeight,
		Dropped:       dropped.String(),
		BucketID:      bucketID,
		Replacement:   replacement.String(),
	}
}

// ResetCurrentRoundAction builds the storage action recording the reset
// event (spec §4.H, ResetCurrentRound).
func ResetCurrentRoundAction(roundHeight uint64, removeParticipants []participant.Participant, rollback bool) storage.Action {
	names := make([]string, len(removeParticipants))
	for i, p := range removeParticipants {
		names[i] = p.String()
	}
	return storage.Action{
		Kind:               storage.ActionResetCurrentRound,
		RoundHeight:        roundHeight,
		RemoveParticipants: names,
		Rollback:           rollback,
	}
}
