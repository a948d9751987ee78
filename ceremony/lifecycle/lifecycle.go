// Package lifecycle implements the per-participant runtime record and its
// state machine (spec §3 ParticipantInfo, §4.F).
package lifecycle

import (
	"time"

	"github.com/setupforge/coordinator/ceremony/cerr"
	"github.com/setupforge/coordinator/ceremony/participant"
)

// ChunkLock records when a participant locked a chunk.
type ChunkLock struct {
	ChunkID  uint64
	LockedAt time.Time
}

// Info is the per-participant runtime record within a round (spec §3).
type Info struct {
	ID          participant.Participant
	RoundHeight uint64
	Reliability uint8
	BucketID    int

	FirstSeen  time.Time
	LastSeen   time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	DroppedAt  *time.Time

	LockedChunks map[uint64]ChunkLock

	AssignedTasks  []participant.Task
	PendingTasks   []participant.Task
	CompletedTasks []participant.Task
	DisposingTasks []participant.Task
	DisposedTasks  []participant.Task

	// taskTimerStarted marks the head of PendingTasks as timed; the
	// coordinator façade reads elapsed time for ETA metrics.
	taskTimerStarted time.Time
}

// New creates an Info for p, freshly seen at now.
func New(p participant.Participant, roundHeight uint64, reliability uint8, bucketID int, now time.Time) *Info {
	return &Info{
		ID:           p,
		RoundHeight:  roundHeight,
		Reliability:  reliability,
		BucketID:     bucketID,
		FirstSeen:    now,
		LastSeen:     now,
		LockedChunks: make(map[uint64]ChunkLock),
	}
}

// Start marks the participant started with the given task sequence, per
// spec §4.I precommit step ("start(tasks)").
func (i *Info) Start(tasks []participant.Task, now time.Time) {
	i.AssignedTasks = append([]participant.Task(nil), tasks...)
	i.StartedAt = &now
}

// Touch refreshes LastSeen.
func (i *Info) Touch(now time.Time) { i.LastSeen = now }

const contributorLockChunkLimit = 1

// FetchTask pops the head of AssignedTasks into the tail of PendingTasks
// (spec §4.F fetch_task; contributor only).
func (i *Info) FetchTask(lockLimit int, now time.Time) (participant.Task, error) {
	if lockLimit <= 0 {
		lockLimit = contributorLockChunkLimit
	}
	if len(i.LockedChunks) >= lockLimit {
		return participant.Task{}, cerr.New(cerr.KindParticipantHasLockedMaximumChunks)
	}
	if len(i.AssignedTasks) == 0 {
		return participant.Task{}, cerr.New(cerr.KindParticipantHasNoRemainingTasks)
	}
	task := i.AssignedTasks[0]
	i.AssignedTasks = i.AssignedTasks[1:]
	i.PendingTasks = append(i.PendingTasks, task)
	i.taskTimerStarted = now
	return task, nil
}

func removeTask(list []participant.Task, task participant.Task) ([]participant.Task, bool) {
	for idx, t := range list {
		if t.Equal(task) {
			out := append(append([]participant.Task(nil), list[:idx]...), list[idx+1:]...)
			return out, true
		}
	}
	return list, false
}

func containsTask(list []participant.Task, task participant.Task) bool {
	for _, t := range list {
		if t.Equal(task) {
			return true
		}
	}
	return false
}

// AcquiredLock records chunkID as locked (spec §4.F acquired_lock).
func (i *Info) AcquiredLock(chunkID uint64, now time.Time) error {
	if _, ok := i.LockedChunks[chunkID]; ok {
		return cerr.New(cerr.KindChunkLockAlreadyAcquired)
	}
	i.LockedChunks[chunkID] = ChunkLock{ChunkID: chunkID, LockedAt: now}
	return nil
}

// RollbackPendingTask moves task from PendingTasks back to the front of
// AssignedTasks (spec §4.F rollback_pending_task).
func (i *Info) RollbackPendingTask(task participant.Task) error {
	remaining, ok := removeTask(i.PendingTasks, task)
	if !ok {
		return cerr.New(cerr.KindParticipantMissingPendingTask).WithTask(task)
	}
	i.PendingTasks = remaining
	i.AssignedTasks = append([]participant.Task{task}, i.AssignedTasks...)
	return nil
}

// RollbackLockedTask is RollbackPendingTask plus releasing the chunk lock
// (spec §4.F rollback_locked_task).
func (i *Info) RollbackLockedTask(task participant.Task) error {
	if err := i.RollbackPendingTask(task); err != nil {
		return err
	}
	delete(i.LockedChunks, task.ChunkID)
	return nil
}

// CompletedTask moves task from PendingTasks to CompletedTasks and releases
// its lock (spec §4.F completed_task).
func (i *Info) CompletedTask(task participant.Task) error {
	if containsTask(i.CompletedTasks, task) {
		return cerr.New(cerr.KindParticipantMissingPendingTask).WithTask(task)
	}
	remaining, ok := removeTask(i.PendingTasks, task)
	if !ok {
		return cerr.New(cerr.KindParticipantMissingPendingTask).WithTask(task)
	}
	i.PendingTasks = remaining
	i.CompletedTasks = append(i.CompletedTasks, task)
	delete(i.LockedChunks, task.ChunkID)
	return nil
}

// MoveToDisposing moves task out of PendingTasks or CompletedTasks into
// DisposingTasks (spec §4.H, invalidating work built atop a dropped
// contribution).
func (i *Info) MoveToDisposing(task participant.Task) {
	if remaining, ok := removeTask(i.PendingTasks, task); ok {
		i.PendingTasks = remaining
		i.DisposingTasks = append(i.DisposingTasks, task)
		return
	}
	if remaining, ok := removeTask(i.CompletedTasks, task); ok {
		i.CompletedTasks = remaining
		i.DisposingTasks = append(i.DisposingTasks, task)
	}
}

// DisposeTask moves task from DisposingTasks to DisposedTasks and releases
// its lock (spec §4.F dispose_task).
func (i *Info) DisposeTask(chunkID, contributionID uint64) error {
	task, err := participant.NewTask(chunkID, contributionID)
	if err != nil {
		return err
	}
	remaining, ok := removeTask(i.DisposingTasks, task)
	if !ok {
		return cerr.New(cerr.KindParticipantMissingDisposingTask).WithTask(task)
	}
	i.DisposingTasks = remaining
	i.DisposedTasks = append(i.DisposedTasks, task)
	delete(i.LockedChunks, chunkID)
	return nil
}

// LookupPendingTask finds the PendingTasks entry for chunkID, if any.
func (i *Info) LookupPendingTask(chunkID uint64) (participant.Task, bool) {
	for _, t := range i.PendingTasks {
		if t.ChunkID == chunkID {
			return t, true
		}
	}
	return participant.Task{}, false
}

// LookupDisposingTask finds the DisposingTasks entry for chunkID, if any.
func (i *Info) LookupDisposingTask(chunkID uint64) (participant.Task, bool) {
	for _, t := range i.DisposingTasks {
		if t.ChunkID == chunkID {
			return t, true
		}
	}
	return participant.Task{}, false
}

// ReassignTasks replaces AssignedTasks with fresh, excluding any already
// completed or pending (spec §4.H, "reassign that contributor's
// assigned_tasks ... excluding any chunk already completed or pending").
func (i *Info) ReassignTasks(fresh []participant.Task) {
	out := make([]participant.Task, 0, len(fresh))
	for _, t := range fresh {
		if containsTask(i.CompletedTasks, t) || containsTask(i.PendingTasks, t) {
			continue
		}
		out = append(out, t)
	}
	i.AssignedTasks = out
}

// Restart clears all task lists, locks, and per-round timestamps, keeping
// BucketID, then reassigns fresh tasks (spec §4.H reset_current_round,
// surviving-contributor branch).
func (i *Info) Restart(fresh []participant.Task, now time.Time) {
	i.LockedChunks = make(map[uint64]ChunkLock)
	i.AssignedTasks = append([]participant.Task(nil), fresh...)
	i.PendingTasks = nil
	i.CompletedTasks = nil
	i.DisposingTasks = nil
	i.DisposedTasks = nil
	i.StartedAt = &now
	i.FinishedAt = nil
	i.DroppedAt = nil
}

// Drop marks the participant dropped at now.
func (i *Info) Drop(now time.Time) { i.DroppedAt = &now }

// IsFinished implements the spec §3 is_finished predicate.
func (i *Info) IsFinished(isContributor bool) bool {
	if i.StartedAt == nil || i.DroppedAt != nil || i.FinishedAt != nil {
		return false
	}
	if len(i.LockedChunks) != 0 || len(i.AssignedTasks) != 0 || len(i.PendingTasks) != 0 || len(i.DisposingTasks) != 0 {
		return false
	}
	if isContributor && len(i.CompletedTasks) == 0 {
		return false
	}
	return true
}

// Finish marks the participant finished at now.
func (i *Info) Finish(now time.Time) { i.FinishedAt = &now }

// TaskTimerElapsed returns how long the current head-of-pending task has
// been outstanding, used for round ETA metrics.
func (i *Info) TaskTimerElapsed(now time.Time) time.Duration {
	if i.taskTimerStarted.IsZero() {
		return 0
	}
	return now.Sub(i.taskTimerStarted)
}
