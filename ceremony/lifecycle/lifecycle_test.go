package lifecycle

import (
	"testing"
	"time"

	"github.com/setupforge/coordinator/ceremony/participant"
)

func mustTask(t *testing.T, chunk, contrib uint64) participant.Task {
	t.Helper()
	task, err := participant.NewTask(chunk, contrib)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	return task
}

func TestFetchTaskRespectsLockLimit(t *testing.T) {
	now := time.Now()
	p := participant.Contributor("alice")
	info := New(p, 1, 50, 0, now)
	info.Start([]participant.Task{mustTask(t, 0, 1), mustTask(t, 1, 1)}, now)

	task, err := info.FetchTask(1, now)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if err := info.AcquiredLock(task.ChunkID, now); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := info.FetchTask(1, now); err == nil {
		t.Fatalf("expected lock-limit rejection on second fetch")
	}
}

func TestFetchTaskEmptyAssigned(t *testing.T) {
	info := New(participant.Contributor("alice"), 1, 0, 0, time.Now())
	if _, err := info.FetchTask(1, time.Now()); err == nil {
		t.Fatalf("expected no-remaining-tasks error")
	}
}

func TestCompletedTaskMovesAndUnlocks(t *testing.T) {
	now := time.Now()
	info := New(participant.Contributor("alice"), 1, 0, 0, now)
	task := mustTask(t, 0, 1)
	info.Start([]participant.Task{task}, now)
	if _, err := info.FetchTask(1, now); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := info.AcquiredLock(task.ChunkID, now); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := info.CompletedTask(task); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(info.PendingTasks) != 0 || len(info.CompletedTasks) != 1 {
		t.Fatalf("expected task moved to completed, got pending=%v completed=%v", info.PendingTasks, info.CompletedTasks)
	}
	if _, locked := info.LockedChunks[task.ChunkID]; locked {
		t.Fatalf("expected lock released after completion")
	}
}

func TestRollbackLockedTaskRestoresAssignedAndUnlocks(t *testing.T) {
	now := time.Now()
	info := New(participant.Contributor("alice"), 1, 0, 0, now)
	task := mustTask(t, 3, 1)
	info.Start([]participant.Task{task}, now)
	if _, err := info.FetchTask(1, now); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	_ = info.AcquiredLock(task.ChunkID, now)

	if err := info.RollbackLockedTask(task); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(info.AssignedTasks) != 1 || !info.AssignedTasks[0].Equal(task) {
		t.Fatalf("expected task restored to assigned head, got %v", info.AssignedTasks)
	}
	if _, locked := info.LockedChunks[task.ChunkID]; locked {
		t.Fatalf("expected lock released")
	}
}

func TestIsFinishedRequiresCompletedWorkForContributor(t *testing.T) {
	now := time.Now()
	info := New(participant.Contributor("alice"), 1, 0, 0, now)
	info.Start(nil, now)
	if info.IsFinished(true) {
		t.Fatalf("contributor with no completed tasks should not be finished")
	}
	task := mustTask(t, 0, 1)
	info.CompletedTasks = append(info.CompletedTasks, task)
	if !info.IsFinished(true) {
		t.Fatalf("expected finished once work completed and no outstanding state")
	}
}

func TestDisposeTaskRequiresDisposing(t *testing.T) {
	info := New(participant.Contributor("alice"), 1, 0, 0, time.Now())
	if err := info.DisposeTask(0, 1); err == nil {
		t.Fatalf("expected missing-disposing-task error")
	}
}

func TestMoveToDisposingFromPendingOrCompleted(t *testing.T) {
	now := time.Now()
	info := New(participant.Contributor("alice"), 1, 0, 0, now)
	pending := mustTask(t, 0, 1)
	completed := mustTask(t, 1, 1)
	info.PendingTasks = []participant.Task{pending}
	info.CompletedTasks = []participant.Task{completed}

	info.MoveToDisposing(pending)
	info.MoveToDisposing(completed)

	if len(info.PendingTasks) != 0 || len(info.CompletedTasks) != 0 {
		t.Fatalf("expected both lists drained")
	}
	if len(info.DisposingTasks) != 2 {
		t.Fatalf("expected both tasks moved to disposing, got %v", info.DisposingTasks)
	}
}
