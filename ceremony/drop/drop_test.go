package drop

import (
	"testing"
	"time"

	"github.com/setupforge/coordinator/ceremony/lifecycle"
	"github.com/setupforge/coordinator/ceremony/participant"
	"github.com/setupforge/coordinator/ceremony/queue"
)

func TestSelectReplacementPrefersNearestFutureRound(t *testing.T) {
	now := time.Now()
	q := queue.New(now, time.Hour, false)
	q.Enqueue(participant.Contributor("soon"), "", "", 0, now)
	q.Enqueue(participant.Contributor("late"), "", "", 0, now.Add(time.Second))
	q.AssignRounds(10, 1)

	best, ok := SelectReplacement(q)
	if !ok {
		t.Fatalf("expected a replacement candidate")
	}
	if best.Participant.ID != "soon" {
		t.Fatalf("expected nearest future round to win, got %s", best.Participant.ID)
	}
}

func TestSelectReplacementFallsBackToJoinOrder(t *testing.T) {
	now := time.Now()
	q := queue.New(now, time.Hour, false)
	q.Enqueue(participant.Contributor("first"), "", "", 0, now)
	q.Enqueue(participant.Contributor("second"), "", "", 0, now.Add(time.Second))

	best, ok := SelectReplacement(q)
	if !ok || best.Participant.ID != "first" {
		t.Fatalf("expected earliest joined_at to win, got %v", best)
	}
}

func TestAffectedChunksCoversPendingAndCompleted(t *testing.T) {
	now := time.Now()
	info := lifecycle.New(participant.Contributor("alice"), 1, 0, 0, now)
	pending, _ := participant.NewTask(2, 3)
	completed, _ := participant.NewTask(5, 1)
	info.PendingTasks = []participant.Task{pending}
	info.CompletedTasks = []participant.Task{completed}

	affected := affectedChunks(info)
	if affected[2] != 3 || affected[5] != 1 {
		t.Fatalf("unexpected affected map: %v", affected)
	}
}
