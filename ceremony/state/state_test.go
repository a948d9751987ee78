package state

import (
	"testing"
	"time"

	"github.com/setupforge/coordinator/ceremony/lifecycle"
	"github.com/setupforge/coordinator/ceremony/participant"
	"github.com/setupforge/coordinator/ceremony/queue"
)

func newTestState(now time.Time) *State {
	q := queue.New(now, time.Hour, false)
	q.LoadTokens([][]string{{"tok"}})
	return New(q)
}

func TestAddToQueueRejectsBannedAndDuplicate(t *testing.T) {
	now := time.Now()
	s := newTestState(now)
	alice := participant.Contributor("alice")

	if err := s.AddToQueue(alice, "", "tok", 0, now); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := s.AddToQueue(alice, "", "tok", 0, now); err == nil {
		t.Fatalf("expected duplicate rejection")
	}

	bob := participant.Contributor("bob")
	s.Ban(bob, "", "")
	if err := s.AddToQueue(bob, "", "tok", 0, now); err == nil {
		t.Fatalf("expected banned rejection")
	}
}

func TestAddToQueueRejectsVerifier(t *testing.T) {
	now := time.Now()
	s := newTestState(now)
	v := participant.DefaultVerifier()
	if err := s.AddToQueue(v, "", "tok", 0, now); err == nil {
		t.Fatalf("expected ExpectedContributor rejection for verifier")
	}
}

func TestAddToQueueRejectsAlreadyFinished(t *testing.T) {
	now := time.Now()
	s := newTestState(now)
	alice := participant.Contributor("alice")
	s.FinishedContributors[1] = map[participant.Participant]*lifecycle.Info{
		alice: lifecycle.New(alice, 1, 0, 0, now),
	}
	if err := s.AddToQueue(alice, "", "tok", 0, now); err == nil {
		t.Fatalf("expected already-added rejection for previously finished contributor")
	}
}

func TestDropAndBanCount(t *testing.T) {
	now := time.Now()
	s := newTestState(now)
	alice := participant.Contributor("alice")
	s.CurrentContributors[alice] = lifecycle.New(alice, 1, 0, 0, now)

	info := s.Drop(alice, now)
	if info == nil {
		t.Fatalf("expected drop to find the contributor")
	}
	if _, ok := s.CurrentContributors[alice]; ok {
		t.Fatalf("expected contributor removed from current set")
	}
	if got := s.DropCount(alice); got != 1 {
		t.Fatalf("expected drop count 1, got %d", got)
	}

	s.Ban(alice, "1.2.3.4", "tok")
	if !s.IsBanned(alice) {
		t.Fatalf("expected alice banned")
	}
}

func TestUpdateCurrentContributorsMovesFinished(t *testing.T) {
	now := time.Now()
	s := newTestState(now)
	alice := participant.Contributor("alice")
	info := lifecycle.New(alice, 1, 0, 0, now)
	task, _ := participant.NewTask(0, 1)
	info.Start([]participant.Task{task}, now)
	info.CompletedTasks = []participant.Task{task}
	info.AssignedTasks = nil
	s.CurrentContributors[alice] = info

	s.UpdateCurrentContributors(1)

	if _, ok := s.CurrentContributors[alice]; ok {
		t.Fatalf("expected contributor moved out of current set")
	}
	if _, ok := s.FinishedContributors[1][alice]; !ok {
		t.Fatalf("expected contributor recorded under finished height 1")
	}
}
