// Package state implements CeremonyState, the top-level aggregate of queue,
// round participants, finished history, drops, and bans (spec §3
// CeremonyState; §4.E admission; §4.G cross-cutting invariants).
package state

import (
	"sync"
	"time"

	"github.com/setupforge/coordinator/ceremony/cerr"
	"github.com/setupforge/coordinator/ceremony/lifecycle"
	"github.com/setupforge/coordinator/ceremony/participant"
	"github.com/setupforge/coordinator/ceremony/queue"
)

// Status is the ceremony's coarse round-transition phase.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusInitialized  Status = "initialized"
	StatusPrecommit    Status = "precommit"
	StatusCommit       Status = "commit"
	StatusRollback     Status = "rollback"
)

// State is CeremonyState: everything the coordinator façade needs to decide
// whether an operation is admissible, guarded by a single RWMutex per spec
// §5 ("every mutating façade call takes an exclusive write lock ... for its
// entire duration").
type State struct {
	mu sync.RWMutex

	Status Status

	Queue *queue.Queue

	Next                 map[participant.Participant]*lifecycle.Info
	CurrentRoundHeight   *uint64
	CurrentContributors  map[participant.Participant]*lifecycle.Info
	CurrentVerifiers     map[participant.Participant]*lifecycle.Info
	PendingVerification  map[participant.Task]participant.Participant
	FinishedContributors map[uint64]map[participant.Participant]*lifecycle.Info
	FinishedVerifiers    map[uint64]map[participant.Participant]*lifecycle.Info

	Dropped []*lifecycle.Info
	Banned  map[participant.Participant]struct{}

	ManualLock bool

	AllowRequeueCurrentContributors bool
}

// New creates an empty State backed by q.
func New(q *queue.Queue) *State {
	return &State{
		Status:               StatusInitializing,
		Queue:                q,
		Next:                 make(map[participant.Participant]*lifecycle.Info),
		CurrentContributors:  make(map[participant.Participant]*lifecycle.Info),
		CurrentVerifiers:     make(map[participant.Participant]*lifecycle.Info),
		PendingVerification:  make(map[participant.Task]participant.Participant),
		FinishedContributors: make(map[uint64]map[participant.Participant]*lifecycle.Info),
		FinishedVerifiers:    make(map[uint64]map[participant.Participant]*lifecycle.Info),
		Banned:               make(map[participant.Participant]struct{}),
	}
}

func (s *State) Lock()    { s.mu.Lock() }
func (s *State) Unlock()  { s.mu.Unlock() }
func (s *State) RLock()   { s.mu.RLock() }
func (s *State) RUnlock() { s.mu.RUnlock() }

// IsBanned reports whether p has been banned.
func (s *State) IsBanned(p participant.Participant) bool {
	_, ok := s.Banned[p]
	return ok
}

func (s *State) everFinished(p participant.Participant) bool {
	for _, byRound := range s.FinishedContributors {
		if _, ok := byRound[p]; ok {
			return true
		}
	}
	return false
}

// AddToQueue runs the admission checks from spec §4.E: first the ones that
// need visibility into ceremony state (banned, already queued or finished,
// contributor kind, current-round membership), then the queue's own IP and
// token policy via Queue.CheckIP/CheckToken; on success it enqueues p.
func (s *State) AddToQueue(p participant.Participant, ip, token string, reliability uint8, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsBanned(p) {
		return cerr.New(cerr.KindParticipantBanned)
	}
	if s.Queue.Contains(p) {
		return cerr.New(cerr.KindParticipantAlreadyAdded)
	}
	if _, ok := s.Next[p]; ok {
		return cerr.New(cerr.KindParticipantAlreadyAdded)
	}
	if s.everFinished(p) {
		return cerr.New(cerr.KindParticipantAlreadyAdded)
	}
	if !p.IsContributor() {
		return cerr.New(cerr.KindExpectedContributor)
	}
	if _, ok := s.CurrentContributors[p]; ok && !s.AllowRequeueCurrentContributors {
		return cerr.New(cerr.KindParticipantInCurrentRoundCannotJoinQueue)
	}
	if err := s.Queue.CheckIP(ip); err != nil {
		return err
	}
	if err := s.Queue.CheckToken(token, now); err != nil {
		return err
	}

	s.Queue.Enqueue(p, ip, token, reliability, now)
	return nil
}

// UpdateCurrentContributors moves every current participant whose
// IsFinished() predicate holds into the finished history for height (spec
// §4.H step 2).
func (s *State) UpdateCurrentContributors(height uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p, info := range s.CurrentContributors {
		if info.IsFinished(true) {
			s.moveToFinished(s.FinishedContributors, height, p, info)
			delete(s.CurrentContributors, p)
		}
	}
	for p, info := range s.CurrentVerifiers {
		if info.IsFinished(false) {
			s.moveToFinished(s.FinishedVerifiers, height, p, info)
			delete(s.CurrentVerifiers, p)
		}
	}
}

func (s *State) moveToFinished(dst map[uint64]map[participant.Participant]*lifecycle.Info, height uint64, p participant.Participant, info *lifecycle.Info) {
	byRound, ok := dst[height]
	if !ok {
		byRound = make(map[participant.Participant]*lifecycle.Info)
		dst[height] = byRound
	}
	byRound[p] = info
}

// Drop moves p's Info from CurrentContributors/CurrentVerifiers into
// Dropped, marking it dropped at now.
func (s *State) Drop(p participant.Participant, now time.Time) *lifecycle.Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	var info *lifecycle.Info
	if v, ok := s.CurrentContributors[p]; ok {
		info = v
		delete(s.CurrentContributors, p)
	} else if v, ok := s.CurrentVerifiers[p]; ok {
		info = v
		delete(s.CurrentVerifiers, p)
	}
	if info == nil {
		return nil
	}
	info.Drop(now)
	s.Dropped = append(s.Dropped, info)
	return info
}

// DropCount counts how many times p appears in Dropped, used by
// update_banned_participants (spec §4.H step 5).
func (s *State) DropCount(p participant.Participant) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, info := range s.Dropped {
		if info.ID.Equal(p) {
			n++
		}
	}
	return n
}

// Ban adds p to Banned and blacklists its queue token/IP (spec §4.H
// Banning).
func (s *State) Ban(p participant.Participant, ip, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Banned[p] = struct{}{}
	s.Queue.Blacklist(p, ip, token)
}

// PrecommitCandidate is a queue entry selected for the next round.
type PrecommitCandidate struct {
	Participant participant.Participant
	Reliability uint8
}
