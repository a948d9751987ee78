// Package queue implements cohort-based token admission: tracking the
// admission queue, per-cohort token sets, and the IP/token blacklists
// (spec §3, CeremonyState queue fields; §4.E).
package queue

import (
	"strings"
	"sync"
	"time"

	"github.com/setupforge/coordinator/ceremony/cerr"
	"github.com/setupforge/coordinator/ceremony/participant"
)

// privateTokenPrefix marks a token as "private": private tokens are
// recorded in TokensInUse so they cannot be reused within a cohort; public
// tokens are not tracked individually (spec §4.E).
const privateTokenPrefix = "priv_"

// Entry is a queued participant's admission record.
type Entry struct {
	Participant         participant.Participant
	Reliability         uint8
	AssignedFutureRound *uint64
	LastSeen            time.Time
	JoinedAt            time.Time
}

// Queue tracks admitted-but-not-yet-precommitted participants together with
// the cohort token policy and IP/token blacklists.
type Queue struct {
	mu sync.Mutex

	entries map[string]*Entry // keyed by Participant.ID

	ceremonyStart  time.Time
	cohortDuration time.Duration
	tokensByCohort [][]string // cohort index -> valid token set (as a slice; membership checked via map below)
	tokenSets      []map[string]struct{}

	tokensInUse       map[string]struct{}
	blacklistedTokens map[string]participant.Participant
	blacklistedIPs    map[string]participant.Participant
	currentIPs        map[string]participant.Participant

	ipBanEnabled bool
}

// New creates an empty Queue.
func New(ceremonyStart time.Time, cohortDuration time.Duration, ipBanEnabled bool) *Queue {
	return &Queue{
		entries:           make(map[string]*Entry),
		ceremonyStart:     ceremonyStart,
		cohortDuration:    cohortDuration,
		tokensInUse:       make(map[string]struct{}),
		blacklistedTokens: make(map[string]participant.Participant),
		blacklistedIPs:    make(map[string]participant.Participant),
		currentIPs:        make(map[string]participant.Participant),
		ipBanEnabled:      ipBanEnabled,
	}
}

// LoadTokens replaces the cohort token sets (spec §6, token file format: one
// JSON array of strings per cohort, cohort count = directory entry count).
func (q *Queue) LoadTokens(cohorts [][]string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tokensByCohort = cohorts
	q.tokenSets = make([]map[string]struct{}, len(cohorts))
	for i, tokens := range cohorts {
		set := make(map[string]struct{}, len(tokens))
		for _, t := range tokens {
			set[t] = struct{}{}
		}
		q.tokenSets[i] = set
	}
}

// CohortIndex returns floor((now - start) / duration); cohorts never begin
// before ceremonyStart.
func (q *Queue) CohortIndex(now time.Time) int {
	if q.cohortDuration <= 0 || now.Before(q.ceremonyStart) {
		return 0
	}
	return int(now.Sub(q.ceremonyStart) / q.cohortDuration)
}

// NumCohorts returns the number of configured cohorts.
func (q *Queue) NumCohorts() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tokenSets)
}

// CeremonyIsOver reports whether the current cohort index has run past the
// configured cohort count (spec §4.H step 9).
func (q *Queue) CeremonyIsOver(now time.Time) bool {
	n := q.NumCohorts()
	if n == 0 {
		return false
	}
	return q.CohortIndex(now) >= n
}

func isPrivateToken(token string) bool { return strings.HasPrefix(token, privateTokenPrefix) }

func (q *Queue) tokenValid(token string, cohort int) bool {
	if cohort < 0 || cohort >= len(q.tokenSets) {
		return false
	}
	_, ok := q.tokenSets[cohort][token]
	return ok
}

// CheckIP enforces the IP-blacklist/duplicate-IP rule from spec §4.E step 1.
func (q *Queue) CheckIP(ip string) error {
	if !q.ipBanEnabled || ip == "" {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, banned := q.blacklistedIPs[ip]; banned {
		return cerr.New(cerr.KindParticipantIPAlreadyAdded)
	}
	if _, inUse := q.currentIPs[ip]; inUse {
		return cerr.New(cerr.KindParticipantIPAlreadyAdded)
	}
	return nil
}

// CheckToken enforces spec §4.E step 7: the token must be valid for the
// current cohort and not blacklisted.
func (q *Queue) CheckToken(token string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, banned := q.blacklistedTokens[token]; banned {
		return cerr.New(cerr.KindParticipantUnauthorized)
	}
	if !q.tokenValid(token, q.CohortIndex(now)) {
		return cerr.New(cerr.KindParticipantUnauthorized)
	}
	return nil
}

// Contains reports whether p is already queued.
func (q *Queue) Contains(p participant.Participant) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[p.ID]
	return ok
}

// Enqueue admits p, recording its IP and (if private) its token as in-use.
// Callers are responsible for the cross-cutting admission checks that
// require visibility into ceremony state beyond the queue (banned set,
// current round membership, already-finished history) -- see
// ceremony/state.AddToQueue.
func (q *Queue) Enqueue(p participant.Participant, ip, token string, reliability uint8, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[p.ID] = &Entry{
		Participant: p,
		Reliability: reliability,
		LastSeen:    now,
		JoinedAt:    now,
	}
	if ip != "" {
		q.currentIPs[ip] = p
	}
	if isPrivateToken(token) {
		q.tokensInUse[token] = struct{}{}
	}
}

// Remove drops p from the queue.
func (q *Queue) Remove(p participant.Participant) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, p.ID)
}

// Touch refreshes p's LastSeen timestamp.
func (q *Queue) Touch(p participant.Participant, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[p.ID]; ok {
		e.LastSeen = now
	}
}

// Entries returns a snapshot of all queued entries, sorted by JoinedAt
// ascending (spec §4.E, update_queue).
func (q *Queue) Entries() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Entry, 0, len(q.entries))
	for _, e := range q.entries {
		cp := *e
		out = append(out, &cp)
	}
	sortByJoinedAt(out)
	return out
}

func sortByJoinedAt(entries []*Entry) {
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 && entries[j-1].JoinedAt.After(entries[j].JoinedAt) {
			entries[j-1], entries[j] = entries[j], entries[j-1]
			j--
		}
	}
}

// DroppedByTimeout returns entries whose LastSeen exceeds timeout relative
// to now (spec §4.H step 4, update_dropped_queued_participants).
func (q *Queue) DroppedByTimeout(now time.Time, timeout time.Duration) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Entry
	for _, e := range q.entries {
		if now.Sub(e.LastSeen) > timeout {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// AssignRounds partitions the queue (sorted by JoinedAt ascending) into
// chunks of maxPerRound and assigns each chunk a successive round height
// starting at nextRoundHeight (spec §4.E, update_queue).
func (q *Queue) AssignRounds(nextRoundHeight uint64, maxPerRound int) {
	if maxPerRound <= 0 {
		return
	}
	entries := q.Entries()
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range entries {
		round := nextRoundHeight + uint64(i/maxPerRound)
		if real, ok := q.entries[e.Participant.ID]; ok {
			real.AssignedFutureRound = &round
		}
	}
}

// Blacklist moves a participant's token/IP from in-use to blacklisted and
// removes it from the queue (spec §4.H, Banning; §4.I step 5, "private
// tokens and IPs of any participant who submits a contribution are moved
// to blacklisted on successful contribution").
func (q *Queue) Blacklist(p participant.Participant, ip, token string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ip != "" {
		q.blacklistedIPs[ip] = p
		delete(q.currentIPs, ip)
	}
	if token != "" {
		q.blacklistedTokens[token] = p
		delete(q.tokensInUse, token)
	}
	delete(q.entries, p.ID)
}

// ReleaseIP frees ip from the in-use set without blacklisting it (used when
// a queued participant leaves the queue without contributing, e.g. on
// precommit or drop).
func (q *Queue) ReleaseIP(ip string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.currentIPs, ip)
}
