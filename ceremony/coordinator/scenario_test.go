package coordinator

import (
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/setupforge/coordinator/ceremony/backend"
	"github.com/setupforge/coordinator/ceremony/backend/blake2bref"
	"github.com/setupforge/coordinator/ceremony/backend/ed25519sig"
	"github.com/setupforge/coordinator/ceremony/cerr"
	"github.com/setupforge/coordinator/ceremony/drop"
	"github.com/setupforge/coordinator/ceremony/hashchain"
	"github.com/setupforge/coordinator/ceremony/lifecycle"
	"github.com/setupforge/coordinator/ceremony/locator"
	"github.com/setupforge/coordinator/ceremony/participant"
	"github.com/setupforge/coordinator/ceremony/queue"
	"github.com/setupforge/coordinator/ceremony/state"
	"github.com/setupforge/coordinator/ceremony/storage"
)

// contributeAndVerify drives one full lock -> contribute -> verify cycle for
// contributor against whichever chunk its next task names, mirroring the
// step sequence TestSingleChunkRoundTrip uses. verifierSecretHex must match
// the coordinator's VerifierPublicKeyHex, since verify_contribution checks
// the submitted signature against that key rather than the contributor's.
// It returns the chunk that was worked, so callers can assert against it.
func contributeAndVerify(t *testing.T, co *Coordinator, store storage.Store, be backend.Computation, contributorSecretHex, verifierSecretHex string, contributor, verifier participant.Participant, now time.Time) uint64 {
	t.Helper()

	chunkID, locs, err := co.TryLock(contributor, now)
	if err != nil {
		t.Fatalf("try lock (%s): %v", contributor, err)
	}
	return contributeAndVerifyLocked(t, co, store, be, contributorSecretHex, verifierSecretHex, contributor, verifier, chunkID, locs, now)
}

// tryProgressOneTask attempts a single lock -> contribute -> verify cycle
// for contributor's next assigned task, locking exactly once. If the task
// names a chunk whose previous contribution hasn't landed yet (another
// contributor's bucket hasn't reached it), it reports attempted=false
// instead of treating that as a fatal error, so round-draining loops over
// multiple contributors can simply retry on their next pass.
func tryProgressOneTask(t *testing.T, co *Coordinator, store storage.Store, be backend.Computation, contributorSecretHex, verifierSecretHex string, contributor, verifier participant.Participant, now time.Time) (chunkID uint64, attempted bool) {
	t.Helper()

	chunkID, locs, err := co.TryLock(contributor, now)
	if err != nil {
		if kind, ok := cerr.KindOf(err); ok && kind == cerr.KindPreviousContributionMissing {
			return 0, false
		}
		t.Fatalf("try lock (%s): %v", contributor, err)
	}
	return contributeAndVerifyLocked(t, co, store, be, contributorSecretHex, verifierSecretHex, contributor, verifier, chunkID, locs, now), true
}

func contributeAndVerifyLocked(t *testing.T, co *Coordinator, store storage.Store, be backend.Computation, contributorSecretHex, verifierSecretHex string, contributor, verifier participant.Participant, chunkID uint64, locs LockedLocators, now time.Time) uint64 {
	t.Helper()

	challenge, err := store.Get(locs.PreviousContribution)
	if err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	response, err := be.Compute(challenge, []byte("entropy-"+contributor.ID))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	sig := sign(t, contributorSecretHex, challenge, response, response)
	sigBytes, err := json.Marshal(sig)
	if err != nil {
		t.Fatalf("marshal sig: %v", err)
	}

	if _, err := co.TryContribute(contributor, chunkID, response, sigBytes, now); err != nil {
		t.Fatalf("try contribute (%s, chunk %d): %v", contributor, chunkID, err)
	}

	task, err := participant.NewTask(chunkID, locs.NextContribution.ContributionID)
	if err != nil {
		t.Fatalf("build task: %v", err)
	}

	verifyChallenge, err := store.Get(locator.ContributionFile(co.Round.RoundHeight, chunkID, task.ContributionID-1, true))
	if err != nil {
		t.Fatalf("read verify challenge: %v", err)
	}
	verifyResponse, err := store.Get(locator.ContributionFile(co.Round.RoundHeight, chunkID, task.ContributionID, false))
	if err != nil {
		t.Fatalf("read verify response: %v", err)
	}
	nextChallenge, err := be.Verify(verifyChallenge, verifyResponse)
	if err != nil {
		t.Fatalf("backend verify: %v", err)
	}
	vSig := sign(t, verifierSecretHex, verifyChallenge, verifyResponse, nextChallenge)
	nHash := hashchain.Hash(nextChallenge)
	vSig.NextChallengeHashHex = hex.EncodeToString(nHash[:])
	vSigBytes, err := json.Marshal(vSig)
	if err != nil {
		t.Fatalf("marshal verifier sig: %v", err)
	}

	if _, err := co.TryVerify(verifier, task, vSigBytes, now); err != nil {
		t.Fatalf("try verify (chunk %d, contribution %d): %v", chunkID, task.ContributionID, err)
	}
	return chunkID
}

func newScenarioCoordinator(t *testing.T, numberOfChunks int) (*Coordinator, storage.Store, backend.Computation) {
	t.Helper()
	store := storage.NewMemStore()
	cfg := DefaultConfig()
	cfg.NumberOfChunks = numberOfChunks

	q := queue.New(time.Now(), time.Hour, false)
	st := state.New(q)
	be := blake2bref.New()
	scheme := ed25519sig.New()
	co := New(store, storage.SizeSchedule{BaseSize: 1}, st, be, scheme, cfg)
	return co, store, be
}

func seedGenesisChallenges(t *testing.T, store storage.Store, numberOfChunks int) {
	t.Helper()
	for chunkID := 0; chunkID < numberOfChunks; chunkID++ {
		if err := store.Insert(locator.ContributionFile(0, uint64(chunkID), 0, true), []byte("genesis-challenge")); err != nil {
			t.Fatalf("seed genesis challenge %d: %v", chunkID, err)
		}
	}
}

// TestScenarioTwoContributorRoundCompletes drives two contributors across a
// two-chunk round to completion, with each chunk's two contribution slots
// filled in a different order -- the core happy path of spec §4.I.
func TestScenarioTwoContributorRoundCompletes(t *testing.T) {
	now := time.Now()
	co, store, be := newScenarioCoordinator(t, 2)
	seedGenesisChallenges(t, store, 2)

	aSecret, aPub, err := ed25519sig.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair a: %v", err)
	}
	bSecret, bPub, err := ed25519sig.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair b: %v", err)
	}
	vSecret, vPub, err := ed25519sig.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair verifier: %v", err)
	}
	co.VerifierPublicKeyHex = vPub

	contributorA := participant.Contributor(aPub)
	contributorB := participant.Contributor(bPub)
	verifier := participant.DefaultVerifier()

	if err := co.InitializeRound(0, now, []participant.Participant{contributorA, contributorB}); err != nil {
		t.Fatalf("initialize round: %v", err)
	}

	aInfo := lifecycle.New(contributorA, 0, 50, 0, now)
	aInfo.Start(participant.Buckets(0, 2, 2), now)
	co.State.CurrentContributors[contributorA] = aInfo

	bInfo := lifecycle.New(contributorB, 0, 50, 1, now)
	bInfo.Start(participant.Buckets(1, 2, 2), now)
	co.State.CurrentContributors[contributorB] = bInfo

	co.State.CurrentVerifiers[verifier] = lifecycle.New(verifier, 0, 0, 0, now)

	// B's first task names chunk 1, but chunk 1 has no contribution id 1 yet
	// (A hasn't visited it): the lock must be rejected and the task rolled
	// back to the front of B's assigned queue rather than silently dropped.
	if _, _, err := co.TryLock(contributorB, now); err == nil {
		t.Fatalf("expected B's premature lock on chunk 1 to fail")
	} else if kind, ok := cerr.KindOf(err); !ok || kind != cerr.KindPreviousContributionMissing {
		t.Fatalf("expected previous_contribution_missing, got %v", err)
	}
	if len(bInfo.AssignedTasks) == 0 || bInfo.AssignedTasks[0].ChunkID != 1 {
		t.Fatalf("expected B's chunk-1 task rolled back to the head of assigned_tasks, got %+v", bInfo.AssignedTasks)
	}

	// A completes chunk 0 (its first task) and chunk 1 (its second task).
	if chunkID := contributeAndVerify(t, co, store, be, aSecret, vSecret, contributorA, verifier, now); chunkID != 0 {
		t.Fatalf("expected A's first task on chunk 0, got %d", chunkID)
	}
	if chunkID := contributeAndVerify(t, co, store, be, aSecret, vSecret, contributorA, verifier, now); chunkID != 1 {
		t.Fatalf("expected A's second task on chunk 1, got %d", chunkID)
	}

	// Now that chunk 1 carries contribution id 1, B's retried lock succeeds.
	if chunkID := contributeAndVerify(t, co, store, be, bSecret, vSecret, contributorB, verifier, now); chunkID != 1 {
		t.Fatalf("expected B's first task on chunk 1, got %d", chunkID)
	}
	if chunkID := contributeAndVerify(t, co, store, be, bSecret, vSecret, contributorB, verifier, now); chunkID != 0 {
		t.Fatalf("expected B's second task on chunk 0, got %d", chunkID)
	}

	if !co.Round.IsComplete() {
		t.Fatalf("expected round complete after both contributors finished every chunk")
	}
	for _, ch := range co.Round.Chunks {
		if !ch.IsComplete(co.Round.ExpectedNumberOfContributions()) {
			t.Fatalf("expected chunk %d complete", ch.ChunkID)
		}
	}
}

// TestScenarioDropMidRoundPreservesCompletedWork drives three contributors
// through a three-chunk round, drops the middle-bucket contributor before
// it starts any task, and checks that ResetCurrentRound renumbers the
// survivors' buckets, shrinks the round's contributor roster to match, and
// leaves the survivors free to complete every chunk (spec §4.H, testable
// property 7: drop preserves task coverage).
func TestScenarioDropMidRoundPreservesCompletedWork(t *testing.T) {
	now := time.Now()
	co, store, be := newScenarioCoordinator(t, 3)
	seedGenesisChallenges(t, store, 3)

	aSecret, aPub, err := ed25519sig.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair a: %v", err)
	}
	_, bPub, err := ed25519sig.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair b: %v", err)
	}
	cSecret, cPub, err := ed25519sig.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair c: %v", err)
	}
	vSecret, vPub, err := ed25519sig.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair verifier: %v", err)
	}
	co.VerifierPublicKeyHex = vPub

	contributorA := participant.Contributor(aPub)
	contributorB := participant.Contributor(bPub)
	contributorC := participant.Contributor(cPub)
	verifier := participant.DefaultVerifier()

	if err := co.InitializeRound(0, now, []participant.Participant{contributorA, contributorB, contributorC}); err != nil {
		t.Fatalf("initialize round: %v", err)
	}

	aInfo := lifecycle.New(contributorA, 0, 50, 0, now)
	aInfo.Start(participant.Buckets(0, 3, 3), now)
	co.State.CurrentContributors[contributorA] = aInfo

	bInfo := lifecycle.New(contributorB, 0, 50, 1, now)
	bInfo.Start(participant.Buckets(1, 3, 3), now)
	co.State.CurrentContributors[contributorB] = bInfo

	cInfo := lifecycle.New(contributorC, 0, 50, 2, now)
	cInfo.Start(participant.Buckets(2, 3, 3), now)
	co.State.CurrentContributors[contributorC] = cInfo

	co.State.CurrentVerifiers[verifier] = lifecycle.New(verifier, 0, 0, 0, now)

	// A completes its first task (chunk 0, contribution id 1) before B is
	// dropped, so the reset must not lose that work.
	if chunkID := contributeAndVerify(t, co, store, be, aSecret, vSecret, contributorA, verifier, now); chunkID != 0 {
		t.Fatalf("expected A's first task on chunk 0, got %d", chunkID)
	}

	dropped := co.State.Drop(contributorB, now)
	if dropped == nil {
		t.Fatalf("expected B to be dropped")
	}
	drop.InvalidateDownstream(co.State, co.Round, dropped)
	if err := drop.ResetCurrentRound(co.State, co.Round, false, now); err != nil {
		t.Fatalf("reset current round: %v", err)
	}

	if len(co.Round.ContributorIDs) != 2 {
		t.Fatalf("expected the round roster shrunk to 2 survivors, got %d", len(co.Round.ContributorIDs))
	}
	for _, p := range co.Round.ContributorIDs {
		if p.Equal(contributorB) {
			t.Fatalf("expected dropped contributor B removed from the round roster")
		}
	}
	if co.Round.ExpectedNumberOfContributions() != 3 {
		t.Fatalf("expected expected_number_of_contributions to track the shrunk roster, got %d", co.Round.ExpectedNumberOfContributions())
	}

	if got := len(aInfo.CompletedTasks); got != 1 {
		t.Fatalf("expected A's completed chunk-0 task preserved across the reset, got %d completed tasks", got)
	}

	// Drive both survivors to completion; every chunk must reach
	// ExpectedNumberOfContributions() despite the mid-round roster change.
	for !co.Round.IsComplete() {
		progressed := false
		for _, c := range []struct {
			secret string
			p      participant.Participant
		}{{aSecret, contributorA}, {cSecret, contributorC}} {
			info := co.State.CurrentContributors[c.p]
			if len(info.AssignedTasks) == 0 && len(info.PendingTasks) == 0 {
				continue
			}
			if _, attempted := tryProgressOneTask(t, co, store, be, c.secret, vSecret, c.p, verifier, now); attempted {
				progressed = true
			}
		}
		if !progressed {
			t.Fatalf("round stuck incomplete with no contributor able to make progress")
		}
	}
}

// TestScenarioVerifierLockBlocksNextContributor exercises the chunk lock
// contention between a contributor's submission and the verifier's
// automatic re-acquisition of that same chunk's lock (spec §3, Chunk; §4.B
// AcquireLock): between try_contribute and try_verify the chunk stays
// locked by the verifier, so no other contributor can acquire it.
func TestScenarioVerifierLockBlocksNextContributor(t *testing.T) {
	now := time.Now()
	co, store, be := newScenarioCoordinator(t, 1)
	seedGenesisChallenges(t, store, 1)

	aSecret, aPub, err := ed25519sig.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair a: %v", err)
	}
	_, bPub, err := ed25519sig.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair b: %v", err)
	}
	vSecret, vPub, err := ed25519sig.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair verifier: %v", err)
	}
	co.VerifierPublicKeyHex = vPub

	contributorA := participant.Contributor(aPub)
	contributorB := participant.Contributor(bPub)
	verifier := participant.DefaultVerifier()

	if err := co.InitializeRound(0, now, []participant.Participant{contributorA, contributorB}); err != nil {
		t.Fatalf("initialize round: %v", err)
	}

	// With a single chunk, both contributors' one-task bucket names chunk 0
	// -- A at contribution id 1, B at contribution id 2 -- so B's lock
	// attempt lands squarely on whatever currently holds chunk 0's lock.
	aInfo := lifecycle.New(contributorA, 0, 50, 0, now)
	aInfo.Start(participant.Buckets(0, 2, 1), now)
	co.State.CurrentContributors[contributorA] = aInfo

	bInfo := lifecycle.New(contributorB, 0, 50, 1, now)
	bInfo.Start(participant.Buckets(1, 2, 1), now)
	co.State.CurrentContributors[contributorB] = bInfo

	co.State.CurrentVerifiers[verifier] = lifecycle.New(verifier, 0, 0, 0, now)

	// A locks and contributes to chunk 0; AddContribution releases A's lock
	// but addContribution immediately re-acquires it for the verifier.
	chunkID, locs, err := co.TryLock(contributorA, now)
	if err != nil {
		t.Fatalf("try lock a: %v", err)
	}
	if chunkID != 0 {
		t.Fatalf("expected A's only task on chunk 0, got %d", chunkID)
	}
	challenge, err := store.Get(locs.PreviousContribution)
	if err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	response, err := be.Compute(challenge, []byte("entropy-a"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	sig := sign(t, aSecret, challenge, response, response)
	sigBytes, err := json.Marshal(sig)
	if err != nil {
		t.Fatalf("marshal sig: %v", err)
	}
	if _, err := co.TryContribute(contributorA, chunkID, response, sigBytes, now); err != nil {
		t.Fatalf("try contribute: %v", err)
	}

	// B's only task also names chunk 0, at contribution id 2, but the chunk
	// is now locked by the verifier awaiting try_verify of A's submission --
	// the lock attempt must fail rather than silently block.
	if _, _, err := co.TryLock(contributorB, now); err == nil {
		t.Fatalf("expected B's chunk-0 lock to fail while the verifier holds it")
	} else if kind, ok := cerr.KindOf(err); !ok || kind != cerr.KindChunkLockAlreadyAcquired {
		t.Fatalf("expected chunk_lock_already_acquired, got %v", err)
	}

	// Once the verifier finishes, the lock releases and B can proceed.
	task, err := participant.NewTask(chunkID, 1)
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	verifyChallenge, err := store.Get(locator.ContributionFile(0, chunkID, 0, true))
	if err != nil {
		t.Fatalf("read verify challenge: %v", err)
	}
	verifyResponse, err := store.Get(locator.ContributionFile(0, chunkID, 1, false))
	if err != nil {
		t.Fatalf("read verify response: %v", err)
	}
	nextChallenge, err := be.Verify(verifyChallenge, verifyResponse)
	if err != nil {
		t.Fatalf("backend verify: %v", err)
	}
	vSig := sign(t, vSecret, verifyChallenge, verifyResponse, nextChallenge)
	nHash := hashchain.Hash(nextChallenge)
	vSig.NextChallengeHashHex = hex.EncodeToString(nHash[:])
	vSigBytes, err := json.Marshal(vSig)
	if err != nil {
		t.Fatalf("marshal verifier sig: %v", err)
	}
	if _, err := co.TryVerify(verifier, task, vSigBytes, now); err != nil {
		t.Fatalf("try verify: %v", err)
	}

	if _, _, err := co.TryLock(contributorB, now); err != nil {
		t.Fatalf("expected B's chunk-0 lock to succeed once verification released it: %v", err)
	}
}

// TestScenarioLockTimeoutDropsContributorAndResetsRound drives a contributor
// whose held lock exceeds ParticipantLockTimeout through the periodic
// update tick, which must drop it and -- finding no queued replacement, but
// a surviving contributor to restart around -- fall back to
// reset_current_round, which releases every chunk's lock including the one
// the timed-out contributor held (spec §4.H, update_timed_out_ceremonies).
// A second, separately-tracked contributor is kept recently seen throughout
// so ContributorSeenTimeout cannot also explain the drop.
func TestScenarioLockTimeoutDropsContributorAndResetsRound(t *testing.T) {
	start := time.Now()
	co, store, _ := newScenarioCoordinator(t, 2)
	co.Cfg.ParticipantLockTimeout = time.Minute
	co.Cfg.ContributorSeenTimeout = time.Hour
	seedGenesisChallenges(t, store, 2)

	_, stalledPub, err := ed25519sig.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair stalled: %v", err)
	}
	_, survivorPub, err := ed25519sig.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair survivor: %v", err)
	}
	stalled := participant.Contributor(stalledPub)
	survivor := participant.Contributor(survivorPub)

	if err := co.InitializeRound(0, start, []participant.Participant{stalled, survivor}); err != nil {
		t.Fatalf("initialize round: %v", err)
	}
	stalledInfo := lifecycle.New(stalled, 0, 50, 0, start)
	stalledInfo.Start(participant.Buckets(0, 2, 2), start)
	stalledInfo.Touch(start)
	co.State.CurrentContributors[stalled] = stalledInfo

	survivorInfo := lifecycle.New(survivor, 0, 50, 1, start)
	survivorInfo.Start(participant.Buckets(1, 2, 2), start)
	survivorInfo.Touch(start)
	co.State.CurrentContributors[survivor] = survivorInfo

	if _, _, err := co.TryLock(stalled, start); err != nil {
		t.Fatalf("try lock: %v", err)
	}
	if len(stalledInfo.LockedChunks) != 1 {
		t.Fatalf("expected one locked chunk, got %d", len(stalledInfo.LockedChunks))
	}

	later := start.Add(2 * time.Minute)
	survivorInfo.Touch(later) // kept recently seen: ContributorSeenTimeout (1h) cannot fire for it
	if err := co.UpdateTick(later); err != nil {
		t.Fatalf("update tick: %v", err)
	}

	if _, ok := co.State.CurrentContributors[stalled]; ok {
		t.Fatalf("expected the timed-out contributor dropped from current_contributors")
	}
	if co.State.DropCount(stalled) != 1 {
		t.Fatalf("expected one recorded drop, got %d", co.State.DropCount(stalled))
	}
	if _, ok := co.State.CurrentContributors[survivor]; !ok {
		t.Fatalf("expected the other contributor to remain current")
	}
	for _, ch := range co.Round.Chunks {
		if ch.LockHolder != nil {
			t.Fatalf("expected every chunk lock released by the reset, chunk %d still held", ch.ChunkID)
		}
	}
	if len(co.Round.ContributorIDs) != 1 || !co.Round.ContributorIDs[0].Equal(survivor) {
		t.Fatalf("expected the round roster shrunk to just the survivor, got %+v", co.Round.ContributorIDs)
	}
}

// TestScenarioReplayedResponseRejected checks that resubmitting a prior
// round's response (replaying a stale signature) is rejected by the
// hash-chain check before any signature is even verified, since the
// replayed response's hash no longer matches the current challenge (spec
// §4.J, §8 testable property: a submission must chain from the chunk's
// current challenge).
func TestScenarioReplayedResponseRejected(t *testing.T) {
	now := time.Now()
	co, store, be := newScenarioCoordinator(t, 1)
	seedGenesisChallenges(t, store, 1)

	secretHex, pubHex, err := ed25519sig.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	contributor := participant.Contributor(pubHex)

	if err := co.InitializeRound(0, now, []participant.Participant{contributor}); err != nil {
		t.Fatalf("initialize round: %v", err)
	}
	info := lifecycle.New(contributor, 0, 50, 0, now)
	info.Start(participant.Buckets(0, 1, 1), now)
	co.State.CurrentContributors[contributor] = info

	chunkID, locs, err := co.TryLock(contributor, now)
	if err != nil {
		t.Fatalf("try lock: %v", err)
	}

	staleChallenge := []byte("a-different-round's-challenge")
	staleResponse, err := be.Compute(staleChallenge, []byte("replayed-entropy"))
	if err != nil {
		t.Fatalf("compute stale response: %v", err)
	}
	sig := sign(t, secretHex, staleChallenge, staleResponse, staleResponse)
	sigBytes, err := json.Marshal(sig)
	if err != nil {
		t.Fatalf("marshal sig: %v", err)
	}

	if _, err := co.TryContribute(contributor, chunkID, staleResponse, sigBytes, now); err == nil {
		t.Fatalf("expected the replayed response to be rejected")
	} else if kind, ok := cerr.KindOf(err); !ok || kind != cerr.KindContributionHashMismatch {
		t.Fatalf("expected contribution_hash_mismatch, got %v", err)
	}
	if store.Exists(locs.NextContribution) {
		t.Fatalf("expected the rejected response not left behind in storage")
	}

	// The task is still pending: the chunk lock was never released, so a
	// correctly-chained retry can still succeed.
	if _, found := info.LookupPendingTask(chunkID); !found {
		t.Fatalf("expected the task to remain pending after a rejected submission")
	}

	challenge, err := store.Get(locs.PreviousContribution)
	if err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	response, err := be.Compute(challenge, []byte("correct-entropy"))
	if err != nil {
		t.Fatalf("compute correct response: %v", err)
	}
	goodSig := sign(t, secretHex, challenge, response, response)
	goodSigBytes, err := json.Marshal(goodSig)
	if err != nil {
		t.Fatalf("marshal sig: %v", err)
	}
	if _, err := co.TryContribute(contributor, chunkID, response, goodSigBytes, now); err != nil {
		t.Fatalf("expected the correctly-chained retry to succeed: %v", err)
	}
}

// TestScenarioCeremonyOverAfterFinalCohort checks Queue.CeremonyIsOver: the
// ceremony is not over while cohorts remain, and becomes over once the
// current cohort index runs past the configured cohort count (spec §4.H
// step 9, §6 cohort schedule).
func TestScenarioCeremonyOverAfterFinalCohort(t *testing.T) {
	start := time.Now()
	cohortDuration := time.Hour
	q := queue.New(start, cohortDuration, false)
	q.LoadTokens([][]string{{"cohort-0-token"}, {"cohort-1-token"}})

	if q.CeremonyIsOver(start) {
		t.Fatalf("expected the ceremony not over at the start of cohort 0")
	}
	if q.CeremonyIsOver(start.Add(90 * time.Minute)) {
		t.Fatalf("expected the ceremony not over during cohort 1")
	}
	if !q.CeremonyIsOver(start.Add(2 * cohortDuration)) {
		t.Fatalf("expected the ceremony over once the cohort index reaches the cohort count")
	}
	if !q.CeremonyIsOver(start.Add(10 * cohortDuration)) {
		t.Fatalf("expected the ceremony to remain over well past the last cohort")
	}
}
