// Package coordinator implements the façade that orchestrates every
// ceremony operation: lock, contribute, verify, aggregate, advance, and the
// periodic update tick, enforcing the cross-cutting invariants from spec
// §4.G and persisting state via the storage log (spec §4.I).
package coordinator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/setupforge/coordinator/ceremony/backend"
	"github.com/setupforge/coordinator/ceremony/cerr"
	"github.com/setupforge/coordinator/ceremony/drop"
	"github.com/setupforge/coordinator/ceremony/events"
	"github.com/setupforge/coordinator/ceremony/hashchain"
	"github.com/setupforge/coordinator/ceremony/lifecycle"
	"github.com/setupforge/coordinator/ceremony/locator"
	"github.com/setupforge/coordinator/ceremony/participant"
	"github.com/setupforge/coordinator/ceremony/queue"
	"github.com/setupforge/coordinator/ceremony/round"
	"github.com/setupforge/coordinator/ceremony/state"
	"github.com/setupforge/coordinator/ceremony/storage"
	"github.com/setupforge/coordinator/log"
)

// Coordinator is the single-threaded-logical façade described in spec §5:
// every mutating method takes the exclusive lock for its entire duration.
type Coordinator struct {
	mu sync.Mutex

	Store   storage.Store
	Sizes   storage.SizeSchedule
	State   *state.State
	Round   *round.Round
	Backend backend.Computation
	Scheme  hashchain.SignatureScheme
	Cfg     Config

	// VerifierPublicKeyHex is the signing identity verify_contribution checks
	// submissions against (spec §4.J, §6). It is independent of
	// participant.DefaultVerifier()'s Participant.ID, which is only a
	// routing/authorization key for pending_verification and
	// current_verifiers -- the reference deployment's single logical
	// verifier role is coordinator-internal, but the detached signature
	// still has to name a real key, supplied by whichever process actually
	// runs the verification step and calls try_verify.
	VerifierPublicKeyHex string

	// VerifierSecretKeyHex, when set, lets the coordinator itself drain
	// pending_verification on a timer (DrainPendingVerification) instead of
	// waiting on an external try_verify call -- the reference deployment's
	// single logical verifier role is coordinator-internal, so it is free to
	// hold its own signing key rather than requiring a separate verification
	// client. Left empty, DrainPendingVerification is a no-op and
	// verification only happens via an external try_verify submission.
	VerifierSecretKeyHex string

	// Events is the round/participant lifecycle notification bus (spec §9):
	// RoundAggregated, ParticipantDropped, ParticipantBanned, and
	// CeremonyOver are published here for transport's WebSocket notifier and
	// any other subscriber, without coupling the façade to either.
	Events *events.Bus

	// Log is the façade's structured logger: INFO on a successful
	// operation, WARN on rejection, mirroring the pretty_hash!/info!/
	// warn! call sites in coordinator.rs. Defaults to log.Default()'s
	// "coordinator" module logger.
	Log *log.Logger

	ceremonyOverPublished bool
}

// New creates a Coordinator over an already-initialized state and storage.
func New(store storage.Store, sizes storage.SizeSchedule, st *state.State, be backend.Computation, scheme hashchain.SignatureScheme, cfg Config) *Coordinator {
	return &Coordinator{
		Store: store, Sizes: sizes, State: st, Backend: be, Scheme: scheme, Cfg: cfg,
		Events: events.NewBus(16),
		Log:    log.Default().Module("coordinator"),
	}
}

func initialVerifiedLocation(height uint64) func(chunkID uint64) locator.Locator {
	return func(chunkID uint64) locator.Locator {
		return locator.ContributionFile(height, chunkID, 0, true)
	}
}

// logResult emits one log line per façade operation: INFO on success, WARN
// on rejection, mirroring the pretty_hash!/info!/warn! call sites in
// coordinator.rs. fields are logged as-is on success; on failure "error" is
// appended.
func (c *Coordinator) logResult(op string, err error, fields ...any) {
	if err != nil {
		c.Log.Warn(op+" rejected", append(append([]any(nil), fields...), "error", err)...)
		return
	}
	c.Log.Info(op+" succeeded", fields...)
}

// InitializeRound creates round `height` with the given contributors and
// persists its RoundState and RoundHeight pointer (spec §4.C New).
func (c *Coordinator) InitializeRound(height uint64, startedAt time.Time, contributors []participant.Participant) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.logResult("initialize_round", err, "round", height) }()

	c.Round = round.New(height, startedAt, contributors, c.Cfg.NumberOfChunks, initialVerifiedLocation(height))
	c.State.Status = state.StatusInitialized
	c.State.CurrentRoundHeight = &height
	err = c.persistRoundAndState()
	return err
}

func (c *Coordinator) persistRoundAndState() error {
	if err := c.persistRound(); err != nil {
		return err
	}
	return c.persistState()
}

func (c *Coordinator) persistRound() error {
	data, err := json.Marshal(roundSnapshot(c.Round))
	if err != nil {
		return cerr.Wrap(cerr.KindStorageFailed, err)
	}
	if err := c.Store.Update(locator.RoundState(c.Round.RoundHeight), data); err != nil {
		return cerr.Wrap(cerr.KindStorageFailed, err)
	}
	heightBytes, err := json.Marshal(c.Round.RoundHeight)
	if err != nil {
		return cerr.Wrap(cerr.KindStorageFailed, err)
	}
	if err := c.Store.Update(locator.RoundHeightPointer(), heightBytes); err != nil {
		return cerr.Wrap(cerr.KindStorageFailed, err)
	}
	return nil
}

func (c *Coordinator) persistState() error {
	data, err := json.Marshal(stateSnapshot(c.State))
	if err != nil {
		return cerr.Wrap(cerr.KindStorageFailed, err)
	}
	if err := c.Store.Update(locator.CoordinatorState(), data); err != nil {
		return cerr.Wrap(cerr.KindStorageFailed, err)
	}
	return nil
}

// checkMutationAllowed enforces spec §4.G's pre-mutation invariant: the
// round must not be terminal.
func (c *Coordinator) checkMutationAllowed() error {
	if c.Round == nil {
		return cerr.New(cerr.KindRoundNotInitialized)
	}
	if c.Round.IsFinished() && c.Round.Aggregated {
		return cerr.New(cerr.KindCurrentRoundAggregated)
	}
	return nil
}

// AddToQueue admits p to the queue (spec §4.E).
func (c *Coordinator) AddToQueue(p participant.Participant, ip, token string, reliability uint8, now time.Time) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.logResult("add_to_queue", err, "participant", p.ID) }()

	if err = c.State.AddToQueue(p, ip, token, reliability, now); err != nil {
		return err
	}
	err = c.persistState()
	return err
}

// LockedLocators names the artifacts a caller receives on a successful lock
// (spec §4.I, try_lock step 5).
type LockedLocators struct {
	PreviousContribution        locator.Locator
	NextContribution             locator.Locator
	NextContributionSignature    locator.Locator
}

// TryLock implements spec §4.I try_lock.
func (c *Coordinator) TryLock(p participant.Participant, now time.Time) (chunkID uint64, locs LockedLocators, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.logResult("try_lock", err, "participant", p.ID, "chunk", chunkID) }()

	if err := c.checkMutationAllowed(); err != nil {
		return 0, LockedLocators{}, err
	}
	if !p.IsContributor() {
		return 0, LockedLocators{}, cerr.New(cerr.KindExpectedContributor)
	}
	info, ok := c.State.CurrentContributors[p]
	if !ok {
		return 0, LockedLocators{}, cerr.New(cerr.KindUnauthorizedForChunk)
	}

	task, err := info.FetchTask(c.Cfg.ContributorLockChunkLimit, now)
	if err != nil {
		return 0, LockedLocators{}, err
	}

	ch, err := c.Round.Chunk(task.ChunkID)
	if err != nil {
		_ = info.RollbackPendingTask(task)
		return 0, LockedLocators{}, err
	}
	if task.ContributionID > ch.CurrentContributionID()+1 {
		_ = info.RollbackPendingTask(task)
		return 0, LockedLocators{}, cerr.New(cerr.KindPreviousContributionMissing).WithTask(task)
	}

	if err := c.Round.TryLockChunk(task.ChunkID, p); err != nil {
		_ = info.RollbackPendingTask(task)
		return 0, LockedLocators{}, err
	}
	if err := info.AcquiredLock(task.ChunkID, now); err != nil {
		ch.ReleaseLock()
		_ = info.RollbackPendingTask(task)
		return 0, LockedLocators{}, err
	}

	if err := c.persistRoundAndState(); err != nil {
		return 0, LockedLocators{}, err
	}

	locs = LockedLocators{
		PreviousContribution:     locator.ContributionFile(c.Round.RoundHeight, task.ChunkID, ch.CurrentContributionID(), true),
		NextContribution:         locator.ContributionFile(c.Round.RoundHeight, task.ChunkID, task.ContributionID, false),
		NextContributionSignature: locator.ContributionFileSignature(c.Round.RoundHeight, task.ChunkID, task.ContributionID, false),
	}
	return task.ChunkID, locs, nil
}

// TryContribute implements spec §4.I try_contribute.
func (c *Coordinator) TryContribute(p participant.Participant, chunkID uint64, response, signature []byte, now time.Time) (loc locator.Locator, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.logResult("try_contribute", err, "participant", p.ID, "chunk", chunkID) }()

	if err := c.checkMutationAllowed(); err != nil {
		return locator.Locator{}, err
	}
	info, ok := c.State.CurrentContributors[p]
	if !ok {
		return locator.Locator{}, cerr.New(cerr.KindUnauthorizedForChunk)
	}

	if task, found := info.LookupDisposingTask(chunkID); found {
		_ = info.DisposeTask(task.ChunkID, task.ContributionID)
		respLoc := locator.ContributionFile(c.Round.RoundHeight, chunkID, task.ContributionID, false)
		_ = c.Store.Remove(respLoc)
		c.State.Queue.Blacklist(p, "", "")
		if err := c.persistState(); err != nil {
			return locator.Locator{}, err
		}
		return respLoc, nil
	}

	task, found := info.LookupPendingTask(chunkID)
	if !found {
		return locator.Locator{}, cerr.New(cerr.KindParticipantMissingPendingTask)
	}

	respLoc, _, err := c.addContribution(p, task, response, signature, now)
	if err != nil {
		_ = c.Store.Remove(locator.ContributionFile(c.Round.RoundHeight, chunkID, task.ContributionID, false))
		return locator.Locator{}, err
	}

	if err := info.CompletedTask(task); err != nil {
		return locator.Locator{}, err
	}
	c.State.PendingVerification[task] = participant.DefaultVerifier()
	c.State.Queue.Blacklist(p, "", "")

	if err := c.persistRoundAndState(); err != nil {
		return locator.Locator{}, err
	}
	return respLoc, nil
}

// addContribution implements spec §4.I's add_contribution hash-chain check.
func (c *Coordinator) addContribution(p participant.Participant, task participant.Task, response, signature []byte, now time.Time) (locator.Locator, locator.Locator, error) {
	ch, err := c.Round.Chunk(task.ChunkID)
	if err != nil {
		return locator.Locator{}, locator.Locator{}, err
	}

	prevLoc := locator.ContributionFile(c.Round.RoundHeight, task.ChunkID, ch.CurrentContributionID(), true)
	challenge, err := c.Store.Get(prevLoc)
	if err != nil {
		return locator.Locator{}, locator.Locator{}, cerr.Wrap(cerr.KindStorageLocatorMissing, err)
	}

	var sig hashchain.Signature
	if err := json.Unmarshal(signature, &sig); err != nil {
		return locator.Locator{}, locator.Locator{}, cerr.Wrap(cerr.KindContributorSignatureInvalid, err)
	}
	if err := hashchain.CheckContributorChain(c.Scheme, p.ID, challenge, response, response, sig); err != nil {
		return locator.Locator{}, locator.Locator{}, err
	}

	respLoc := locator.ContributionFile(c.Round.RoundHeight, task.ChunkID, task.ContributionID, false)
	sigLoc := locator.ContributionFileSignature(c.Round.RoundHeight, task.ChunkID, task.ContributionID, false)
	if err := c.Store.Insert(respLoc, response); err != nil {
		return locator.Locator{}, locator.Locator{}, err
	}
	if err := c.Store.Insert(sigLoc, signature); err != nil {
		return locator.Locator{}, locator.Locator{}, err
	}

	if err := ch.AddContribution(task.ContributionID, p, respLoc, sigLoc); err != nil {
		return locator.Locator{}, locator.Locator{}, err
	}

	// Verifiers are coordinator-internal (spec §3, Participant): the chunk
	// lock for verification is acquired automatically as part of assigning
	// pending_verification, rather than through a participant-initiated
	// fetch_task/acquire_lock round trip.
	if err := ch.AcquireLock(participant.DefaultVerifier(), c.Round.ExpectedNumberOfContributions()); err != nil {
		return locator.Locator{}, locator.Locator{}, err
	}
	return respLoc, sigLoc, nil
}

// TryVerify implements spec §4.I try_verify.
func (c *Coordinator) TryVerify(verifier participant.Participant, task participant.Task, signature []byte, now time.Time) (loc locator.Locator, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		c.logResult("try_verify", err, "participant", verifier.ID, "chunk", task.ChunkID, "task", task.ContributionID)
	}()

	if err := c.checkMutationAllowed(); err != nil {
		return locator.Locator{}, err
	}
	if _, ok := c.State.CurrentVerifiers[verifier]; !ok {
		return locator.Locator{}, cerr.New(cerr.KindExpectedVerifier)
	}
	assigned, ok := c.State.PendingVerification[task]
	if !ok || !assigned.Equal(verifier) {
		return locator.Locator{}, cerr.New(cerr.KindUnauthorizedForChunk)
	}

	nextLoc, err := c.verifyContribution(verifier, task, signature)
	if err != nil {
		_ = c.Store.Remove(nextLoc)
		return locator.Locator{}, err
	}

	delete(c.State.PendingVerification, task)
	if info, ok := c.State.CurrentVerifiers[verifier]; ok {
		_ = info.CompletedTask(task)
	}

	if err := c.persistRoundAndState(); err != nil {
		return locator.Locator{}, err
	}
	return nextLoc, nil
}

// verifyContribution implements spec §4.I's verify_contribution hash-chain
// check.
func (c *Coordinator) verifyContribution(verifier participant.Participant, task participant.Task, signature []byte) (locator.Locator, error) {
	ch, err := c.Round.Chunk(task.ChunkID)
	if err != nil {
		return locator.Locator{}, err
	}
	if int(task.ContributionID) >= len(ch.Contributions) {
		return locator.Locator{}, cerr.New(cerr.KindContributionLocatorMissing)
	}

	challengeLoc := locator.ContributionFile(c.Round.RoundHeight, task.ChunkID, task.ContributionID-1, true)
	responseLoc := locator.ContributionFile(c.Round.RoundHeight, task.ChunkID, task.ContributionID, false)

	var nextLoc locator.Locator
	if int(task.ContributionID)+1 == c.Round.ExpectedNumberOfContributions() {
		nextLoc = locator.ContributionFile(c.Round.RoundHeight+1, task.ChunkID, 0, true)
	} else {
		nextLoc = locator.ContributionFile(c.Round.RoundHeight, task.ChunkID, task.ContributionID, true)
	}

	challenge, err := c.Store.Get(challengeLoc)
	if err != nil {
		return nextLoc, cerr.Wrap(cerr.KindStorageLocatorMissing, err)
	}
	response, err := c.Store.Get(responseLoc)
	if err != nil {
		return nextLoc, cerr.Wrap(cerr.KindStorageLocatorMissing, err)
	}
	nextChallenge, err := c.Backend.Verify(challenge, response)
	if err != nil {
		return nextLoc, cerr.Wrap(cerr.KindStorageFailed, err)
	}

	var sig hashchain.Signature
	if err := json.Unmarshal(signature, &sig); err != nil {
		return nextLoc, cerr.Wrap(cerr.KindVerifierSignatureInvalid, err)
	}
	if err := hashchain.CheckVerifierChain(c.Scheme, c.VerifierPublicKeyHex, challenge, response, nextChallenge, nextChallenge, sig); err != nil {
		return nextLoc, err
	}

	if err := c.Store.Insert(nextLoc, nextChallenge); err != nil {
		return nextLoc, err
	}
	nextSigLoc := locator.ContributionFileSignature(nextLoc.RoundHeight, nextLoc.ChunkID, nextLoc.ContributionID, true)
	if err := c.Store.Insert(nextSigLoc, signature); err != nil {
		return nextLoc, err
	}
	if err := ch.VerifyContribution(task.ContributionID, verifier, nextLoc, nextSigLoc); err != nil {
		return nextLoc, err
	}
	return nextLoc, nil
}

// DrainPendingVerification lets the coordinator act as its own verifier: for
// every task still waiting in pending_verification and assigned to the
// coordinator-internal verifier, it computes and self-signs the detached
// verifier signature and submits it through TryVerify, exactly as an
// external verifier client would over try_verify. This is the coordinator's
// half of spec §4.H's second recurring task -- draining pending_verification
// on a timer -- grounded on the reference test harness calling
// run_verification/verify_contribution directly against a verifier's own
// verifier_signing_key. A no-op when VerifierSecretKeyHex is unset, since
// then verification can only arrive from an external try_verify caller.
func (c *Coordinator) DrainPendingVerification(now time.Time) (err error) {
	verifier := participant.DefaultVerifier()
	defer func() { c.logResult("drain_pending_verification", err, "participant", verifier.ID) }()

	c.mu.Lock()
	if c.VerifierSecretKeyHex == "" || c.Round == nil {
		c.mu.Unlock()
		return nil
	}
	tasks := make([]participant.Task, 0, len(c.State.PendingVerification))
	for task, assigned := range c.State.PendingVerification {
		if assigned.Equal(verifier) {
			tasks = append(tasks, task)
		}
	}
	roundHeight := c.Round.RoundHeight
	c.mu.Unlock()

	// Deterministic order keeps behaviour reproducible across ticks, instead
	// of depending on Go's randomized map iteration.
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].ChunkID != tasks[j].ChunkID {
			return tasks[i].ChunkID < tasks[j].ChunkID
		}
		return tasks[i].ContributionID < tasks[j].ContributionID
	})

	for _, task := range tasks {
		if verifyErr := c.selfVerify(verifier, roundHeight, task, now); verifyErr != nil {
			err = verifyErr
			return err
		}
	}
	return nil
}

// selfVerify replays verify_contribution's challenge/response read and
// backend verify step to build a detached verifier signature signed with
// VerifierSecretKeyHex, then hands it to TryVerify -- the same path an
// external verifier submission would take.
func (c *Coordinator) selfVerify(verifier participant.Participant, roundHeight uint64, task participant.Task, now time.Time) error {
	challengeLoc := locator.ContributionFile(roundHeight, task.ChunkID, task.ContributionID-1, true)
	responseLoc := locator.ContributionFile(roundHeight, task.ChunkID, task.ContributionID, false)

	challenge, err := c.Store.Get(challengeLoc)
	if err != nil {
		return cerr.Wrap(cerr.KindStorageLocatorMissing, err)
	}
	response, err := c.Store.Get(responseLoc)
	if err != nil {
		return cerr.Wrap(cerr.KindStorageLocatorMissing, err)
	}
	nextChallenge, err := c.Backend.Verify(challenge, response)
	if err != nil {
		return cerr.Wrap(cerr.KindStorageFailed, err)
	}

	sigHex, err := c.Scheme.Sign(c.VerifierSecretKeyHex, nextChallenge)
	if err != nil {
		return cerr.Wrap(cerr.KindVerifierSignatureInvalid, err)
	}
	cHash := hashchain.Hash(challenge)
	rHash := hashchain.Hash(response)
	nHash := hashchain.Hash(nextChallenge)
	sig := hashchain.Signature{
		ChallengeHashHex:     hex.EncodeToString(cHash[:]),
		ResponseHashHex:      hex.EncodeToString(rHash[:]),
		NextChallengeHashHex: hex.EncodeToString(nHash[:]),
		SignatureHex:         sigHex,
	}
	sigBytes, err := json.Marshal(sig)
	if err != nil {
		return cerr.Wrap(cerr.KindStorageFailed, err)
	}
	_, err = c.TryVerify(verifier, task, sigBytes, now)
	return err
}

// RunTicks drives the two periodic background tasks of spec §4.H
// concurrently: UpdateTick (drop timeouts, auto-aggregate, auto-advance) and
// DrainPendingVerification (the self-verification drain above), each on its
// own ticker. Neither loop holds the façade's exclusive lock for its own
// duration -- each tick's call into UpdateTick/DrainPendingVerification
// takes c.mu only for that call -- so the two tickers genuinely run
// concurrently while still always sharing the same single lock in turn.
// RunTicks returns when ctx is cancelled, or as soon as the queue's cohort
// schedule runs out, in which case ceremonyOver is closed before returning.
func (c *Coordinator) RunTicks(ctx context.Context, updateInterval, verifyInterval time.Duration, ceremonyOver chan<- struct{}) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	var closeOnce sync.Once

	g.Go(func() error {
		ticker := time.NewTicker(updateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				if err := c.UpdateTick(now); err != nil {
					return err
				}
				c.mu.Lock()
				over := c.State.Queue.CeremonyIsOver(now)
				c.mu.Unlock()
				if over {
					closeOnce.Do(func() { close(ceremonyOver) })
					cancel()
					return nil
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(verifyInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				if err := c.DrainPendingVerification(now); err != nil {
					return err
				}
			}
		}
	})

	return g.Wait()
}

// TryAggregate implements spec §4.I try_aggregate.
func (c *Coordinator) TryAggregate() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		var height uint64
		if c.Round != nil {
			height = c.Round.RoundHeight
		}
		c.logResult("try_aggregate", err, "round", height)
	}()

	if c.Round == nil {
		return cerr.New(cerr.KindRoundNotInitialized)
	}
	if !c.Round.IsFinished() {
		return cerr.New(cerr.KindCurrentRoundNotFinished)
	}
	if c.Round.Aggregated {
		return cerr.New(cerr.KindRoundAlreadyAggregated)
	}
	if c.Round.RoundHeight == 0 {
		c.Round.Aggregated = true
		return c.persistRoundAndState()
	}
	if !c.Round.IsComplete() {
		return cerr.New(cerr.KindCurrentRoundNotFinished)
	}

	contributions := make([][]byte, 0, c.Round.NumberOfChunks())
	for _, ch := range c.Round.Chunks {
		data, err := c.Store.Get(*ch.CurrentContribution().VerifiedLocation)
		if err != nil {
			return cerr.Wrap(cerr.KindStorageLocatorMissing, err)
		}
		contributions = append(contributions, data)
	}

	roundFile, err := c.Backend.Aggregate(contributions)
	if err != nil {
		return cerr.Wrap(cerr.KindStorageFailed, err)
	}
	if err := c.Store.Update(locator.RoundFile(c.Round.RoundHeight), roundFile); err != nil {
		return err
	}
	if !c.Store.Exists(locator.RoundFile(c.Round.RoundHeight)) {
		return cerr.New(cerr.KindStorageFailed)
	}
	c.Round.Aggregated = true
	c.publishRoundAggregated()
	return c.persistRoundAndState()
}

// TryAdvance implements spec §4.I try_advance / next_round.
func (c *Coordinator) TryAdvance(now time.Time) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		var height uint64
		if c.Round != nil {
			height = c.Round.RoundHeight
		}
		c.logResult("try_advance", err, "round", height)
	}()

	if c.Round == nil {
		return cerr.New(cerr.KindRoundNotInitialized)
	}
	if !c.Round.IsFinished() {
		return cerr.New(cerr.KindCurrentRoundNotFinished)
	}
	if c.Round.RoundHeight >= 1 && !c.Round.Aggregated {
		return cerr.New(cerr.KindCurrentRoundAggregating)
	}

	nextHeight := c.Round.RoundHeight + 1
	for _, ch := range c.Round.Chunks {
		if !c.Store.Exists(locator.ContributionFile(nextHeight, ch.ChunkID, 0, true)) {
			return cerr.New(cerr.KindContributionLocatorMissing)
		}
	}

	contributors := make([]participant.Participant, 0, len(c.State.Next))
	for p := range c.State.Next {
		contributors = append(contributors, p)
	}
	c.Round = round.New(nextHeight, now, contributors, c.Cfg.NumberOfChunks, initialVerifiedLocation(nextHeight))

	if err := c.Store.Insert(locator.RoundState(nextHeight), []byte("{}")); err != nil {
		return err
	}
	heightBytes, _ := json.Marshal(nextHeight)
	if err := c.Store.Update(locator.RoundHeightPointer(), heightBytes); err != nil {
		return err
	}

	c.State.Status = state.StatusCommit
	for p, info := range c.State.Next {
		if p.IsVerifier() {
			c.State.CurrentVerifiers[p] = info
		} else {
			c.State.CurrentContributors[p] = info
		}
	}
	c.State.Next = make(map[participant.Participant]*lifecycle.Info)
	c.State.CurrentRoundHeight = &nextHeight

	return c.persistRoundAndState()
}

// PrecommitNextRound implements spec §4.I precommit_next_round.
func (c *Coordinator) PrecommitNextRound(targetHeight uint64, now time.Time) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.logResult("precommit_next_round", err, "round", targetHeight) }()

	if len(c.State.Next) != 0 {
		return cerr.New(cerr.KindRoundAlreadyInit)
	}
	if c.Round != nil {
		if !c.Round.IsFinished() {
			return cerr.New(cerr.KindCurrentRoundNotFinished)
		}
		if c.Round.RoundHeight >= 1 && !c.Round.Aggregated {
			return cerr.New(cerr.KindCurrentRoundAggregating)
		}
	}

	entries := c.State.Queue.Entries()
	if len(entries) == 0 {
		return cerr.New(cerr.KindQueueIsEmpty)
	}
	if len(entries) < c.Cfg.MinimumContributorsPerRound {
		return cerr.New(cerr.KindQueueWaitTimeIncomplete)
	}
	n := len(entries)
	if n > c.Cfg.MaximumContributorsPerRound {
		n = c.Cfg.MaximumContributorsPerRound
	}
	selected := sortByReliabilityDesc(entries)[:n]

	for _, e := range selected {
		if c.State.IsBanned(e.Participant) {
			return cerr.New(cerr.KindParticipantBanned)
		}
	}

	for i, e := range selected {
		info := lifecycle.New(e.Participant, targetHeight, e.Reliability, i, now)
		tasks := participant.Buckets(uint64(i), len(selected), c.Cfg.NumberOfChunks)
		info.Start(tasks, now)
		c.State.Next[e.Participant] = info
		c.State.Queue.Remove(e.Participant)
	}

	c.State.Status = state.StatusPrecommit
	return c.persistState()
}

// sortByReliabilityDesc orders entries by Reliability descending, ties
// broken by JoinedAt ascending (spec §4.I precommit_next_round, "reliability
// desc order").
func sortByReliabilityDesc(entries []*queue.Entry) []*queue.Entry {
	out := append([]*queue.Entry(nil), entries...)
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && less(out[j], out[j-1]) {
			out[j-1], out[j] = out[j], out[j-1]
			j--
		}
	}
	return out
}

func less(a, b *queue.Entry) bool {
	if a.Reliability != b.Reliability {
		return a.Reliability > b.Reliability
	}
	return a.JoinedAt.Before(b.JoinedAt)
}

// CommitNextRound implements spec §4.I commit_next_round.
func (c *Coordinator) CommitNextRound() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.logResult("commit_next_round", err) }()
	if c.State.Status != state.StatusPrecommit {
		return cerr.New(cerr.KindRoundAlreadyInit)
	}
	c.State.Status = state.StatusCommit
	return c.persistState()
}

// RollbackNextRound implements spec §4.I rollback_next_round.
func (c *Coordinator) RollbackNextRound(now time.Time) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.logResult("rollback_next_round", err) }()
	if c.State.Status != state.StatusPrecommit {
		return cerr.New(cerr.KindRoundAlreadyInit)
	}
	for p, info := range c.State.Next {
		c.State.Queue.Enqueue(p, "", "", info.Reliability, now)
	}
	c.State.Next = make(map[participant.Participant]*lifecycle.Info)
	c.State.Status = state.StatusRollback
	return c.persistState()
}

// UpdateTick runs the periodic maintenance pass (spec §4.H).
func (c *Coordinator) UpdateTick(now time.Time) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		var height uint64
		if c.Round != nil {
			height = c.Round.RoundHeight
		}
		c.logResult("update_tick", err, "round", height)
	}()

	if c.Round == nil {
		return nil
	}
	height := c.Round.RoundHeight
	c.State.UpdateCurrentContributors(height)

	for p, info := range c.State.CurrentContributors {
		if now.Sub(info.LastSeen) > c.Cfg.ContributorSeenTimeout {
			c.dropAndReplace(p, info, now)
			continue
		}
		for _, lock := range info.LockedChunks {
			if now.Sub(lock.LockedAt) > c.Cfg.ParticipantLockTimeout {
				c.dropAndReplace(p, info, now)
				break
			}
		}
	}

	for _, e := range c.State.Queue.DroppedByTimeout(now, c.Cfg.QueueSeenTimeout) {
		c.State.Queue.Remove(e.Participant)
	}

	for p := range c.State.CurrentContributors {
		if c.State.DropCount(p) > c.Cfg.ParticipantBanThreshold {
			c.State.Ban(p, "", "")
			delete(c.State.CurrentContributors, p)
			c.Events.Publish(events.Event{Type: events.ParticipantBanned, RoundHeight: c.Round.RoundHeight, Participant: p, Timestamp: now})
		}
	}

	if c.Round.IsComplete() && c.Round.FinishedAt.IsZero() {
		c.Round.FinishedAt = now
	}

	if c.Round.IsFinished() && !c.Round.Aggregated {
		_ = c.tryAggregateLocked()
	}

	if !c.ceremonyOverPublished && c.State.Queue.CeremonyIsOver(now) {
		c.ceremonyOverPublished = true
		c.Events.Publish(events.Event{Type: events.CeremonyOver, Timestamp: now})
	}

	if c.Round.IsFinished() && c.Round.Aggregated && len(c.State.Next) > 0 && !c.State.ManualLock {
		_ = c.tryAdvanceLocked(now)
	}

	return c.persistRoundAndState()
}

func (c *Coordinator) dropAndReplace(p participant.Participant, info *lifecycle.Info, now time.Time) {
	dropped := c.State.Drop(p, now)
	if dropped == nil {
		return
	}
	c.Events.Publish(events.Event{Type: events.ParticipantDropped, RoundHeight: c.Round.RoundHeight, Participant: p, Timestamp: now})
	drop.InvalidateDownstream(c.State, c.Round, dropped)

	if replacement, ok := drop.SelectReplacement(c.State.Queue); ok {
		newInfo := drop.ReplaceContributor(c.Round, dropped, replacement.Participant, now)
		c.State.CurrentContributors[replacement.Participant] = newInfo
		c.State.Queue.Remove(replacement.Participant)
		action := drop.ReplaceContributorAction(c.Round.RoundHeight, p, replacement.Participant, uint64(dropped.BucketID))
		_ = c.Store.Process(action)
		return
	}

	action := drop.ResetCurrentRoundAction(c.Round.RoundHeight, []participant.Participant{p}, false)
	_ = c.Store.Process(action)

	numCurrent := len(c.State.CurrentContributors)
	numFinished := len(c.State.FinishedContributors[c.Round.RoundHeight])
	if numCurrent+numFinished == 0 {
		if c.Round.RoundHeight > 0 {
			c.rollbackCurrentRoundLocked(now)
		}
		return
	}
	_ = drop.ResetCurrentRound(c.State, c.Round, false, now)
}

func (c *Coordinator) tryAggregateLocked() error {
	if c.Round.RoundHeight == 0 {
		c.Round.Aggregated = true
		return nil
	}
	if !c.Round.IsComplete() {
		return nil
	}
	contributions := make([][]byte, 0, c.Round.NumberOfChunks())
	for _, ch := range c.Round.Chunks {
		data, err := c.Store.Get(*ch.CurrentContribution().VerifiedLocation)
		if err != nil {
			return err
		}
		contributions = append(contributions, data)
	}
	roundFile, err := c.Backend.Aggregate(contributions)
	if err != nil {
		return err
	}
	if err := c.Store.Update(locator.RoundFile(c.Round.RoundHeight), roundFile); err != nil {
		return err
	}
	c.Round.Aggregated = true
	c.publishRoundAggregated()
	return nil
}

// publishRoundAggregated notifies subscribers that the current round
// finished aggregating, naming the contributors who completed it.
func (c *Coordinator) publishRoundAggregated() {
	c.Events.Publish(events.Event{
		Type:         events.RoundAggregated,
		RoundHeight:  c.Round.RoundHeight,
		Participants: append([]participant.Participant(nil), c.Round.ContributorIDs...),
		Timestamp:    c.Round.FinishedAt,
	})
}

// Ban drops p if it is a current contributor, then marks p banned and
// blacklists its queue token/IP, for operator use (spec §4.H Banning).
func (c *Coordinator) Ban(p participant.Participant, ip, token string) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.logResult("ban", err, "participant", p.ID) }()
	if info, ok := c.State.CurrentContributors[p]; ok && c.Round != nil {
		c.dropAndReplace(p, info, time.Now())
		if err := c.persistRound(); err != nil {
			return err
		}
	}
	c.State.Ban(p, ip, token)
	c.Events.Publish(events.Event{Type: events.ParticipantBanned, Participant: p})
	return c.persistState()
}

// ForceResetCurrentRound runs the force_rollback branch of
// reset_current_round for operator use: every previously-current
// contributor goes back into the queue, the round's bookkeeping is
// reinitialized, and current_round_height is decremented so the round can
// re-advance once fresh participants arrive (spec §4.H reset_current_round).
func (c *Coordinator) ForceResetCurrentRound(now time.Time) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		var height uint64
		if c.Round != nil {
			height = c.Round.RoundHeight
		}
		c.logResult("force_reset_current_round", err, "round", height)
	}()
	if c.Round == nil {
		return cerr.New(cerr.KindRoundNotInitialized)
	}
	if c.Round.RoundHeight == 0 {
		return cerr.New(cerr.KindRoundHeightIsZero)
	}
	c.rollbackCurrentRoundLocked(now)
	return c.persistRoundAndState()
}

// rollbackCurrentRoundLocked runs the decrement branch of
// reset_current_round (spec §4.H): reinitialize the round's bookkeeping,
// requeue anyone still marked current, and decrement current_round_height.
// Callers must already hold c.mu and must only call this once
// current_round_height > 0 is known to hold.
func (c *Coordinator) rollbackCurrentRoundLocked(now time.Time) {
	dropped := make([]participant.Participant, 0, len(c.State.CurrentContributors))
	for p, info := range c.State.CurrentContributors {
		c.State.Queue.Enqueue(p, "", "", info.Reliability, now)
		dropped = append(dropped, p)
		delete(c.State.CurrentContributors, p)
	}
	c.Round.Reset(dropped)
	c.Round.RoundHeight--
	h := c.Round.RoundHeight
	c.State.CurrentRoundHeight = &h
	c.Round.Aggregated = true
}

func (c *Coordinator) tryAdvanceLocked(now time.Time) error {
	nextHeight := c.Round.RoundHeight + 1
	for _, ch := range c.Round.Chunks {
		if !c.Store.Exists(locator.ContributionFile(nextHeight, ch.ChunkID, 0, true)) {
			return cerr.New(cerr.KindContributionLocatorMissing)
		}
	}
	contributors := make([]participant.Participant, 0, len(c.State.Next))
	for p := range c.State.Next {
		contributors = append(contributors, p)
	}
	c.Round = round.New(nextHeight, now, contributors, c.Cfg.NumberOfChunks, initialVerifiedLocation(nextHeight))
	c.State.Status = state.StatusCommit
	for p, info := range c.State.Next {
		if p.IsVerifier() {
			c.State.CurrentVerifiers[p] = info
		} else {
			c.State.CurrentContributors[p] = info
		}
	}
	c.State.Next = make(map[participant.Participant]*lifecycle.Info)
	c.State.CurrentRoundHeight = &nextHeight
	return nil
}
