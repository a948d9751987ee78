// Package chunk implements the per-chunk lock and contribution-chain
// contract (spec §3, Chunk; §4.B).
package chunk

import (
	"github.com/setupforge/coordinator/ceremony/cerr"
	"github.com/setupforge/coordinator/ceremony/locator"
	"github.com/setupforge/coordinator/ceremony/participant"
)

// Contribution is one entry in a chunk's contribution chain.
type Contribution struct {
	Contributor *participant.Participant
	Verifier    *participant.Participant

	ContributedLocation          *locator.Locator
	ContributedSignatureLocation *locator.Locator
	VerifiedLocation             *locator.Locator
	VerifiedSignatureLocation    *locator.Locator

	Verified bool
}

// Chunk is an ordered chain of contributions, guarded by an at-most-one
// lock holder.
type Chunk struct {
	ChunkID       uint64
	LockHolder    *participant.Participant
	Contributions []Contribution // index == contribution id, contiguous from 0
}

// New creates a chunk already holding the coordinator-initialized,
// pre-verified contribution id 0.
func New(chunkID uint64, initialVerifiedLocation locator.Locator) *Chunk {
	loc := initialVerifiedLocation
	return &Chunk{
		ChunkID: chunkID,
		Contributions: []Contribution{
			{
				VerifiedLocation: &loc,
				Verified:         true,
			},
		},
	}
}

// CurrentContributionID returns the largest contribution id present.
func (c *Chunk) CurrentContributionID() uint64 {
	return uint64(len(c.Contributions) - 1)
}

// CurrentContribution returns the most recent contribution.
func (c *Chunk) CurrentContribution() *Contribution {
	return &c.Contributions[len(c.Contributions)-1]
}

// IsComplete reports whether the chunk holds exactly expectedContributions
// entries, all verified (spec §3, Chunk invariant; §8 property 5).
func (c *Chunk) IsComplete(expectedContributions int) bool {
	if len(c.Contributions) != expectedContributions {
		return false
	}
	return c.CurrentContribution().Verified
}

// NextContributionID returns current+1 only if the current contribution is
// verified and the chunk is not yet complete for the round.
func (c *Chunk) NextContributionID(expectedContributions int) (uint64, error) {
	if !c.CurrentContribution().Verified {
		return 0, cerr.New(cerr.KindChunkMissingVerification)
	}
	if c.IsComplete(expectedContributions) {
		return 0, cerr.New(cerr.KindChunkAlreadyComplete)
	}
	return c.CurrentContributionID() + 1, nil
}

// isReentry implements the idempotent re-entry rule from spec §4.B: the
// chunk is already locked by p and p's contribution has not been added yet.
// AddContribution releases the lock, so a lock still held by p means p's
// task on this chunk is in progress; the current contribution is then the
// previous one, never p's own.
func (c *Chunk) isReentry(p participant.Participant) bool {
	if c.LockHolder == nil || !c.LockHolder.Equal(p) {
		return false
	}
	cur := c.CurrentContribution()
	return cur.Contributor == nil || !cur.Contributor.Equal(p)
}

// AcquireLock attempts to lock the chunk for p. expectedContributions is
// the round's expected_number_of_contributions.
func (c *Chunk) AcquireLock(p participant.Participant, expectedContributions int) error {
	if c.isReentry(p) {
		return nil
	}
	if c.LockHolder != nil {
		return cerr.New(cerr.KindChunkLockAlreadyAcquired)
	}
	if c.IsComplete(expectedContributions) {
		return cerr.New(cerr.KindChunkAlreadyComplete)
	}

	cur := c.CurrentContribution()
	if p.IsContributor() {
		if cur.Contributor != nil && cur.Contributor.Equal(p) {
			return cerr.New(cerr.KindContributorAlreadyContributed)
		}
		if !cur.Verified {
			return cerr.New(cerr.KindChunkMissingVerification)
		}
	} else {
		if cur.Verified {
			return cerr.New(cerr.KindChunkAlreadyVerified)
		}
	}

	holder := p
	c.LockHolder = &holder
	return nil
}

// ReleaseLock drops the current lock holder, if any.
func (c *Chunk) ReleaseLock() {
	c.LockHolder = nil
}

// AddContribution appends a new contribution produced by contributor,
// requiring the chunk currently be locked by that same contributor. The
// lock is released on success.
func (c *Chunk) AddContribution(contributionID uint64, contributor participant.Participant, loc, sigLoc locator.Locator) error {
	if c.LockHolder == nil || !c.LockHolder.Equal(contributor) {
		return cerr.New(cerr.KindChunkLockNotHeld)
	}
	if contributionID != c.CurrentContributionID()+1 {
		return cerr.New(cerr.KindContributionIDMismatch)
	}

	who := contributor
	l := loc
	s := sigLoc
	c.Contributions = append(c.Contributions, Contribution{
		Contributor:                  &who,
		ContributedLocation:          &l,
		ContributedSignatureLocation: &s,
	})
	c.ReleaseLock()
	return nil
}

// VerifyContribution marks the contribution identified by contributionID
// verified by verifier, requiring the chunk currently locked by that same
// verifier and the contribution not yet verified. The lock is released on
// success.
func (c *Chunk) VerifyContribution(contributionID uint64, verifier participant.Participant, verifiedLoc, verifiedSigLoc locator.Locator) error {
	if c.LockHolder == nil || !c.LockHolder.Equal(verifier) {
		return cerr.New(cerr.KindChunkLockNotHeld)
	}
	if int(contributionID) >= len(c.Contributions) {
		return cerr.New(cerr.KindContributionLocatorMissing)
	}
	contrib := &c.Contributions[contributionID]
	if contrib.Verified {
		return cerr.New(cerr.KindChunkAlreadyVerified)
	}

	who := verifier
	vl := verifiedLoc
	vs := verifiedSigLoc
	if contrib.Verifier == nil {
		contrib.Verifier = &who
	}
	contrib.VerifiedLocation = &vl
	contrib.VerifiedSignatureLocation = &vs
	contrib.Verified = true
	c.ReleaseLock()
	return nil
}
