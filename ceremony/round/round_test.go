package round

import (
	"testing"
	"time"

	"github.com/setupforge/coordinator/ceremony/locator"
	"github.com/setupforge/coordinator/ceremony/participant"
)

func initialLoc(chunkID uint64) locator.Locator {
	return locator.ContributionFile(0, chunkID, 0, true)
}

func TestNewRoundAndCompleteness(t *testing.T) {
	alice := participant.Contributor("alice")
	bob := participant.Contributor("bob")
	r := New(1, time.Now(), []participant.Participant{alice, bob}, 4, initialLoc)

	if r.NumberOfChunks() != 4 {
		t.Fatalf("expected 4 chunks, got %d", r.NumberOfChunks())
	}
	if r.ExpectedNumberOfContributions() != 3 {
		t.Fatalf("expected 3 (2 contributors + 1), got %d", r.ExpectedNumberOfContributions())
	}
	if r.IsComplete() {
		t.Fatalf("freshly created round should not be complete")
	}
}

func TestTryLockChunkInvalidID(t *testing.T) {
	r := New(1, time.Now(), nil, 2, initialLoc)
	if err := r.TryLockChunk(99, participant.Contributor("alice")); err == nil {
		t.Fatalf("expected error for out-of-range chunk id")
	}
}

func TestReplacementPreservesPosition(t *testing.T) {
	alice := participant.Contributor("alice")
	bob := participant.Contributor("bob")
	carol := participant.Contributor("carol")
	r := New(1, time.Now(), []participant.Participant{alice, bob}, 2, initialLoc)

	r.AddReplacementContributorUnsafe(bob, carol)
	if !r.ContributorIDs[1].Equal(carol) {
		t.Fatalf("expected carol at bob's position, got %+v", r.ContributorIDs)
	}
}
