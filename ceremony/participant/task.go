package participant

import "errors"

// ErrInvalidContributionID is returned when a Task is constructed with
// contribution id 0; id 0 is the coordinator-initialized contribution and is
// never a task (spec §3, Task invariant).
var ErrInvalidContributionID = errors.New("participant: contribution id 0 is not a task")

// Task is an immutable pair naming one piece of work: the chunk a
// participant must act on, and the contribution slot it will produce (for a
// contributor) or inspect (for a verifier).
type Task struct {
	ChunkID        uint64
	ContributionID uint64
}

// NewTask constructs a Task, enforcing ContributionID >= 1.
func NewTask(chunkID, contributionID uint64) (Task, error) {
	if contributionID == 0 {
		return Task{}, ErrInvalidContributionID
	}
	return Task{ChunkID: chunkID, ContributionID: contributionID}, nil
}

// Equal reports whether t and other name the same (chunk, contribution).
func (t Task) Equal(other Task) bool {
	return t.ChunkID == other.ChunkID && t.ContributionID == other.ContributionID
}

// Buckets computes, for a contributor ranked at bucketID among
// numContributors, the FIFO task sequence described in spec §4.A: for
// k = 0..numChunks-1,
//
//	Task{ ChunkID: (bucketID*bucketSize + k) mod numChunks, ContributionID: bucketID + 1 }
//
// where bucketSize = numChunks / numContributors. The contributor therefore
// visits every chunk exactly once per round, starting from its own bucket,
// while writing only to its own contribution slot.
func Buckets(bucketID uint64, numContributors, numChunks int) []Task {
	if numContributors <= 0 || numChunks <= 0 {
		return nil
	}
	bucketSize := uint64(numChunks) / uint64(numContributors)
	if bucketSize == 0 {
		bucketSize = 1
	}
	tasks := make([]Task, 0, numChunks)
	for k := uint64(0); k < uint64(numChunks); k++ {
		chunkID := (bucketID*bucketSize + k) % uint64(numChunks)
		tasks = append(tasks, Task{ChunkID: chunkID, ContributionID: bucketID + 1})
	}
	return tasks
}
