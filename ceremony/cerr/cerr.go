// Package cerr enumerates the ceremony's error kinds (spec §7) and wraps
// them the way the teacher's txpool/engine packages wrap sentinel errors
// (flat vars, checked with errors.Is), upgraded with github.com/cockroachdb/errors
// for stack-carrying wraps at the coordinator façade boundary -- the one
// seam where transport handlers need the Kind preserved through several
// layers of wrapping.
package cerr

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/setupforge/coordinator/ceremony/participant"
)

// Kind identifies a class of ceremony error. Names mirror the
// phase2-coordinator CoordinatorError variants this system is grounded on,
// translated to Go naming.
type Kind string

// Authorization.
const (
	KindParticipantUnauthorized        Kind = "participant_unauthorized"
	KindParticipantBanned              Kind = "participant_banned"
	KindParticipantDropped             Kind = "participant_dropped"
	KindExpectedContributor            Kind = "expected_contributor"
	KindExpectedVerifier                Kind = "expected_verifier"
	KindUnauthorizedForChunk           Kind = "unauthorized_for_chunk"
)

// State.
const (
	KindRoundNotInitialized    Kind = "round_not_initialized"
	KindRoundAlreadyInit       Kind = "round_already_initialized"
	KindRoundDoesNotExist      Kind = "round_does_not_exist"
	KindRoundHeightMismatch    Kind = "round_height_mismatch"
	KindRoundAlreadyAggregated Kind = "round_already_aggregated"
	KindCurrentRoundNotFinished Kind = "current_round_not_finished"
	KindCurrentRoundFinished    Kind = "current_round_finished"
	KindCurrentRoundAggregating Kind = "current_round_aggregating"
	KindCurrentRoundAggregated   Kind = "current_round_aggregated"
)

// Chunk.
const (
	KindChunkLockAlreadyAcquired    Kind = "chunk_lock_already_acquired"
	KindChunkLockNotHeld            Kind = "chunk_lock_not_held"
	KindChunkAlreadyComplete        Kind = "chunk_already_complete"
	KindChunkMissingVerification    Kind = "chunk_missing_verification"
	KindChunkAlreadyVerified        Kind = "chunk_already_verified"
	KindChunkIDInvalid              Kind = "chunk_id_invalid"
	KindContributorAlreadyContributed Kind = "contributor_already_contributed"
)

// Task.
const (
	KindParticipantHasNoRemainingTasks Kind = "participant_has_no_remaining_tasks"
	KindParticipantHasLockedMaximumChunks Kind = "participant_has_locked_maximum_chunks"
	KindPreviousContributionMissing    Kind = "previous_contribution_missing"
	KindContributionIDMismatch         Kind = "contribution_id_mismatch"
	KindContributionShouldNotExist     Kind = "contribution_should_not_exist"
	KindContributionLocatorMissing     Kind = "contribution_locator_missing"
	KindContributionLocatorAlreadyExists Kind = "contribution_locator_already_exists"
)

// Integrity.
const (
	KindContributionHashMismatch    Kind = "contribution_hash_mismatch"
	KindContributorSignatureInvalid Kind = "contributor_signature_invalid"
	KindVerifierSignatureInvalid    Kind = "verifier_signature_invalid"
	KindNextChallengeHashMissing    Kind = "next_challenge_hash_missing"
	KindNextChallengeHashAlreadyExists Kind = "next_challenge_hash_already_exists"
	KindSignatureSchemeInsecure     Kind = "signature_scheme_insecure"
)

// Queue/admission.
const (
	KindParticipantAlreadyAdded                 Kind = "participant_already_added"
	KindParticipantIPAlreadyAdded                Kind = "participant_ip_already_added"
	KindQueueIsEmpty                             Kind = "queue_is_empty"
	KindQueueWaitTimeIncomplete                  Kind = "queue_wait_time_incomplete"
	KindParticipantInCurrentRoundCannotJoinQueue Kind = "participant_in_current_round_cannot_join_queue"
)

// Storage.
const (
	KindStorageFailed             Kind = "storage_failed"
	KindStorageLocked             Kind = "storage_locked"
	KindStorageLocatorMissing     Kind = "storage_locator_missing"
	KindStorageLocatorAlreadyExists Kind = "storage_locator_already_exists"
	KindStorageLocatorFormatIncorrect Kind = "storage_locator_format_incorrect"
)

// Lifecycle.
const (
	KindParticipantAlreadyStarted    Kind = "participant_already_started"
	KindParticipantAlreadyFinished   Kind = "participant_already_finished"
	KindParticipantAlreadyDropped    Kind = "participant_already_dropped"
	KindParticipantAlreadyBanned     Kind = "participant_already_banned"
	KindParticipantStillHasLocks     Kind = "participant_still_has_locks"
	KindParticipantStillHasTasks     Kind = "participant_still_has_tasks"
	KindParticipantDidNotDoWork      Kind = "participant_did_not_do_work"
	KindParticipantMissingPendingTask Kind = "participant_missing_pending_task"
	KindParticipantMissingDisposingTask Kind = "participant_missing_disposing_task"
)

// Terminal.
const (
	KindCeremonyIsOver  Kind = "ceremony_is_over"
	KindRoundHeightIsZero Kind = "round_height_is_zero"
)

// Error wraps a Kind with the underlying cause and, where relevant, the
// blocking Task (e.g. KindPreviousContributionMissing always carries the
// task that could not proceed, matching PreviousContributionMissing{task}
// in the source).
type Error struct {
	Kind Kind
	Task *participant.Task
	err  error
}

// New builds an Error of the given kind with a default message.
func New(kind Kind) *Error {
	return &Error{Kind: kind, err: errors.Newf("ceremony: %s", kind)}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, err: errors.Newf("ceremony: %s: %s", kind, fmt.Sprintf(format, args...))}
}

// WithTask attaches the blocking task to the error and returns it.
func (e *Error) WithTask(task participant.Task) *Error {
	e.Task = &task
	return e
}

// Wrap builds an Error of the given kind that carries cause as its chain,
// preserving a stack trace via cockroachdb/errors.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, err: errors.Wrapf(cause, "ceremony: %s", kind)}
}

func (e *Error) Error() string { return e.err.Error() }

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.err }

// Is reports whether target is a *Error with the same Kind, enabling
// errors.Is(err, cerr.New(cerr.KindChunkLockAlreadyAcquired)) style checks.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
