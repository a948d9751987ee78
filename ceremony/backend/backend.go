// Package backend declares the external computation contract (spec §6):
// the cryptographic contribution computation and verification are provided
// by a collaborator outside the ceremony core, which only consumes this
// interface.
package backend

// Computation is the external computation backend: compute(challenge,
// entropy) -> response, verify(challenge, response) -> next_challenge,
// aggregate(round_contributions) -> round_file. Concrete implementations
// wrap a real proving-system library (see SPEC_FULL.md, Domain stack,
// for the pairing-curve libraries a production backend would plug in
// here); the core treats this interface as opaque.
type Computation interface {
	// Compute must produce a response whose first 64 bytes equal
	// hash(challenge).
	Compute(challenge, entropy []byte) (response []byte, err error)

	// Verify must produce a next challenge whose first 64 bytes equal
	// hash(response).
	Verify(challenge, response []byte) (nextChallenge []byte, err error)

	// Aggregate folds every chunk's final verified contribution for a round
	// into the round's aggregated output file.
	Aggregate(roundContributions [][]byte) (roundFile []byte, err error)
}
