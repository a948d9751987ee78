// Package participant defines the two ceremony roles and the unit of work
// ("task") assigned to a contributor.
package participant

import "fmt"

// Kind tags a Participant as either a contributor or a verifier. Verifiers
// are coordinator-internal; the reference deployment runs exactly one, but
// the model allows more.
type Kind uint8

const (
	// KindContributor identifies a participant that submits contributions.
	KindContributor Kind = iota
	// KindVerifier identifies a participant that verifies contributions.
	KindVerifier
)

func (k Kind) String() string {
	switch k {
	case KindContributor:
		return "contributor"
	case KindVerifier:
		return "verifier"
	default:
		return "unknown"
	}
}

// Participant is a tagged variant over {Contributor(id), Verifier(id)}.
// Equality is by (Kind, ID).
type Participant struct {
	Kind Kind
	ID   string
}

// Contributor builds a contributor-kind participant.
func Contributor(id string) Participant {
	return Participant{Kind: KindContributor, ID: id}
}

// Verifier builds a verifier-kind participant.
func Verifier(id string) Participant {
	return Participant{Kind: KindVerifier, ID: id}
}

// coordinatorVerifierID names the single logical verifier role executed by
// the coordinator process itself (see spec §3, Participant).
const coordinatorVerifierID = "coordinator"

// DefaultVerifier returns the well-known verifier identity the coordinator
// assigns itself when no other verifier pool is configured.
func DefaultVerifier() Participant {
	return Verifier(coordinatorVerifierID)
}

// IsContributor reports whether p is a contributor.
func (p Participant) IsContributor() bool { return p.Kind == KindContributor }

// IsVerifier reports whether p is a verifier.
func (p Participant) IsVerifier() bool { return p.Kind == KindVerifier }

// IsEmpty reports whether p is the zero value (no participant).
func (p Participant) IsEmpty() bool { return p.ID == "" && p.Kind == KindContributor }

// Equal reports whether p and other name the same participant.
func (p Participant) Equal(other Participant) bool {
	return p.Kind == other.Kind && p.ID == other.ID
}

func (p Participant) String() string {
	return fmt.Sprintf("%s(%s)", p.Kind, p.ID)
}
