// Package hashchain implements the hash-chain and detached-signature checks
// every submission must pass (spec §3, Locator/Contribution; §4.J; §4.I,
// add_contribution / verify_contribution hash-chain checks).
package hashchain

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"github.com/setupforge/coordinator/ceremony/cerr"
)

// DigestSize is the width of every hash this package produces: spec §6
// requires hash(bytes) -> 64-byte digest. blake2b-512 is the direct
// grounding for this: aleo-setup's calculate_hash (original_source
// phase2-coordinator) is blake2b-512, and golang.org/x/crypto/blake2b is
// already a direct dependency of the teacher this repository is adapted
// from.
const DigestSize = 64

// Hash computes the 64-byte digest used throughout the hash chain.
func Hash(data []byte) [DigestSize]byte {
	return blake2b.Sum512(data)
}

// Signature is the detached signature object attached to a contribution or
// verification submission (spec §3, Locator; §4.I).
type Signature struct {
	ChallengeHashHex     string
	ResponseHashHex      string
	NextChallengeHashHex string // empty means absent
	SignatureHex         string
}

// HasNextChallengeHash reports whether the signature carries a next-challenge
// hash. Contributor signatures never carry one; verifier signatures always
// do.
func (s Signature) HasNextChallengeHash() bool { return s.NextChallengeHashHex != "" }

// SignatureScheme is the external detached-signature dependency (spec §6):
// sign(secret_key, message) -> signature_hex,
// verify(public_key_hex, message, signature_hex) -> bool.
type SignatureScheme interface {
	Sign(secretKeyHex string, message []byte) (string, error)
	Verify(publicKeyHex string, message []byte, signatureHex string) (bool, error)
}

// SigningAddress extracts the address used for signature verification from a
// participant's pubkey string: the prefix before the first '.' (spec §6).
func SigningAddress(pubkey string) string {
	for i, r := range pubkey {
		if r == '.' {
			return pubkey[:i]
		}
	}
	return pubkey
}

func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindContributorSignatureInvalid, err)
	}
	return b, nil
}

func equalHex(digest [DigestSize]byte, hexStr string) bool {
	b, err := decodeHex(hexStr)
	if err != nil {
		return false
	}
	if len(b) != DigestSize {
		return false
	}
	for i := range b {
		if b[i] != digest[i] {
			return false
		}
	}
	return true
}

// CheckContributorChain implements spec §4.I's add_contribution hash-chain
// check:
//  1. H_c = hash(challenge); H_r = hash(response).
//  2. response[0:64] must equal H_c.
//  3. verify(pubkey, message, signature) must hold.
//  4. signature.challenge_hash must equal H_c; response_hash must equal H_r;
//     next_challenge_hash must be absent.
func CheckContributorChain(scheme SignatureScheme, pubkey string, challenge, response []byte, message []byte, sig Signature) error {
	if len(response) < DigestSize {
		return cerr.New(cerr.KindContributionHashMismatch)
	}
	challengeHash := Hash(challenge)
	responseHash := Hash(response)

	var prefix [DigestSize]byte
	copy(prefix[:], response[:DigestSize])
	if prefix != challengeHash {
		return cerr.New(cerr.KindContributionHashMismatch)
	}

	ok, err := scheme.Verify(SigningAddress(pubkey), message, sig.SignatureHex)
	if err != nil {
		return cerr.Wrap(cerr.KindContributorSignatureInvalid, err)
	}
	if !ok {
		return cerr.New(cerr.KindContributorSignatureInvalid)
	}

	if !equalHex(challengeHash, sig.ChallengeHashHex) {
		return cerr.New(cerr.KindContributorSignatureInvalid)
	}
	if !equalHex(responseHash, sig.ResponseHashHex) {
		return cerr.New(cerr.KindContributorSignatureInvalid)
	}
	if sig.HasNextChallengeHash() {
		return cerr.New(cerr.KindNextChallengeHashAlreadyExists)
	}
	return nil
}

// CheckVerifierChain implements spec §4.I's verify_contribution hash-chain
// check:
//  1. H_c = hash(challenge); H_r = hash(response); H_n = hash(next_challenge).
//  2. response[0:64] must equal H_c; next_challenge[0:64] must equal H_r.
//  3. verify(pubkey, message, signature) must hold, and
//     challenge_hash == H_c, response_hash == H_r, next_challenge_hash == H_n
//     must all hold -- next_challenge_hash must be present.
func CheckVerifierChain(scheme SignatureScheme, pubkey string, challenge, response, nextChallenge []byte, message []byte, sig Signature) error {
	if len(response) < DigestSize || len(nextChallenge) < DigestSize {
		return cerr.New(cerr.KindContributionHashMismatch)
	}
	challengeHash := Hash(challenge)
	responseHash := Hash(response)
	nextChallengeHash := Hash(nextChallenge)

	var respPrefix, nextPrefix [DigestSize]byte
	copy(respPrefix[:], response[:DigestSize])
	copy(nextPrefix[:], nextChallenge[:DigestSize])
	if respPrefix != challengeHash {
		return cerr.New(cerr.KindContributionHashMismatch)
	}
	if nextPrefix != responseHash {
		return cerr.New(cerr.KindContributionHashMismatch)
	}

	ok, err := scheme.Verify(SigningAddress(pubkey), message, sig.SignatureHex)
	if err != nil {
		return cerr.Wrap(cerr.KindVerifierSignatureInvalid, err)
	}
	if !ok {
		return cerr.New(cerr.KindVerifierSignatureInvalid)
	}

	if !equalHex(challengeHash, sig.ChallengeHashHex) {
		return cerr.New(cerr.KindVerifierSignatureInvalid)
	}
	if !equalHex(responseHash, sig.ResponseHashHex) {
		return cerr.New(cerr.KindVerifierSignatureInvalid)
	}
	if !sig.HasNextChallengeHash() {
		return cerr.New(cerr.KindNextChallengeHashMissing)
	}
	if !equalHex(nextChallengeHash, sig.NextChallengeHashHex) {
		return cerr.New(cerr.KindVerifierSignatureInvalid)
	}
	return nil
}
