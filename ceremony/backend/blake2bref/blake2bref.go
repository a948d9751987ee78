// Package blake2bref is a reference Computation backend used for tests and
// local dry runs. It satisfies the hash-chain contract (spec §6) using only
// golang.org/x/crypto/blake2b, without any real proving-system arithmetic --
// the ceremony core never depends on the contents of a response beyond its
// 64-byte hash prefix, so a deterministic "response = hash(challenge) ||
// entropy" construction is sufficient to drive the coordinator end to end.
package blake2bref

import (
	"bytes"

	"github.com/setupforge/coordinator/ceremony/hashchain"
)

// Backend implements backend.Computation.
type Backend struct{}

// New creates a reference backend.
func New() *Backend { return &Backend{} }

// Compute returns hash(challenge) || entropy, satisfying the "response's
// first 64 bytes equal hash(challenge)" contract.
func (Backend) Compute(challenge, entropy []byte) ([]byte, error) {
	h := hashchain.Hash(challenge)
	out := make([]byte, 0, hashchain.DigestSize+len(entropy))
	out = append(out, h[:]...)
	out = append(out, entropy...)
	return out, nil
}

// Verify returns hash(response) || a copy of response, satisfying the
// "next challenge's first 64 bytes equal hash(response)" contract.
func (Backend) Verify(challenge, response []byte) ([]byte, error) {
	h := hashchain.Hash(response)
	out := make([]byte, 0, hashchain.DigestSize+len(response))
	out = append(out, h[:]...)
	out = append(out, response...)
	return out, nil
}

// Aggregate concatenates every chunk's final contribution, separated by a
// single newline, as a stand-in round file.
func (Backend) Aggregate(roundContributions [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	for i, c := range roundContributions {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(c)
	}
	return buf.Bytes(), nil
}
