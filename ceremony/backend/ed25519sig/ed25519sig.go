// Package ed25519sig is a reference hashchain.SignatureScheme used for
// tests and local dry runs. Production deployments plug in a different
// detached-signature scheme (spec §6 treats the scheme as an opaque
// external dependency); this package exists only so the coordinator can be
// exercised end to end without one.
package ed25519sig

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/setupforge/coordinator/ceremony/cerr"
)

// Scheme implements hashchain.SignatureScheme over ed25519.
type Scheme struct{}

// New creates a Scheme.
func New() Scheme { return Scheme{} }

// GenerateKeypair returns a fresh (secretKeyHex, publicKeyHex) pair.
func GenerateKeypair() (secretKeyHex, publicKeyHex string, err error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", "", cerr.Wrap(cerr.KindSignatureSchemeInsecure, err)
	}
	return hex.EncodeToString(priv), hex.EncodeToString(pub), nil
}

// Sign signs message with the hex-encoded ed25519 secret key.
func (Scheme) Sign(secretKeyHex string, message []byte) (string, error) {
	sk, err := hex.DecodeString(secretKeyHex)
	if err != nil || len(sk) != ed25519.PrivateKeySize {
		return "", cerr.New(cerr.KindSignatureSchemeInsecure)
	}
	sig := ed25519.Sign(ed25519.PrivateKey(sk), message)
	return hex.EncodeToString(sig), nil
}

// Verify checks a hex-encoded signature against a hex-encoded public key.
func (Scheme) Verify(publicKeyHex string, message []byte, signatureHex string) (bool, error) {
	pk, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pk) != ed25519.PublicKeySize {
		return false, nil
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false, nil
	}
	return ed25519.Verify(ed25519.PublicKey(pk), message, sig), nil
}
