// Package signer produces and verifies detached label signatures.
//
// A Signer is built once at startup from a static 32-byte key and is
// immutable afterwards; it is passed explicitly to every component that
// signs. Ed25519 is the default key type. P-256 produces the low-S ECDSA
// signatures AT Protocol consumers accept. The signature covers the SHA-256
// digest of the label's canonical CBOR encoding, so any party holding the
// public key can verify a label from its fields alone.
package signer

import (
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/maxpert/labeler/label"
	"github.com/multiformats/go-multibase"
)

var (
	ErrInvalidKey       = fmt.Errorf("signer: private key must be a valid %d-byte key", keySize)
	ErrInvalidSignature = errors.New("signer: signature does not verify")
	ErrMissingDID       = errors.New("signer: issuer DID is required")
)

// Signer signs labels on behalf of one issuer DID.
type Signer struct {
	did     string
	keyType KeyType
	key     keyPair
}

// New creates an Ed25519 Signer from a 32-byte seed.
func New(seed []byte, did string) (*Signer, error) {
	return NewWithKeyType(KeyEd25519, seed, did)
}

// NewWithKeyType creates a Signer of the given type from a 32-byte key.
func NewWithKeyType(kt KeyType, secret []byte, did string) (*Signer, error) {
	key, err := newKeyPair(kt, secret)
	if err != nil {
		return nil, err
	}
	if did == "" {
		return nil, ErrMissingDID
	}
	if kt == "" {
		kt = KeyEd25519
	}
	return &Signer{did: did, keyType: kt, key: key}, nil
}

// FromHex creates a Signer from a hex-encoded key.
func FromHex(kt KeyType, hexKey, did string) (*Signer, error) {
	secret, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("signer: decode key: %w", err)
	}
	return NewWithKeyType(kt, secret, did)
}

// DID returns the issuer DID stamped into labels as src.
func (s *Signer) DID() string {
	return s.did
}

// KeyType returns the signature algorithm.
func (s *Signer) KeyType() KeyType {
	return s.keyType
}

// PublicKey returns the verification key: ed25519.PublicKey or
// *ecdsa.PublicKey.
func (s *Signer) PublicKey() crypto.PublicKey {
	return s.key.public()
}

// PublicKeyDIDKey renders the verification key as a did:key identifier.
func (s *Signer) PublicKeyDIDKey() string {
	enc, err := multibase.Encode(multibase.Base58BTC, s.key.didKeyBytes())
	if err != nil {
		// Base58BTC is always a supported encoding.
		panic(err)
	}
	return "did:key:" + enc
}

// Sign validates and signs an unsigned label. Timestamps are normalized to
// millisecond precision first so the stored label verifies byte for byte.
func (s *Signer) Sign(u label.Unsigned) (label.Signed, error) {
	u = u.Normalize()
	if err := u.Validate(); err != nil {
		return label.Signed{}, err
	}
	digest, err := digestOf(u)
	if err != nil {
		return label.Signed{}, err
	}
	sig, err := s.key.sign(digest)
	if err != nil {
		return label.Signed{}, err
	}
	return label.Signed{Unsigned: u, Sig: sig}, nil
}

// SignAll signs a batch; it fails on the first invalid label.
func (s *Signer) SignAll(labels []label.Unsigned) ([]label.Signed, error) {
	out := make([]label.Signed, 0, len(labels))
	for i, u := range labels {
		signed, err := s.Sign(u)
		if err != nil {
			return nil, fmt.Errorf("label %d: %w", i, err)
		}
		out = append(out, signed)
	}
	return out, nil
}

// Ensure signs x unless it already carries a signature, in which case the
// existing signature is verified and x is returned unchanged.
func (s *Signer) Ensure(x label.Signed) (label.Signed, error) {
	if IsSigned(x) {
		if err := s.Verify(x); err != nil {
			return label.Signed{}, err
		}
		return x, nil
	}
	return s.Sign(x.Unsigned)
}

// Verify checks a signed label against this signer's public key.
func (s *Signer) Verify(x label.Signed) error {
	return Verify(s.key.public(), x)
}

// Verify checks a signed label against pub, an ed25519.PublicKey or
// *ecdsa.PublicKey.
func Verify(pub crypto.PublicKey, x label.Signed) error {
	if !IsSigned(x) {
		return ErrInvalidSignature
	}
	digest, err := digestOf(x.Unsigned.Normalize())
	if err != nil {
		return err
	}
	if !verifyDigest(pub, digest, x.Sig) {
		return ErrInvalidSignature
	}
	return nil
}

// IsSigned reports whether x already carries a signature.
func IsSigned(x label.Signed) bool {
	return x.IsSigned()
}

func digestOf(u label.Unsigned) ([]byte, error) {
	b, err := CanonicalBytes(u)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}
