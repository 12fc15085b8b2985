package signer

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// KeyType names the signature algorithm of a Signer.
type KeyType string

const (
	// KeyEd25519 signs with Ed25519.
	KeyEd25519 KeyType = "ed25519"
	// KeyP256 signs with ECDSA over NIST P-256 and emits 64-byte low-S r||s
	// signatures, the form AT Protocol consumers verify.
	KeyP256 KeyType = "p256"
)

// keySize is the length of every accepted private key: an Ed25519 seed or a
// P-256 scalar.
const keySize = 32

// Multicodec prefixes (varint encoded) for did:key.
var (
	ed25519PubMulticodec = []byte{0xed, 0x01}
	p256PubMulticodec    = []byte{0x80, 0x24}
)

// ParseKeyType maps a configuration value to a KeyType. Empty means Ed25519.
func ParseKeyType(s string) (KeyType, error) {
	switch KeyType(s) {
	case "", KeyEd25519:
		return KeyEd25519, nil
	case KeyP256:
		return KeyP256, nil
	}
	return "", fmt.Errorf("signer: unknown key type %q", s)
}

type keyPair interface {
	sign(digest []byte) ([]byte, error)
	public() crypto.PublicKey
	// didKeyBytes is the multicodec-prefixed public key.
	didKeyBytes() []byte
}

func newKeyPair(kt KeyType, secret []byte) (keyPair, error) {
	if len(secret) != keySize {
		return nil, ErrInvalidKey
	}
	switch kt {
	case KeyEd25519, "":
		return ed25519Key(ed25519.NewKeyFromSeed(secret)), nil
	case KeyP256:
		return newP256Key(secret)
	}
	return nil, fmt.Errorf("signer: unknown key type %q", kt)
}

type ed25519Key ed25519.PrivateKey

func (k ed25519Key) sign(digest []byte) ([]byte, error) {
	return ed25519.Sign(ed25519.PrivateKey(k), digest), nil
}

func (k ed25519Key) public() crypto.PublicKey {
	return ed25519.PrivateKey(k).Public()
}

func (k ed25519Key) didKeyBytes() []byte {
	pub := ed25519.PrivateKey(k).Public().(ed25519.PublicKey)
	return append(append([]byte{}, ed25519PubMulticodec...), pub...)
}

type p256Key struct {
	priv *ecdsa.PrivateKey
}

func newP256Key(scalar []byte) (*p256Key, error) {
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(scalar)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, ErrInvalidKey
	}
	priv := &ecdsa.PrivateKey{D: d, PublicKey: ecdsa.PublicKey{Curve: curve}}
	priv.X, priv.Y = curve.ScalarBaseMult(scalar)
	return &p256Key{priv: priv}, nil
}

// sign produces an RFC 6979 deterministic signature normalized to low-S.
func (k *p256Key) sign(digest []byte) ([]byte, error) {
	der, err := k.priv.Sign(nil, digest, crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("signer: ecdsa sign: %w", err)
	}
	r, s, err := parseDERSignature(der)
	if err != nil {
		return nil, err
	}
	n := k.priv.Curve.Params().N
	if s.Cmp(new(big.Int).Rsh(n, 1)) > 0 {
		s.Sub(n, s)
	}
	out := make([]byte, 2*keySize)
	r.FillBytes(out[:keySize])
	s.FillBytes(out[keySize:])
	return out, nil
}

func (k *p256Key) public() crypto.PublicKey {
	return &k.priv.PublicKey
}

func (k *p256Key) didKeyBytes() []byte {
	pub := elliptic.MarshalCompressed(k.priv.Curve, k.priv.X, k.priv.Y)
	return append(append([]byte{}, p256PubMulticodec...), pub...)
}

func parseDERSignature(der []byte) (r, s *big.Int, err error) {
	r, s = new(big.Int), new(big.Int)
	var inner cryptobyte.String
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		return nil, nil, fmt.Errorf("signer: malformed ecdsa signature")
	}
	return r, s, nil
}

// verifyDigest checks sig over digest with pub. P-256 signatures must be
// 64-byte low-S.
func verifyDigest(pub crypto.PublicKey, digest, sig []byte) bool {
	switch pk := pub.(type) {
	case ed25519.PublicKey:
		return len(pk) == ed25519.PublicKeySize && ed25519.Verify(pk, digest, sig)
	case *ecdsa.PublicKey:
		if len(sig) != 2*keySize {
			return false
		}
		r := new(big.Int).SetBytes(sig[:keySize])
		s := new(big.Int).SetBytes(sig[keySize:])
		if s.Cmp(new(big.Int).Rsh(pk.Curve.Params().N, 1)) > 0 {
			return false
		}
		return ecdsa.Verify(pk, digest, r, s)
	}
	return false
}
