package signer

import (
	"fmt"

	"github.com/maxpert/labeler/encoding"
	"github.com/maxpert/labeler/label"
)

// canonicalLabel fixes the signed field set. Optional fields are omitted
// when absent and neg is omitted when false.
type canonicalLabel struct {
	Ver int    `cbor:"ver"`
	Src string `cbor:"src"`
	URI string `cbor:"uri"`
	CID string `cbor:"cid,omitempty"`
	Val string `cbor:"val"`
	Neg bool   `cbor:"neg,omitempty"`
	Cts string `cbor:"cts"`
	Exp string `cbor:"exp,omitempty"`
}

// CanonicalBytes returns the deterministic CBOR encoding of the unsigned
// fields of u. Timestamps must already be normalized.
func CanonicalBytes(u label.Unsigned) ([]byte, error) {
	c := canonicalLabel{
		Ver: label.Version,
		Src: u.Src,
		URI: u.URI,
		CID: u.CID,
		Val: u.Val,
		Neg: u.Neg,
		Cts: label.FormatTime(u.Cts),
	}
	if u.Exp != nil {
		c.Exp = label.FormatTime(*u.Exp)
	}
	b, err := encoding.MarshalCBOR(c)
	if err != nil {
		return nil, fmt.Errorf("signer: canonical encoding: %w", err)
	}
	return b, nil
}
