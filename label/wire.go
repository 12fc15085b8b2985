package label

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Bytes is a byte string. In CBOR and msgpack it is a native byte string;
// in JSON it uses the {"$bytes": "<base64>"} form of the AT Protocol data model.
type Bytes []byte

type jsonBytes struct {
	Bytes string `json:"$bytes"`
}

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonBytes{Bytes: base64.RawStdEncoding.EncodeToString(b)})
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var jb jsonBytes
	if err := json.Unmarshal(data, &jb); err != nil {
		return err
	}
	raw, err := base64.RawStdEncoding.DecodeString(jb.Bytes)
	if err != nil {
		return fmt.Errorf("label: invalid $bytes: %w", err)
	}
	*b = raw
	return nil
}

// Wire is the external representation of a signed label, shared by the
// subscription frames, the query endpoint and sink payloads.
type Wire struct {
	Ver int    `json:"ver"`
	Src string `json:"src"`
	URI string `json:"uri"`
	CID string `json:"cid,omitempty"`
	Val string `json:"val"`
	Neg bool   `json:"neg,omitempty"`
	Cts string `json:"cts"`
	Exp string `json:"exp,omitempty"`
	Sig Bytes  `json:"sig"`
}

// ToWire renders a signed label for the wire.
func ToWire(s Signed) Wire {
	w := Wire{
		Ver: Version,
		Src: s.Src,
		URI: s.URI,
		CID: s.CID,
		Val: s.Val,
		Neg: s.Neg,
		Cts: FormatTime(s.Cts),
		Sig: Bytes(s.Sig),
	}
	if s.Exp != nil {
		w.Exp = FormatTime(*s.Exp)
	}
	return w
}

// EntriesToWire renders a page of log entries for the wire.
func EntriesToWire(entries []Entry) []Wire {
	out := make([]Wire, 0, len(entries))
	for _, e := range entries {
		out = append(out, ToWire(e.Signed))
	}
	return out
}

// FromWire parses a wire label back into a signed label.
func FromWire(w Wire) (Signed, error) {
	cts, err := ParseTime(w.Cts)
	if err != nil {
		return Signed{}, err
	}
	var exp *time.Time
	if w.Exp != "" {
		t, err := ParseTime(w.Exp)
		if err != nil {
			return Signed{}, err
		}
		exp = &t
	}
	return Signed{
		Unsigned: Unsigned{
			Src: w.Src,
			URI: w.URI,
			CID: w.CID,
			Val: w.Val,
			Neg: w.Neg,
			Cts: cts,
			Exp: exp,
		},
		Sig: []byte(w.Sig),
	}, nil
}
