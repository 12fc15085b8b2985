package encoding

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode is configured with Core Deterministic Encoding (RFC 8949 §4.2).
// For the short text keys used by labels and frames, bytewise key order is
// identical to the length-first order DAG-CBOR requires.
var cborEncMode cbor.EncMode

var cborDecMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Empty label lists must encode as [] rather than null.
	encOptions.NilContainers = cbor.NilContainerAsEmpty
	cborEncMode, err = encOptions.EncMode()
	if err != nil {
		panic("encoding: CBOR encoder initialization failed: " + err.Error())
	}

	cborDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("encoding: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalCBOR encodes v to deterministic CBOR.
func MarshalCBOR(v any) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

// UnmarshalCBOR decodes CBOR data into v.
func UnmarshalCBOR(data []byte, v any) error {
	return cborDecMode.Unmarshal(data, v)
}

// UnmarshalCBORFirst decodes the first CBOR data item in data into v and
// returns the remaining bytes.
func UnmarshalCBORFirst(data []byte, v any) ([]byte, error) {
	return cborDecMode.UnmarshalFirst(data, v)
}

// CBORRawMessage is a raw encoded CBOR value used to delay decoding.
type CBORRawMessage = cbor.RawMessage

// CBORDecoder is a CBOR stream decoder.
type CBORDecoder = cbor.Decoder

// CBOREncoder is a CBOR stream encoder.
type CBOREncoder = cbor.Encoder

// NewCBOREncoder returns a deterministic CBOR encoder writing to w.
func NewCBOREncoder(w io.Writer) *CBOREncoder {
	return cborEncMode.NewEncoder(w)
}

// NewCBORDecoder returns a CBOR decoder reading from r.
func NewCBORDecoder(r io.Reader) *CBORDecoder {
	return cborDecMode.NewDecoder(r)
}
