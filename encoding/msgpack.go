// Package encoding provides centralized serialization for the labeler.
//
// Two formats are used with a clear boundary:
//
//   - CBOR (cbor.go) for everything that is signed or sent on the
//     subscription wire. The encoder is deterministic: sorted map keys,
//     smallest integer encoding, no indefinite-length items. The same
//     logical label always produces identical bytes.
//   - msgpack (this file) for compact sink payloads mirrored to brokers.
//
// Thread Safety: all functions are safe for concurrent use.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// MarshalMsgpack encodes a value to msgpack format.
// Struct fields are keyed by their json tag so sink payloads carry the
// same field names in every format.
func MarshalMsgpack(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetOmitEmpty(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// UnmarshalMsgpack decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings are preserved as Go strings (not []byte).
func UnmarshalMsgpack(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
