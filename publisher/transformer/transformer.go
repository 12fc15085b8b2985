// Package transformer provides implementations of the publisher.Transformer
// interface, rendering log entries as sink payloads.
//
// Every format carries the same publisher.Event: the log seq and the label
// in its wire form, so consumers see the fields the query endpoint returns.
package transformer

import (
	"encoding/json"

	"github.com/maxpert/labeler/encoding"
	"github.com/maxpert/labeler/label"
	"github.com/maxpert/labeler/publisher"
)

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return JSONTransformer{}
	})
	publisher.RegisterTransformer("msgpack", func() publisher.Transformer {
		return MsgpackTransformer{}
	})
	publisher.RegisterTransformer("cbor", func() publisher.Transformer {
		return CBORTransformer{}
	})
}

// JSONTransformer renders entries as JSON. Signatures use the
// {"$bytes": "<base64>"} form.
type JSONTransformer struct{}

func (JSONTransformer) Transform(entry label.Entry) ([]byte, error) {
	return json.Marshal(publisher.NewEvent(entry))
}

// MsgpackTransformer renders entries as msgpack keyed by the JSON field names.
type MsgpackTransformer struct{}

func (MsgpackTransformer) Transform(entry label.Entry) ([]byte, error) {
	return encoding.MarshalMsgpack(publisher.NewEvent(entry))
}

// CBORTransformer renders entries as deterministic CBOR, the encoding the
// subscription stream uses.
type CBORTransformer struct{}

func (CBORTransformer) Transform(entry label.Entry) ([]byte, error) {
	return encoding.MarshalCBOR(publisher.NewEvent(entry))
}
