// Package publisher mirrors the committed label log to external brokers.
//
// Each configured sink gets a Worker that pages through the log with
// QueryLabels, renders every entry with the sink's Transformer and publishes
// it with exponential backoff. Topics are "<topic_prefix>.<val>" and the
// message key is the label uri, so brokers that partition by key keep every
// label for a subject in log order.
//
// # Cursors
//
// The last published seq of every sink is persisted in a Pebble database
// (CursorStore) under data_dir/sink_cursors:
//
//	/sinkcursor/{sinkName} -> uint64 (little endian)
//
// Delivery is at-least-once. The cursor advances only after the sink
// acknowledged the entry; entries rejected by the sink's Filter advance it
// without publishing. The label log is never compacted, so a new sink starts
// at seq 0 and replays the whole history.
//
// # Extending
//
// Sink types and payload formats are registered by name:
//
//	publisher.RegisterSink("kafka", factory)
//	publisher.RegisterTransformer("cbor", factory)
//
// The sink and transformer subpackages register the built-in ones from
// init; import them for side effects.
package publisher
