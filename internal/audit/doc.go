// Package audit implements the session journal of the node.
//
// The journal is an append-only JSONL file recording client sessions on
// the stream and status servers and fault/recovery transitions of sensor
// buses. It is rotated by size. Components take a Recorder so the journal
// can be disabled with Nop.
package audit
