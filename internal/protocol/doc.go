// Package protocol owns the peer wire contract.
//
// Ownership boundary:
// - message vocabulary (one struct per frame type)
// - payload encoding on top of tlv fields
// - required-field schema per message type
// - incremental decoding of a byte stream into messages
package protocol
