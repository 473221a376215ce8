// Package contracts is the authoritative registry of TARS topics and
// message schemas. Every topic string is a compile-time constant
// defined here; every payload that crosses the bus has a typed Go
// struct here with strict (unknown-field-rejecting) JSON decoding and
// a Validate method for range checks the JSON schema can't express.
//
// Services never hard-code a topic string or hand-roll envelope
// fields — they call Encode to publish and Validate to decode, so the
// wire format stays centralized even as the fleet grows.
package contracts
