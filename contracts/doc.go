// Package contracts defines the wire-level envelopes and error taxonomy
// shared by the gateway and every fleet service. Envelopes are JSON with
// RFC 3339 timestamps; error kinds are plain strings so that no side of
// the broker depends on the other's error values.
package contracts
