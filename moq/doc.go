// Package moq implements the object wire-format codec for MoQ Transport
// (draft-ietf-moq-transport-15): media format conversion (Annex B →
// AVC1, ADTS stripping, decoder configuration records). It defines no
// error types of its own.
//
// This package contains no control-message, session, or relay logic;
// those higher-level concerns live in
// [github.com/nimbusplay/playcache/distribution].
package moq
