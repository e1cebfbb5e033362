// Package protocol defines the coordination messages exchanged between
// server processes and their wire codec. Messages are a closed tagged
// union encoded as JSON with a "type" discriminator. Decoding never
// panics: input from a mismatched-version or hostile peer yields a
// failed decode, not a crash.
package protocol
