// Package protocol implements the JSON wire protocol spoken with the
// voicecode backend over WebSocket.
//
// Every frame is a single JSON object with a "type" discriminator and an
// optional "request_id" pairing requests with their acknowledgments. Two
// properties of the wire format are load-bearing, not stylistic: compound
// keys are snake_case, and UUID-shaped identifiers are rendered lowercase.
// The backend is case- and format-sensitive on both.
//
// Decoding maps each inbound frame to exactly one typed variant. Frame
// types this client does not know decode to Unknown rather than failing,
// so newer backends stay compatible with older clients.
package protocol
