// Package message defines the wire payloads exchanged with the OT-2 robot
// and the AS7341 color sensor over NATS.
//
// The device protocol carries no native request/response linkage. Every
// outbound command repeats a session token (the submitting user id plus the
// experiment id, sent as the session_id and experiment_id fields) and every
// inbound event is expected to echo it back. Correlation is reconstructed
// from those two fields alone; see Token.Matches.
package message
