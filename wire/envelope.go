// Package wire implements the text framing of the shared channel:
// the identity envelope, chunk-protocol command lines, and the JSON
// frames they carry.
//
// Grammar:
//
//	message  := [identity SP] body
//	body     := chunkCmd | jsonObject | freeText
//	chunkCmd := ("IMG_B64_BEGIN" | "IMG_B64_CHUNK" | "IMG_B64_END") SP jsonObject
package wire

import (
	"strings"

	"github.com/pithecene-io/camlink/types"
)

// Envelope is a raw message split into its identity prefix and payload.
type Envelope struct {
	// Identity is the declared identity prefix.
	Identity string
	// HasIdentity is false when the message carried no prefix.
	HasIdentity bool
	// Payload is the message body after the prefix.
	Payload string
}

// ParseEnvelope splits raw at its first space. A message without a space,
// or whose first token is a chunk command or the start of a JSON object,
// has no identity prefix.
func ParseEnvelope(raw string) Envelope {
	head, tail, found := strings.Cut(raw, " ")
	if !found || isCommand(head) || strings.HasPrefix(raw, "{") {
		return Envelope{Payload: raw}
	}
	return Envelope{Identity: head, HasIdentity: true, Payload: tail}
}

// SplitCommand splits a payload into a chunk command and its JSON body.
// ok is false when the payload does not start with a recognized command.
func SplitCommand(payload string) (cmd, body string, ok bool) {
	head, tail, _ := strings.Cut(payload, " ")
	if !isCommand(head) {
		return "", "", false
	}
	return head, tail, true
}

func isCommand(token string) bool {
	switch token {
	case types.CmdBegin, types.CmdChunk, types.CmdEnd:
		return true
	default:
		return false
	}
}
