package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pithecene-io/camlink/types"
)

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorNotJSON indicates a payload that is not a JSON object.
	FrameErrorNotJSON FrameErrorKind = iota
	// FrameErrorMalformed indicates a chunk command with an undecodable body.
	FrameErrorMalformed
	// FrameErrorUnknownType indicates a JSON object with no recognized type.
	FrameErrorUnknownType
	// FrameErrorMissingField indicates a required field was absent.
	FrameErrorMissingField
)

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsChunkProtocolError returns true if err came from a recognized chunk
// command whose body could not be decoded.
func IsChunkProtocolError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.Kind == FrameErrorMalformed || frameErr.Kind == FrameErrorMissingField
	}
	return false
}

// frameTypeProbe peeks at the type field without a full decode.
type frameTypeProbe struct {
	Type string `json:"type"`
}

// frameIDProbe checks frameId presence.
type frameIDProbe struct {
	FrameID *int64 `json:"frameId"`
}

// Decode parses and classifies a raw message. On error the returned
// Message is still usable as free text (Kind == KindText), so callers can
// degrade instead of failing.
func Decode(raw string) (types.Message, error) {
	env := ParseEnvelope(raw)
	msg := types.Message{
		Kind:        types.KindText,
		Identity:    env.Identity,
		HasIdentity: env.HasIdentity,
		Raw:         raw,
		Text:        env.Payload,
	}

	if cmd, body, ok := SplitCommand(env.Payload); ok {
		if err := decodeCommand(&msg, cmd, body); err != nil {
			msg.Kind = types.KindText
			return msg, err
		}
		return msg, nil
	}

	if !strings.HasPrefix(strings.TrimSpace(env.Payload), "{") {
		return msg, &FrameError{Kind: FrameErrorNotJSON, Msg: "payload is not a JSON object"}
	}

	var probe frameTypeProbe
	if err := json.Unmarshal([]byte(env.Payload), &probe); err != nil {
		return msg, &FrameError{Kind: FrameErrorNotJSON, Msg: "failed to decode JSON payload", Err: err}
	}

	switch probe.Type {
	case types.TypeStatus:
		var status types.StatusFrame
		if err := json.Unmarshal([]byte(env.Payload), &status); err != nil {
			return msg, &FrameError{Kind: FrameErrorNotJSON, Msg: "failed to decode status frame", Err: err}
		}
		msg.Kind = types.KindStatus
		msg.Status = &status
	case types.TypeImage:
		var image types.ImageFrame
		if err := json.Unmarshal([]byte(env.Payload), &image); err != nil {
			return msg, &FrameError{Kind: FrameErrorNotJSON, Msg: "failed to decode image frame", Err: err}
		}
		msg.Kind = types.KindImage
		msg.Image = &image
	default:
		return msg, &FrameError{
			Kind: FrameErrorUnknownType,
			Msg:  fmt.Sprintf("unrecognized JSON type %q", probe.Type),
		}
	}
	return msg, nil
}

func decodeCommand(msg *types.Message, cmd, body string) error {
	var id frameIDProbe
	if err := json.Unmarshal([]byte(body), &id); err != nil {
		return &FrameError{Kind: FrameErrorMalformed, Msg: fmt.Sprintf("failed to decode %s body", cmd), Err: err}
	}
	if id.FrameID == nil {
		return &FrameError{Kind: FrameErrorMissingField, Msg: fmt.Sprintf("%s body missing frameId", cmd)}
	}

	switch cmd {
	case types.CmdBegin:
		var begin types.BeginFrame
		if err := json.Unmarshal([]byte(body), &begin); err != nil {
			return &FrameError{Kind: FrameErrorMalformed, Msg: "failed to decode begin frame", Err: err}
		}
		msg.Kind = types.KindBegin
		msg.Begin = &begin
	case types.CmdChunk:
		var chunk types.ChunkFrame
		if err := json.Unmarshal([]byte(body), &chunk); err != nil {
			return &FrameError{Kind: FrameErrorMalformed, Msg: "failed to decode chunk frame", Err: err}
		}
		msg.Kind = types.KindChunk
		msg.Chunk = &chunk
	case types.CmdEnd:
		var end types.EndFrame
		if err := json.Unmarshal([]byte(body), &end); err != nil {
			return &FrameError{Kind: FrameErrorMalformed, Msg: "failed to decode end frame", Err: err}
		}
		msg.Kind = types.KindEnd
		msg.End = &end
	}
	return nil
}

// StatusParts splits a device status message "STATUS:<TYPE>:<text>".
// ok is false when the message does not have that shape.
func StatusParts(message string) (statusType, text string, ok bool) {
	rest, found := strings.CutPrefix(message, "STATUS:")
	if !found {
		return "", "", false
	}
	statusType, text, found = strings.Cut(rest, ":")
	if !found {
		return "", "", false
	}
	return statusType, text, true
}
