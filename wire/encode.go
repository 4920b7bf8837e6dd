package wire

import (
	"encoding/json"
	"fmt"

	"github.com/pithecene-io/camlink/types"
)

// FormatCommand builds "[identity ]CMD json" for a chunk-protocol frame.
func FormatCommand(identity, cmd string, frame any) (string, error) {
	body, err := json.Marshal(frame)
	if err != nil {
		return "", fmt.Errorf("marshal %s frame: %w", cmd, err)
	}
	return withIdentity(identity, cmd+" "+string(body)), nil
}

// FormatJSON builds "[identity ]json" for a JSON frame.
func FormatJSON(identity string, frame any) (string, error) {
	body, err := json.Marshal(frame)
	if err != nil {
		return "", fmt.Errorf("marshal frame: %w", err)
	}
	return withIdentity(identity, string(body)), nil
}

// FormatBegin formats a begin line.
func FormatBegin(identity string, f types.BeginFrame) (string, error) {
	return FormatCommand(identity, types.CmdBegin, f)
}

// FormatChunk formats a chunk line.
func FormatChunk(identity string, f types.ChunkFrame) (string, error) {
	return FormatCommand(identity, types.CmdChunk, f)
}

// FormatEnd formats an end line.
func FormatEnd(identity string, f types.EndFrame) (string, error) {
	return FormatCommand(identity, types.CmdEnd, f)
}

// FormatImage formats a single-shot image line. Type is forced to image_b64.
func FormatImage(identity string, f types.ImageFrame) (string, error) {
	f.Type = types.TypeImage
	return FormatJSON(identity, f)
}

func withIdentity(identity, body string) string {
	if identity == "" {
		return body
	}
	return identity + " " + body
}
