//nolint:revive // types is a common Go package naming convention
package types

// Chunk-protocol command tokens. A chunk command line is
// "<CMD> <json>", optionally preceded by an identity prefix.
const (
	CmdBegin = "IMG_B64_BEGIN"
	CmdChunk = "IMG_B64_CHUNK"
	CmdEnd   = "IMG_B64_END"
)

// JSON type discriminants carried in the "type" field.
const (
	TypeImage  = "image_b64"
	TypeStatus = "arduino_status"
)

// MessageKind is the tag of the Message union.
type MessageKind int

// Message kinds, in dispatch priority order.
const (
	KindText MessageKind = iota
	KindBegin
	KindChunk
	KindEnd
	KindStatus
	KindImage
)

func (k MessageKind) String() string {
	switch k {
	case KindBegin:
		return "begin"
	case KindChunk:
		return "chunk"
	case KindEnd:
		return "end"
	case KindStatus:
		return "status"
	case KindImage:
		return "image"
	default:
		return "text"
	}
}

// IsChunkProtocol returns true for begin, chunk and end messages.
func (k MessageKind) IsChunkProtocol() bool {
	return k == KindBegin || k == KindChunk || k == KindEnd
}

// BeginFrame opens a chunked transfer.
type BeginFrame struct {
	FrameID int64  `json:"frameId"`
	Mime    string `json:"mime"`
	Bytes   int64  `json:"bytes"`
	Total   int    `json:"total"`
}

// ChunkFrame carries one slice of the encoded payload.
type ChunkFrame struct {
	FrameID int64  `json:"frameId"`
	Index   int    `json:"index"`
	Data    string `json:"data"`
}

// EndFrame closes a chunked transfer. Advisory only.
type EndFrame struct {
	FrameID int64 `json:"frameId"`
}

// ImageFrame is a single-shot image that fits in one channel message.
type ImageFrame struct {
	Type     string `json:"type"`
	FrameID  int64  `json:"frameId"`
	Mime     string `json:"mime"`
	Bytes    int64  `json:"bytes"`
	ServerID string `json:"serverId"`
	Data     string `json:"data"`
}

// StatusFrame is a device status update. Message has the shape
// "STATUS:<TYPE>:<text>".
type StatusFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Message is a classified channel message. Exactly one of the frame
// pointers is set, selected by Kind; KindText carries only Text.
type Message struct {
	Kind MessageKind
	// Identity is the declared identity prefix, empty when absent.
	Identity string
	// HasIdentity distinguishes an absent prefix from an empty one.
	HasIdentity bool
	// Raw is the full message as received.
	Raw string
	// Text is the payload after the identity prefix.
	Text string

	Begin  *BeginFrame
	Chunk  *ChunkFrame
	End    *EndFrame
	Status *StatusFrame
	Image  *ImageFrame
}
