package types

// CompletedImage is a fully received payload, either reassembled from
// chunks or delivered single-shot.
type CompletedImage struct {
	TransferID int64
	Mime       string
	Data       []byte
	// DeclaredBytes is the size announced by the sender, -1 if unknown.
	DeclaredBytes int64
	// Chunked is true when the image came through the reassembler.
	Chunked bool
	// ServerID is set for single-shot images that carry one.
	ServerID string
}

// StatusKind classifies status callbacks for the UI layer.
type StatusKind string

// Status kinds.
const (
	StatusConnection StatusKind = "connection"
	StatusAuth       StatusKind = "auth"
	StatusReady      StatusKind = "ready"
	StatusOK         StatusKind = "ok"
	StatusError      StatusKind = "error"
	StatusDevice     StatusKind = "device"
	StatusText       StatusKind = "text"
)

// AuthState is the identity handshake state of a session.
type AuthState int

// Auth states.
const (
	AuthNone AuthState = iota
	AuthPending
	AuthAuthenticated
	AuthRejected
)

func (s AuthState) String() string {
	switch s {
	case AuthPending:
		return "pending"
	case AuthAuthenticated:
		return "authenticated"
	case AuthRejected:
		return "rejected"
	default:
		return "none"
	}
}
