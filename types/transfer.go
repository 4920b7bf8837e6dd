package types

import "time"

// Transfer tracks one in-flight chunked reassembly.
// ReceivedCount always equals the number of filled slots in Parts.
type Transfer struct {
	// TransferID is the sender-chosen frame id.
	TransferID int64
	// Mime is the declared content type.
	Mime string
	// DeclaredBytes is the decoded size announced in the begin frame.
	DeclaredBytes int64
	// TotalChunks is the number of chunk slots.
	TotalChunks int
	// ReceivedCount is the number of distinct slots filled.
	ReceivedCount int
	// Parts holds encoded chunk text indexed by chunk index.
	Parts []string
	// Filled marks which slots of Parts have been received.
	Filled []bool
	// EndSeen is true once the advisory end frame arrived.
	EndSeen bool
	// CreatedAt is when the begin frame was accepted.
	CreatedAt time.Time
	// UpdatedAt is when the transfer last changed.
	UpdatedAt time.Time
}

// Complete returns true when every chunk slot is filled.
func (t *Transfer) Complete() bool {
	return t.ReceivedCount == t.TotalChunks
}

// Missing returns the number of unfilled slots.
func (t *Transfer) Missing() int {
	return t.TotalChunks - t.ReceivedCount
}
