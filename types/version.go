package types

// Version is the canonical project version.
// The CLI and the wire protocol share this version.
const Version = "0.1.0"
