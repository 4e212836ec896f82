package engine

import "github.com/sshengine/engine/internal/types"

// TerminalOutputEvent implements the terminal_output event.
type TerminalOutputEvent struct {
	TerminalID string
	Data       []byte
}

// ConnectionStatusEvent implements the connection_status_changed event.
// Status is restricted to "connected"/"disconnected" at the external
// boundary, even though the internal state machine also passes through
// "reconnecting" — "reconnecting" is communicated via a disconnected event
// with a detail, matching how a UI host renders a single status bar state
// until the next definitive transition.
type ConnectionStatusEvent struct {
	ConnectionID string
	Status       string
	Detail       string
}

// ConnectionTraceEvent implements the connection_trace event, emitted
// only while tracing is enabled.
type ConnectionTraceEvent struct {
	Timestamp     int64
	Category      string
	Step          string
	ConnectionID  string
	CorrelationID string
	Message       string
	Detail        map[string]any
	IsError       bool
}

// FileEntry is the external-facing shape of an sftp_list_dir row.
type FileEntry = types.FileEntry

// FileMeta is the external-facing shape returned by stat/write/read-with-stat.
type FileMeta = types.FileMeta

// HostKeyEntry is the external-facing shape of a trusted host key record.
type HostKeyEntry struct {
	Host              string
	Port              int
	KeyType           string
	FingerprintSHA256 string
	PublicKeyOpenSSH  string
	TrustedAt         int64
}
