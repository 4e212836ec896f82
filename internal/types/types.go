// Package types holds the data-model shapes shared across the engine's
// internal packages, kept in one leaf package so transport, sftpfacade,
// ptymanager, and the top-level facade can all depend on them without
// creating import cycles.
package types

// AuthMethod is the authentication method named on a ConnectionProfile.
type AuthMethod string

const (
	AuthKey      AuthMethod = "key"
	AuthPassword AuthMethod = "password"
)

// Profile is the caller-owned connection profile. The engine does not
// persist it.
type Profile struct {
	ID         string
	Name       string
	Host       string
	User       string
	Port       int
	Auth       AuthMethod
	KeyPath    string
	Passphrase string

	// PinnedFingerprintSHA256, if non-empty, must match the store/verified
	// host key in addition to the Host Key Store check.
	PinnedFingerprintSHA256 string
}

// FileEntry is one row of a list_dir result.
type FileEntry struct {
	Name        string
	IsDirectory bool
	Size        int64
	Mtime       int64
}

// FileMeta is returned by stat/write_file/read_file_with_stat.
type FileMeta struct {
	Path  string
	Size  int64
	Mtime int64
}

// Status is a Connection's lifecycle state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
)

// TerminalState is a PtyChannel's lifecycle state.
type TerminalState string

const (
	TerminalOpening TerminalState = "opening"
	TerminalOpen    TerminalState = "open"
	TerminalClosed  TerminalState = "closed"
)
