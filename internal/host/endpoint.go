package host

import (
	"fmt"
	"os"
	"path/filepath"
)

// socketDir returns the per-user runtime directory IPC sockets are created
// under, matching pty-daemon/daemon.go's socketPath() convention but
// preferring XDG_RUNTIME_DIR when set.
func socketDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "ttymux")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("ttymux-%d", os.Getuid()))
}

// EndpointPath returns the Unix domain socket path for a session's IPC
// endpoint, per spec.md §6.3's "path derived from the session id in a
// per-user runtime directory".
func EndpointPath(sessionID string) string {
	return filepath.Join(socketDir(), sessionID+".sock")
}

// EnsureSocketDir creates the socket directory with owner-only permissions
// if it doesn't already exist.
func EnsureSocketDir() error {
	return os.MkdirAll(socketDir(), 0o700)
}
