package channel

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"

	xerrors "wallhost/internal/errors"
)

// ListenUnix listens on a unix socket at path. A stale socket file left by a
// crashed host is removed first; a live one yields CONFLICT.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "create socket directory")
	}
	if _, err := os.Stat(path); err == nil {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return nil, xerrors.New(xerrors.CodeConflict, "another host is serving "+path)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "remove stale socket")
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "listen on "+path)
	}
	return ln, nil
}

// DialUnix connects to a host serving on the unix socket at path.
func DialUnix(ctx context.Context, path string) (*StreamTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRemoteCallFailed, err, "dial "+path)
	}
	return NewStreamTransport(conn), nil
}
