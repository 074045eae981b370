package node

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/gridforce/fleet/pkg/protocol"
)

// WriteFile stores a transferred file with the requested mode and owner.
func WriteFile(ft *protocol.FileTransfer) error {
	mode := os.FileMode(0o600)
	if ft.Mode != "" {
		m, err := strconv.ParseUint(ft.Mode, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid file mode %q: %w", ft.Mode, err)
		}
		mode = os.FileMode(m).Perm()
	}
	if err := os.MkdirAll(filepath.Dir(ft.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", ft.Path, err)
	}
	if err := os.WriteFile(ft.Path, ft.Content, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", ft.Path, err)
	}
	if err := os.Chmod(ft.Path, mode); err != nil {
		return err
	}
	if ft.Owner == "" {
		return nil
	}
	u, err := user.Lookup(ft.Owner)
	if err != nil {
		return fmt.Errorf("unknown owner %q: %w", ft.Owner, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("owner %q has no numeric uid", ft.Owner)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("owner %q has no numeric gid", ft.Owner)
	}
	if uid == os.Getuid() && gid == os.Getgid() {
		return nil
	}
	if err := os.Chown(ft.Path, uid, gid); err != nil {
		return fmt.Errorf("failed to chown %s: %w", ft.Path, err)
	}
	return nil
}
