package node

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/gridforce/fleet/pkg/protocol"
)

func TestWriteFileDefaultsToPrivateMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	assert.NilError(t, WriteFile(&protocol.FileTransfer{Path: path, Content: protocol.Blob("secret")}))
	fi, err := os.Stat(path)
	assert.NilError(t, err)
	assert.Equal(t, fi.Mode().Perm(), os.FileMode(0o600))
}

func TestWriteFileReplacesMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.sh")
	assert.NilError(t, os.WriteFile(path, []byte("old"), 0o644))
	assert.NilError(t, WriteFile(&protocol.FileTransfer{Path: path, Content: protocol.Blob("new"), Mode: "700"}))

	fi, err := os.Stat(path)
	assert.NilError(t, err)
	assert.Equal(t, fi.Mode().Perm(), os.FileMode(0o700))
	data, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Equal(t, string(data), "new")
}

func TestWriteFileCurrentOwner(t *testing.T) {
	me, err := user.Current()
	assert.NilError(t, err)
	path := filepath.Join(t.TempDir(), "mine")
	assert.NilError(t, WriteFile(&protocol.FileTransfer{Path: path, Content: protocol.Blob("x"), Owner: me.Username}))
}

func TestWriteFileErrors(t *testing.T) {
	dir := t.TempDir()
	err := WriteFile(&protocol.FileTransfer{Path: filepath.Join(dir, "a"), Mode: "rwx"})
	assert.ErrorContains(t, err, "invalid file mode")

	err = WriteFile(&protocol.FileTransfer{Path: filepath.Join(dir, "b"), Owner: "no-such-user-for-fleet"})
	assert.ErrorContains(t, err, "unknown owner")
}
