package keydir

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"

	"github.com/gridforce/fleet/internal/core/auth"
)

func TestOpenLoadsKeysAndSkipsJunk(t *testing.T) {
	dir := t.TempDir()
	key, err := auth.GenerateKey()
	assert.NilError(t, err)
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "node-a.pub"), []byte(auth.EncodePublicKey(&key.PublicKey)), 0o600))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "node-b.pub"), []byte("not hex"), 0o600))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hello"), 0o600))

	d, err := Open(dir, nil)
	assert.NilError(t, err)

	pub, err := d.PublicKey("node-a")
	assert.NilError(t, err)
	assert.Assert(t, pub.Equal(&key.PublicKey))

	_, err = d.PublicKey("node-b")
	assert.Assert(t, errors.Is(err, auth.ErrUnknownNode))
	assert.Equal(t, len(d.UIDs()), 1)
}

func TestAddPersists(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, nil)
	assert.NilError(t, err)
	key, err := auth.GenerateKey()
	assert.NilError(t, err)

	assert.NilError(t, d.Add("node-c", &key.PublicKey))
	_, err = d.PublicKey("node-c")
	assert.NilError(t, err)

	reopened, err := Open(dir, nil)
	assert.NilError(t, err)
	_, err = reopened.PublicKey("node-c")
	assert.NilError(t, err)

	assert.ErrorContains(t, d.Add("../evil", &key.PublicKey), "invalid node uid")
}

func TestWatchPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, nil)
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Watch(ctx)

	key, err := auth.GenerateKey()
	assert.NilError(t, err)
	file := filepath.Join(dir, "node-d.pub")

	// The watcher may not be armed yet, so keep rewriting until it sees one.
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		_ = os.WriteFile(file, []byte(auth.EncodePublicKey(&key.PublicKey)), 0o600)
		if _, err := d.PublicKey("node-d"); err != nil {
			return poll.Continue("key not loaded yet")
		}
		return poll.Success()
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(50*time.Millisecond))

	assert.NilError(t, os.Remove(file))
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if _, err := d.PublicKey("node-d"); err == nil {
			return poll.Continue("key still present")
		}
		return poll.Success()
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(50*time.Millisecond))
}
