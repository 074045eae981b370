// Package keydir serves node public keys from a directory of <uid>.pub
// files, each holding one hex encoded secp256k1 public key.
package keydir

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/gridforce/fleet/internal/core/auth"
)

const keySuffix = ".pub"

// Dir is an auth.KeyStore backed by a key directory. It is safe for
// concurrent use; Watch keeps it in sync with the filesystem.
type Dir struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	keys map[string]*ecdsa.PublicKey
}

// Open loads every key file under path. Unparseable files are logged and
// skipped.
func Open(path string, logger *slog.Logger) (*Dir, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	d := &Dir{path: path, logger: logger.With("key_dir", path), keys: make(map[string]*ecdsa.PublicKey)}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dir) PublicKey(uid string) (*ecdsa.PublicKey, error) {
	d.mu.RLock()
	pub, ok := d.keys[uid]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", auth.ErrUnknownNode, uid)
	}
	return pub, nil
}

// UIDs lists the nodes with a known key.
func (d *Dir) UIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.keys))
	for uid := range d.keys {
		out = append(out, uid)
	}
	return out
}

// Add writes pub as the key for uid and makes it visible immediately.
func (d *Dir) Add(uid string, pub *ecdsa.PublicKey) error {
	if uid == "" || strings.ContainsAny(uid, `/\`) {
		return fmt.Errorf("invalid node uid %q", uid)
	}
	file := filepath.Join(d.path, uid+keySuffix)
	if err := os.WriteFile(file, []byte(auth.EncodePublicKey(pub)+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	d.mu.Lock()
	d.keys[uid] = pub
	d.mu.Unlock()
	return nil
}

// Reload replaces the in-memory key set with the directory contents.
func (d *Dir) Reload() error {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return fmt.Errorf("failed to read key directory: %w", err)
	}
	keys := make(map[string]*ecdsa.PublicKey, len(entries))
	for _, entry := range entries {
		uid, ok := uidFromName(entry.Name())
		if !ok || entry.IsDir() {
			continue
		}
		pub, err := d.readKey(filepath.Join(d.path, entry.Name()))
		if err != nil {
			d.logger.Warn("skipping key file", "node", uid, "error", err)
			continue
		}
		keys[uid] = pub
	}

	d.mu.Lock()
	d.keys = keys
	d.mu.Unlock()
	d.logger.Info("loaded public keys", "count", len(keys))
	return nil
}

// Watch applies filesystem changes to the key set until ctx is done.
func (d *Dir) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(d.path); err != nil {
		return fmt.Errorf("failed to watch key directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			d.apply(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Error("key directory watch error", "error", err)
		}
	}
}

func (d *Dir) apply(event fsnotify.Event) {
	uid, ok := uidFromName(filepath.Base(event.Name))
	if !ok {
		return
	}
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		d.mu.Lock()
		delete(d.keys, uid)
		d.mu.Unlock()
		d.logger.Info("public key removed", "node", uid)
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	pub, err := d.readKey(event.Name)
	if err != nil {
		// Writers often create the file before filling it.
		if !errors.Is(err, errEmptyKey) {
			d.logger.Warn("ignoring key file", "node", uid, "error", err)
		}
		return
	}
	d.mu.Lock()
	d.keys[uid] = pub
	d.mu.Unlock()
	d.logger.Info("public key loaded", "node", uid)
}

var errEmptyKey = errors.New("empty key file")

func (d *Dir) readKey(path string) (*ecdsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(raw)) == "" {
		return nil, errEmptyKey
	}
	return auth.ParsePublicKey(string(raw))
}

func uidFromName(name string) (string, bool) {
	uid, ok := strings.CutSuffix(name, keySuffix)
	return uid, ok && uid != ""
}
