package fleet

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gridforce/fleet/pkg/protocol"
)

// Registry maps node UIDs to their live Connection. Each install for a UID
// gets a higher generation than the last, so a late disconnect from a
// superseded connection can never evict its replacement.
type Registry struct {
	mu          sync.RWMutex
	conns       map[string]*Connection
	generations map[string]uint64
	logger      *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:       make(map[string]*Connection),
		generations: make(map[string]uint64),
		logger:      logger,
	}
}

// Install makes c the connection for its UID and returns the generation it
// was tagged with. A previously installed connection is closed.
func (r *Registry) Install(c *Connection) uint64 {
	r.mu.Lock()
	gen := r.generations[c.UID()] + 1
	r.generations[c.UID()] = gen
	c.generation.Store(gen)
	previous := r.conns[c.UID()]
	r.conns[c.UID()] = c
	r.mu.Unlock()

	if previous != nil && previous != c {
		r.logger.Warn("node reconnected, closing previous connection",
			"node", c.UID(), "generation", gen, "previous_generation", previous.Generation())
		_ = previous.Close()
	}
	r.logger.Info("node registered", "node", c.UID(), "generation", gen)
	return gen
}

// Release is the disconnect notification for generation gen of uid. It is a
// no-op when gen is no longer the installed generation, and reports whether
// it removed anything.
func (r *Registry) Release(uid string, gen uint64) bool {
	r.mu.Lock()
	current, ok := r.conns[uid]
	if !ok || current.Generation() != gen {
		r.mu.Unlock()
		if ok {
			r.logger.Info("ignoring stale disconnect", "node", uid, "generation", gen, "current_generation", current.Generation())
		}
		return false
	}
	delete(r.conns, uid)
	r.mu.Unlock()

	_ = current.Close()
	r.logger.Info("node unregistered", "node", uid, "generation", gen)
	return true
}

// Get returns the live connection for uid, or nil.
func (r *Registry) Get(uid string) *Connection {
	r.mu.RLock()
	c := r.conns[uid]
	r.mu.RUnlock()
	if c == nil || !c.Live() {
		return nil
	}
	return c
}

// Snapshot lists installed nodes ordered by UID.
func (r *Registry) Snapshot() []protocol.NodeInfo {
	r.mu.RLock()
	nodes := make([]protocol.NodeInfo, 0, len(r.conns))
	for uid, c := range r.conns {
		nodes = append(nodes, protocol.NodeInfo{
			UID:        uid,
			Online:     c.Live(),
			LastSeen:   c.LastSeen().Unix(),
			Generation: c.Generation(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].UID < nodes[j].UID })
	return nodes
}

// CloseStale closes every connection that has shown no activity within ttl.
// Activity is a handled inbound packet, a delivered outbound packet or a
// keepalive answer. Their serve loops perform the actual release.
func (r *Registry) CloseStale(now time.Time, ttl time.Duration) []string {
	r.mu.RLock()
	var stale []*Connection
	for _, c := range r.conns {
		if now.Sub(c.LastSeen()) > ttl {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	uids := make([]string, 0, len(stale))
	for _, c := range stale {
		r.logger.Warn("closing stale connection", "node", c.UID(), "generation", c.Generation(), "last_seen", c.LastSeen())
		_ = c.Close()
		uids = append(uids, c.UID())
	}
	sort.Strings(uids)
	return uids
}

// RunJanitor calls CloseStale every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.CloseStale(now, ttl)
		}
	}
}
