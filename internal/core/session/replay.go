package session

import "sync"

// ReplayBuffer keeps the most recent output of a session so an observer that
// joins late can catch up. Once full, new writes overwrite the oldest bytes.
type ReplayBuffer struct {
	mu    sync.Mutex
	data  []byte
	next  int
	total uint64
}

func NewReplayBuffer(capacity int) *ReplayBuffer {
	return &ReplayBuffer{data: make([]byte, capacity)}
}

func (r *ReplayBuffer) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.data) == 0 {
		return
	}
	if len(p) > len(r.data) {
		r.total += uint64(len(p) - len(r.data))
		p = p[len(p)-len(r.data):]
	}
	for len(p) > 0 {
		n := copy(r.data[r.next:], p)
		r.next = (r.next + n) % len(r.data)
		r.total += uint64(n)
		p = p[n:]
	}
}

// Bytes returns the retained output, oldest first.
func (r *ReplayBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.total < uint64(len(r.data)) {
		return append([]byte(nil), r.data[:r.next]...)
	}
	out := make([]byte, 0, len(r.data))
	out = append(out, r.data[r.next:]...)
	return append(out, r.data[:r.next]...)
}

// Written is the total number of bytes ever written.
func (r *ReplayBuffer) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
