package session

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestReplayBuffer(t *testing.T) {
	for _, tc := range []struct {
		name   string
		cap    int
		writes []string
		want   string
	}{
		{name: "empty", cap: 8, want: ""},
		{name: "partial", cap: 8, writes: []string{"ab", "cd"}, want: "abcd"},
		{name: "exactly full", cap: 4, writes: []string{"ab", "cd"}, want: "abcd"},
		{name: "wraps", cap: 4, writes: []string{"abc", "def"}, want: "cdef"},
		{name: "oversized write", cap: 4, writes: []string{"a", "0123456789"}, want: "6789"},
		{name: "disabled", cap: 0, writes: []string{"abc"}, want: ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := NewReplayBuffer(tc.cap)
			total := 0
			for _, w := range tc.writes {
				r.Write([]byte(w))
				total += len(w)
			}
			assert.Equal(t, string(r.Bytes()), tc.want)
			if tc.cap > 0 {
				assert.Equal(t, r.Written(), uint64(total))
			}
		})
	}
}
