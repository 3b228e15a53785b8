package channel

import (
	"sync"

	"github.com/1ureka/filetunnel/internal/util"
)

// connTable maps connection ids to their streams.
type connTable struct {
	mu      sync.Mutex
	streams map[int32]*Stream
}

func newConnTable() *connTable {
	return &connTable{streams: make(map[int32]*Stream)}
}

// allocate registers a stream under a random id not currently in use.
func (t *connTable) allocate(create func(id int32) *Stream) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		id := util.RandomConnectionID()
		if _, taken := t.streams[id]; taken {
			continue
		}
		s := create(id)
		t.streams[id] = s
		return s
	}
}

// add registers s and returns any stream it replaced.
func (t *connTable) add(s *Stream) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.streams[s.id]
	t.streams[s.id] = s
	return old
}

// tryAdd registers s unless its id belongs to a connection the peer has not
// closed. A remotely closed stream still being drained is replaced.
func (t *connTable) tryAdd(s *Stream) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, taken := t.streams[s.id]; taken && !old.isRemoteClosed() {
		return false
	}
	t.streams[s.id] = s
	return true
}

func (t *connTable) get(id int32) (*Stream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	return s, ok
}

// remove deletes id only if it still maps to s.
func (t *connTable) remove(s *Stream) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streams[s.id] != s {
		return false
	}
	delete(t.streams, s.id)
	return true
}

// snapshot returns every registered stream.
func (t *connTable) snapshot() []*Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Stream, 0, len(t.streams))
	for _, s := range t.streams {
		out = append(out, s)
	}
	return out
}

func (t *connTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}
