package registry

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// lockEntry is one critical section. state is the cached session and is
// only read or written while mu is held.
type lockEntry struct {
	mu    sync.Mutex
	refs  int
	state *sessionState
}

type lockShard struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

// lockTable hands out one mutex per key. Entries are reference counted and
// dropped once nobody holds them and the cached session, if any, is terminal.
type lockTable struct {
	shards [lockShards]lockShard
}

func newLockTable() *lockTable {
	t := &lockTable{}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*lockEntry)
	}
	return t
}

func (t *lockTable) shard(key string) *lockShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &t.shards[h.Sum32()%lockShards]
}

// lock blocks until the caller owns key's critical section.
func (t *lockTable) lock(key string) *lockEntry {
	s := t.shard(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &lockEntry{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	return e
}

func (t *lockTable) unlock(key string, e *lockEntry) {
	evictable := e.state == nil || e.state.meeting.Status().IsTerminal()
	e.mu.Unlock()

	s := t.shard(key)
	s.mu.Lock()
	e.refs--
	if e.refs == 0 && evictable && s.entries[key] == e {
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

// size counts live entries.
func (t *lockTable) size() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
