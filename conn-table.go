package peerwire

import (
	"github.com/anacrolix/sync"
)

// Token identifies a connection's slot in a ConnTable for a particular
// occupancy. A Token taken before a connection was removed never resolves to
// a later occupant of the same slot.
type Token struct {
	slot int
	gen  uint64
}

type connSlot struct {
	peer *Peer
	gen  uint64
}

// ConnTable owns the set of live connections. Deferred work (disk completion
// callbacks, timers) holds a Token rather than a pointer, and checks liveness
// through Get on entry, so a connection can be torn down without waiting for
// stragglers.
type ConnTable struct {
	mu    sync.RWMutex
	slots []connSlot
	free  []int
	count int
}

// Add registers p and returns its Token. p's token field is not touched.
func (t *ConnTable) Add(p *Peer) Token {
	t.mu.Lock()
	defer t.mu.Unlock()
	var slot int
	if n := len(t.free); n != 0 {
		slot = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		slot = len(t.slots)
		t.slots = append(t.slots, connSlot{})
	}
	s := &t.slots[slot]
	s.gen++
	s.peer = p
	t.count++
	return Token{slot: slot, gen: s.gen}
}

// Get resolves tok to a live connection. It returns false if the connection
// was removed, even if the slot has since been reused.
func (t *ConnTable) Get(tok Token) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if tok.slot < 0 || tok.slot >= len(t.slots) {
		return nil, false
	}
	s := t.slots[tok.slot]
	if s.peer == nil || s.gen != tok.gen {
		return nil, false
	}
	return s.peer, true
}

// Remove invalidates tok. Subsequent Gets with it fail. Removing an already
// removed token is a no-op.
func (t *ConnTable) Remove(tok Token) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tok.slot < 0 || tok.slot >= len(t.slots) {
		return
	}
	s := &t.slots[tok.slot]
	if s.peer == nil || s.gen != tok.gen {
		return
	}
	s.peer = nil
	t.free = append(t.free, tok.slot)
	t.count--
}

func (t *ConnTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Each calls f for every live connection. f must not call back into the
// table.
func (t *ConnTable) Each(f func(p *Peer)) {
	t.mu.RLock()
	peers := make([]*Peer, 0, t.count)
	for i := range t.slots {
		if p := t.slots[i].peer; p != nil {
			peers = append(peers, p)
		}
	}
	t.mu.RUnlock()
	for _, p := range peers {
		f(p)
	}
}
