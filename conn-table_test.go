package peerwire

import (
	"testing"

	qt "github.com/go-quicktest/qt"
)

func TestConnTableTokenLiveness(t *testing.T) {
	var tbl ConnTable
	p := new(Peer)
	tok := tbl.Add(p)

	got, ok := tbl.Get(tok)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(got, p))
	qt.Assert(t, qt.Equals(tbl.Len(), 1))

	tbl.Remove(tok)
	_, ok = tbl.Get(tok)
	qt.Assert(t, qt.IsFalse(ok))
	qt.Assert(t, qt.Equals(tbl.Len(), 0))

	// Removing again is harmless.
	tbl.Remove(tok)
	qt.Assert(t, qt.Equals(tbl.Len(), 0))
}

func TestConnTableStaleTokenAfterSlotReuse(t *testing.T) {
	var tbl ConnTable
	p1 := new(Peer)
	tok1 := tbl.Add(p1)
	tbl.Remove(tok1)

	// The slot is recycled for a new connection.
	p2 := new(Peer)
	tok2 := tbl.Add(p2)
	qt.Assert(t, qt.Equals(tok2.slot, tok1.slot))

	// The old token must not resolve to the new occupant.
	_, ok := tbl.Get(tok1)
	qt.Assert(t, qt.IsFalse(ok))
	got, ok := tbl.Get(tok2)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(got, p2))
}

func TestConnTableEach(t *testing.T) {
	var tbl ConnTable
	seen := make(map[*Peer]bool)
	peers := []*Peer{new(Peer), new(Peer), new(Peer)}
	toks := make([]Token, len(peers))
	for i, p := range peers {
		toks[i] = tbl.Add(p)
	}
	tbl.Remove(toks[1])
	tbl.Each(func(p *Peer) {
		seen[p] = true
	})
	qt.Assert(t, qt.Equals(len(seen), 2))
	qt.Assert(t, qt.IsTrue(seen[peers[0]]))
	qt.Assert(t, qt.IsTrue(seen[peers[2]]))
}
