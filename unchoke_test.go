package peerwire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnchokeRanking(t *testing.T) {
	fast := newTestConn(t)
	fast.establish()
	slow := newTestConn(t)
	slow.establish()
	idle := newTestConn(t)
	idle.establish()

	set := func(b *testConnBundle, interested bool, rate float64) {
		b.cn.mu.Lock()
		b.cn.peerInterested = interested
		b.cn.downloadRate = rate
		b.cn.mu.Unlock()
	}
	set(fast, true, 100e3)
	set(slow, true, 1e3)
	set(idle, false, 500e3)

	table := new(ConnTable)
	for _, b := range []*testConnBundle{fast, slow, idle} {
		table.Add(&b.cn.Peer)
	}

	u := Unchoker{Slots: 1}
	u.Apply(table)

	choked := func(b *testConnBundle) bool {
		b.cn.mu.Lock()
		defer b.cn.mu.Unlock()
		return b.cn.choking
	}
	// Only the fastest interested peer got the slot. The idle peer's high
	// rate doesn't matter because it isn't interested.
	assert.False(t, choked(fast))
	assert.True(t, choked(slow))
	assert.True(t, choked(idle))

	// Flip the rates and the slot moves.
	set(fast, true, 1e3)
	set(slow, true, 100e3)
	u.Apply(table)
	assert.True(t, choked(fast))
	assert.False(t, choked(slow))
}

func TestUnchokeSeedingUsesUploadRate(t *testing.T) {
	a := newTestConn(t)
	a.establish()
	b := newTestConn(t)
	b.establish()

	a.cn.mu.Lock()
	a.cn.peerInterested = true
	a.cn.uploadRate = 50e3
	a.cn.downloadRate = 0
	a.cn.mu.Unlock()

	b.cn.mu.Lock()
	b.cn.peerInterested = true
	b.cn.uploadRate = 1e3
	b.cn.downloadRate = 900e3
	b.cn.mu.Unlock()

	table := new(ConnTable)
	table.Add(&a.cn.Peer)
	table.Add(&b.cn.Peer)

	u := Unchoker{Seeding: true, Slots: 1}
	u.Apply(table)

	a.cn.mu.Lock()
	aChoking := a.cn.choking
	a.cn.mu.Unlock()
	b.cn.mu.Lock()
	bChoking := b.cn.choking
	b.cn.mu.Unlock()
	assert.False(t, aChoking)
	assert.True(t, bChoking)
}

func TestDeadConnectionDetection(t *testing.T) {
	b := newTestConn(t)
	b.establish()
	cn := b.cn
	cn.mu.Lock()
	cn.lastMessageReceived = time.Now().Add(-3 * cn.settings.KeepAliveInterval)
	cn.mu.Unlock()
	cn.Tick(time.Now())
	assert.True(t, cn.closed.IsSet())
	cn.mu.Lock()
	assert.Equal(t, errConnDead, cn.disconnectReason)
	cn.mu.Unlock()
}
