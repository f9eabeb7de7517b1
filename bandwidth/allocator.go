// Package bandwidth apportions transfer quota over channels. An external
// ticker decides how much each channel may move per tick and assigns it;
// consumers ask for bytes and get at most what their channel has left. Nothing
// here blocks: a consumer that is refused re-requests after the next tick.
package bandwidth

import (
	"github.com/anacrolix/chansync"
	"github.com/anacrolix/chansync/events"
	"github.com/anacrolix/sync"
)

type Direction int

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Allocator is shared by all connections. A single mutex guards every
// channel's quota; the channels themselves are independent, so exhausting one
// never stalls another.
type Allocator struct {
	mu sync.Mutex
}

// OpenChannel returns a channel with no quota. One per connection per
// direction.
func (a *Allocator) OpenChannel(d Direction) *Channel {
	return &Channel{a: a, dir: d}
}

type Channel struct {
	a     *Allocator
	dir   Direction
	quota int64
	// Signalled when quota is assigned, for consumers parked on an empty
	// channel.
	assigned chansync.BroadcastCond
}

func (c *Channel) Direction() Direction {
	return c.dir
}

// AssignQuota adds to the channel's budget. Called once per tick per
// direction by the external bandwidth ticker.
func (c *Channel) AssignQuota(n int64) {
	if n < 0 {
		panic(n)
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()
	c.quota += n
	if n > 0 {
		c.assigned.Broadcast()
	}
}

// Request grants min(n, available) and deducts it from the budget. A zero
// grant means the caller should park until the next assignment.
func (c *Channel) Request(n int64) int64 {
	if n < 0 {
		panic(n)
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()
	if n > c.quota {
		n = c.quota
	}
	c.quota -= n
	return n
}

// Return gives back quota that was granted but not used, such as on a short
// write.
func (c *Channel) Return(n int64) {
	if n < 0 {
		panic(n)
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()
	c.quota += n
}

// CanTransfer reports whether the channel has any quota left. Socket
// readiness isn't a separate signal here; reads and writes block on the
// socket after passing this gate.
func (c *Channel) CanTransfer() bool {
	return c.Available() > 0
}

func (c *Channel) Available() int64 {
	c.a.mu.Lock()
	defer c.a.mu.Unlock()
	return c.quota
}

// Assigned obtains a channel that receives a value after the next quota
// assignment. Obtain it before checking Available to avoid missing a wakeup.
func (c *Channel) Assigned() events.Signaled {
	return c.assigned.Signaled()
}
