package alerts

import (
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/sync"
)

// Manager owns the queue. One or more producers Post; a single logical
// consumer drains. All mutation is under one mutex. The condition is only
// signalled on the empty to non-empty transition, so sleeping consumers
// aren't woken once per post.
type Manager struct {
	mu       sync.Mutex
	nonEmpty chansync.BroadcastCond
	mask     Category
	limit    int
	queue    []Alert
	// Number of SavedResumeData alerts currently queued.
	numResume int
}

func NewManager(limit int, mask Category) *Manager {
	return &Manager{
		limit: limit,
		mask:  mask,
	}
}

// Post appends the alert if there's room and its category is currently
// accepted. Drops are silent: producers must tolerate lossy delivery under
// overload rather than block.
func (m *Manager) Post(a Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.Category()&m.mask == 0 {
		return
	}
	if len(m.queue) >= m.limit {
		return
	}
	m.queue = append(m.queue, a)
	if _, ok := a.(SavedResumeData); ok {
		m.numResume++
	}
	if len(m.queue) == 1 {
		m.nonEmpty.Broadcast()
	}
}

// ShouldPost lets producers skip building expensive alerts that would be
// masked out or dropped anyway.
func (m *Manager) ShouldPost(c Category) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return c&m.mask != 0 && len(m.queue) < m.limit
}

func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) != 0
}

// Drain atomically takes ownership of all queued alerts, handing them to the
// caller along with the number of SavedResumeData alerts among them. The
// caller processes the batch without holding any Manager lock.
func (m *Manager) Drain() (batch []Alert, numResume int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, m.queue = m.queue, nil
	numResume, m.numResume = m.numResume, 0
	return
}

// WaitFor blocks until an alert is queued or the timeout elapses. It returns
// the first queued alert without removing it, or nil on timeout.
func (m *Manager) WaitFor(timeout time.Duration) Alert {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if len(m.queue) != 0 {
			a := m.queue[0]
			m.mu.Unlock()
			return a
		}
		signaled := m.nonEmpty.Signaled()
		m.mu.Unlock()
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-signaled:
			timer.Stop()
		case <-timer.C:
			return nil
		}
	}
}

// SetMask changes which categories are accepted. It applies to subsequent
// posts only, not retroactively to queued alerts.
func (m *Manager) SetMask(c Category) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mask = c
}

func (m *Manager) Mask() Category {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mask
}

func (m *Manager) QueueLimit() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limit
}

// SetQueueLimit returns the previous limit. Alerts already queued beyond a
// reduced limit stay queued.
func (m *Manager) SetQueueLimit(limit int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.limit
	m.limit = limit
	return prev
}
