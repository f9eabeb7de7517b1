package peerwire

import (
	"time"

	list "github.com/bahlo/generic-list-go"
	"github.com/elliotchance/orderedmap"
)

// pendingBlock is a block reserved for this connection, with its transfer
// state. Identity is the Request alone: the flags never participate in
// lookups.
type pendingBlock struct {
	r Request
	// How many later-requested blocks have completed ahead of this one.
	skipped int
	// Released back to the picker; kept in the queue so the cancel can still
	// be matched if the peer sends it anyway.
	notWanted bool
	timedOut  bool
	// Requested redundantly while outstanding on another connection. At most
	// one busy request is in the queues at a time.
	busy bool
	// When the request message was written, zero while still pending.
	sentAt time.Time
}

// requestTracker owns the three request queues for one connection: blocks
// reserved but not yet requested, requests on the wire awaiting data, and
// requests from the remote peer awaiting disk reads. The in-flight list is
// ordered by send time, which is what timeouts and skip counting rely on.
type requestTracker struct {
	pending  *list.List[*pendingBlock]
	inflight *list.List[*pendingBlock]
	// Remote peer's requests in arrival order. Values are *peerRequestState.
	peerRequests *orderedmap.OrderedMap
}

type peerRequestState struct {
	// A disk read has been issued and the result will be posted when it
	// lands.
	readIssued bool
}

func (rt *requestTracker) init() {
	rt.pending = list.New[*pendingBlock]()
	rt.inflight = list.New[*pendingBlock]()
	rt.peerRequests = orderedmap.NewOrderedMap()
}

func (rt *requestTracker) numPending() int  { return rt.pending.Len() }
func (rt *requestTracker) numInflight() int { return rt.inflight.Len() }

// numOutstanding is what counts against the desired queue depth.
func (rt *requestTracker) numOutstanding() int {
	return rt.pending.Len() + rt.inflight.Len()
}

func (rt *requestTracker) findPending(r Request) *list.Element[*pendingBlock] {
	for e := rt.pending.Front(); e != nil; e = e.Next() {
		if e.Value.r == r {
			return e
		}
	}
	return nil
}

func (rt *requestTracker) findInflight(r Request) *list.Element[*pendingBlock] {
	for e := rt.inflight.Front(); e != nil; e = e.Next() {
		if e.Value.r == r {
			return e
		}
	}
	return nil
}

func (rt *requestTracker) contains(r Request) bool {
	return rt.findPending(r) != nil || rt.findInflight(r) != nil
}

func (rt *requestTracker) haveBusy() bool {
	for e := rt.pending.Front(); e != nil; e = e.Next() {
		if e.Value.busy {
			return true
		}
	}
	for e := rt.inflight.Front(); e != nil; e = e.Next() {
		if e.Value.busy {
			return true
		}
	}
	return false
}

// addRequest reserves a block. A block already present is refused, unless the
// new request is busy and no busy request exists yet, in which case the
// duplicate is admitted and marked. Presence ignores the busy flag.
func (rt *requestTracker) addRequest(r Request, busy bool) bool {
	if rt.contains(r) {
		return false
	}
	if busy && rt.haveBusy() {
		return false
	}
	rt.pending.PushBack(&pendingBlock{r: r, busy: busy})
	return true
}

// markSent moves a block from pending to the back of the in-flight queue,
// stamping it for timeout ordering.
func (rt *requestTracker) markSent(r Request, now time.Time) bool {
	e := rt.findPending(r)
	if e == nil {
		return false
	}
	pb := rt.pending.Remove(e)
	pb.sentAt = now
	rt.inflight.PushBack(pb)
	return true
}

// reinsert puts a block removed by dropAll back in the queue it came from,
// preserving its flags and send stamp. Used when a choke spares allowed-fast
// requests.
func (rt *requestTracker) reinsert(pb *pendingBlock) {
	if pb.sentAt.IsZero() {
		rt.pending.PushBack(pb)
		return
	}
	rt.inflight.PushBack(pb)
}

// remove takes the block out of whichever queue holds it.
func (rt *requestTracker) remove(r Request) (pb *pendingBlock, wasInflight bool) {
	if e := rt.findPending(r); e != nil {
		return rt.pending.Remove(e), false
	}
	if e := rt.findInflight(r); e != nil {
		return rt.inflight.Remove(e), true
	}
	return nil, false
}

// completeInflight removes an in-flight block on receipt of its data, and
// bumps the skip count of every request sent before it that is still
// waiting.
func (rt *requestTracker) completeInflight(r Request) (pb *pendingBlock, ok bool) {
	e := rt.findInflight(r)
	if e == nil {
		return nil, false
	}
	for earlier := rt.inflight.Front(); earlier != e; earlier = earlier.Next() {
		earlier.Value.skipped++
	}
	return rt.inflight.Remove(e), true
}

// timedOut removes and returns every in-flight request older than the
// timeout, and any that have been skipped more than maxSkips times. The
// in-flight queue is in send order, so the age scan stops at the first young
// request.
func (rt *requestTracker) timedOut(now time.Time, timeout time.Duration, maxSkips int) (out []*pendingBlock) {
	e := rt.inflight.Front()
	for e != nil {
		next := e.Next()
		pb := e.Value
		if now.Sub(pb.sentAt) >= timeout || pb.skipped > maxSkips {
			pb.timedOut = true
			rt.inflight.Remove(e)
			out = append(out, pb)
		}
		e = next
	}
	return
}

// dropAll empties both local queues, returning the dropped blocks so they can
// be released for reassignment.
func (rt *requestTracker) dropAll() (out []*pendingBlock) {
	for e := rt.pending.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value)
	}
	for e := rt.inflight.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value)
	}
	rt.pending.Init()
	rt.inflight.Init()
	return
}

// eachOutstanding visits pending then in-flight blocks.
func (rt *requestTracker) eachOutstanding(f func(*pendingBlock)) {
	for e := rt.pending.Front(); e != nil; e = e.Next() {
		f(e.Value)
	}
	for e := rt.inflight.Front(); e != nil; e = e.Next() {
		f(e.Value)
	}
}

func (rt *requestTracker) addPeerRequest(r Request) bool {
	if _, ok := rt.peerRequests.Get(r); ok {
		return false
	}
	rt.peerRequests.Set(r, &peerRequestState{})
	return true
}

func (rt *requestTracker) deletePeerRequest(r Request) bool {
	return rt.peerRequests.Delete(r)
}

func (rt *requestTracker) numPeerRequests() int {
	return rt.peerRequests.Len()
}

// nextPeerRequest returns the oldest peer request that hasn't been issued to
// disk yet, preserving arrival order for upload fairness.
func (rt *requestTracker) nextPeerRequest() (r Request, ok bool) {
	for el := rt.peerRequests.Front(); el != nil; el = el.Next() {
		state := el.Value.(*peerRequestState)
		if !state.readIssued {
			return el.Key.(Request), true
		}
	}
	return
}

func (rt *requestTracker) peerRequestState(r Request) (*peerRequestState, bool) {
	v, ok := rt.peerRequests.Get(r)
	if !ok {
		return nil, false
	}
	return v.(*peerRequestState), true
}

// dropPeerRequests empties the peer-originated queue, such as on choke or
// disconnect, returning the dropped requests.
func (rt *requestTracker) dropPeerRequests() (out []Request) {
	for el := rt.peerRequests.Front(); el != nil; el = el.Next() {
		out = append(out, el.Key.(Request))
	}
	rt.peerRequests = orderedmap.NewOrderedMap()
	return
}
