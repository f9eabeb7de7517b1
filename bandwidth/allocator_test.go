package bandwidth

import (
	"testing"
	"time"

	qt "github.com/go-quicktest/qt"
)

func TestRequestCappedByQuota(t *testing.T) {
	var a Allocator
	up := a.OpenChannel(Upload)
	up.AssignQuota(1000)
	qt.Assert(t, qt.IsTrue(up.CanTransfer()))
	qt.Assert(t, qt.Equals(up.Request(1500), int64(1000)))
	qt.Assert(t, qt.Equals(up.Request(1), int64(0)))
	qt.Assert(t, qt.IsFalse(up.CanTransfer()))
	up.AssignQuota(100)
	qt.Assert(t, qt.Equals(up.Request(1500), int64(100)))
}

func TestChannelsIndependent(t *testing.T) {
	var a Allocator
	up := a.OpenChannel(Upload)
	down := a.OpenChannel(Download)
	up.AssignQuota(10)
	qt.Assert(t, qt.Equals(up.Request(10), int64(10)))
	// Exhausting upload must not touch download.
	qt.Assert(t, qt.Equals(down.Available(), int64(0)))
	down.AssignQuota(7)
	qt.Assert(t, qt.Equals(down.Request(100), int64(7)))
	qt.Assert(t, qt.Equals(up.Available(), int64(0)))
}

func TestReturnUnused(t *testing.T) {
	var a Allocator
	c := a.OpenChannel(Download)
	c.AssignQuota(100)
	qt.Assert(t, qt.Equals(c.Request(100), int64(100)))
	c.Return(40)
	qt.Assert(t, qt.Equals(c.Request(100), int64(40)))
}

func TestAssignedWakeup(t *testing.T) {
	var a Allocator
	c := a.OpenChannel(Upload)
	signaled := c.Assigned()
	go c.AssignQuota(1)
	select {
	case <-signaled:
	case <-time.After(5 * time.Second):
		t.Fatal("no wakeup on quota assignment")
	}
	qt.Assert(t, qt.Equals(c.Request(5), int64(1)))
}
