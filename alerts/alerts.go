// Package alerts provides a bounded queue of typed events for delivery to a
// single consumer, in the manner of libtorrent's alert mask/queue. Producers
// never block: past the queue size limit alerts are dropped silently, which is
// load-shedding, not an error.
package alerts

import (
	"fmt"
	"net"
	"time"
)

// Category is a bit-mask over kinds of alerts. The Manager only admits alerts
// whose category intersects its current mask, checked at post time.
type Category uint32

const (
	Error Category = 1 << iota
	Peer
	Connect
	Performance
	PieceProgress
	BlockProgress
	Storage

	All Category = ^Category(0)
)

type Alert interface {
	Category() Category
	String() string
}

type PeerConnected struct {
	Addr     net.Addr
	PeerID   [20]byte
	Outgoing bool
}

func (PeerConnected) Category() Category { return Connect | Peer }

func (a PeerConnected) String() string {
	return fmt.Sprintf("connected to peer %s", a.Addr)
}

type PeerDisconnected struct {
	Addr net.Addr
	// The error that triggered teardown, nil for a local close.
	Reason error
	// What was being attempted when the reason occurred, such as "read" or
	// "handshake".
	Op string
}

func (PeerDisconnected) Category() Category { return Connect | Peer }

func (a PeerDisconnected) String() string {
	return fmt.Sprintf("disconnected from peer %s (%s): %v", a.Addr, a.Op, a.Reason)
}

type BlockTimedOut struct {
	Addr                 net.Addr
	Piece, Begin, Length uint32
}

func (BlockTimedOut) Category() Category { return Peer | BlockProgress }

func (a BlockTimedOut) String() string {
	return fmt.Sprintf("request (%d, %d, %d) to %s timed out", a.Piece, a.Begin, a.Length, a.Addr)
}

type BlockReceived struct {
	Addr          net.Addr
	Piece, Begin  uint32
	Length        uint32
	RoundTripTime time.Duration
}

func (BlockReceived) Category() Category { return BlockProgress }

func (a BlockReceived) String() string {
	return fmt.Sprintf("received block (%d, %d, %d) from %s", a.Piece, a.Begin, a.Length, a.Addr)
}

type PerformanceWarning struct {
	What string
}

func (PerformanceWarning) Category() Category { return Performance }

func (a PerformanceWarning) String() string {
	return "performance warning: " + a.What
}

// SavedResumeData is counted separately by the Manager so that the consumer
// can apply its own backpressure to resume-data generation.
type SavedResumeData struct {
	Data []byte
}

func (SavedResumeData) Category() Category { return Storage }

func (SavedResumeData) String() string {
	return "resume data saved"
}

type StorageFailed struct {
	Piece uint32
	Err   error
}

func (StorageFailed) Category() Category { return Error | Storage }

func (a StorageFailed) String() string {
	return fmt.Sprintf("storage operation on piece %d failed: %v", a.Piece, a.Err)
}
