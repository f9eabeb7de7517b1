package peerwire

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/anacrolix/multiless"
	"github.com/google/btree"
)

// unchokeInput snapshots the fields a connection is ranked by, so the
// ordering stays stable while the tree is built.
type unchokeInput struct {
	Interested bool
	// Bytes/sec the peer sends us, the tit-for-tat criterion while leeching.
	DownloadRate int64
	// Bytes/sec we send the peer, the criterion while seeding.
	UploadRate     int64
	LastUseful     time.Time
	TotalExpecting time.Duration
	Pointer        uintptr
}

func unchokeInputFromPeer(p *Peer) unchokeInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return unchokeInput{
		Interested:     p.peerInterested,
		DownloadRate:   int64(p.downloadRate),
		UploadRate:     int64(p.uploadRate),
		LastUseful:     p.lastUsefulChunkReceived,
		TotalExpecting: p.totalExpectingTime(),
		Pointer:        uintptr(unsafe.Pointer(p)),
	}
}

// Less orders worse before better. Interested peers always rank above
// uninterested ones; among those, reciprocation rate decides.
func (i *unchokeInput) Less(r *unchokeInput, seeding bool) bool {
	ml := multiless.New().Bool(!i.Interested, !r.Interested)
	if seeding {
		ml = ml.Int64(i.UploadRate, r.UploadRate)
	} else {
		ml = ml.Int64(i.DownloadRate, r.DownloadRate).CmpInt64(
			i.LastUseful.Sub(r.LastUseful).Nanoseconds())
	}
	less, ok := ml.CmpInt64(int64(i.TotalExpecting - r.TotalExpecting)).Uintptr(
		i.Pointer, r.Pointer,
	).LessOk()
	if !ok {
		panic(fmt.Sprintf("cannot differentiate %#v and %#v", i, r))
	}
	return less
}

type unchokeItem struct {
	key     unchokeInput
	conn    *PeerConn
	seeding bool
}

func (me unchokeItem) Less(than btree.Item) bool {
	other := than.(unchokeItem)
	return me.key.Less(&other.key, me.seeding)
}

// Unchoker applies the choking algorithm across a connection table: the best
// Slots interested connections are unchoked, everything else is choked.
type Unchoker struct {
	// Rank by what we upload to peers rather than what they send us.
	Seeding bool
	Slots   int
}

// Apply re-evaluates choking for every wire connection in the table. Web
// seeds have no choke state and are skipped.
func (u *Unchoker) Apply(table *ConnTable) {
	tree := btree.New(4)
	table.Each(func(p *Peer) {
		pc, ok := p.impl.(*PeerConn)
		if !ok {
			return
		}
		tree.ReplaceOrInsert(unchokeItem{
			key:     unchokeInputFromPeer(p),
			conn:    pc,
			seeding: u.Seeding,
		})
	})
	unchoked := 0
	tree.Descend(func(i btree.Item) bool {
		item := i.(unchokeItem)
		if unchoked < u.Slots && item.key.Interested {
			item.conn.Unchoke()
			unchoked++
		} else {
			item.conn.Choke()
		}
		return true
	})
}
