package peerwire

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
	"github.com/anacrolix/chansync/events"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/bitmap"
	"github.com/anacrolix/sync"
	"github.com/dustin/go-humanize"

	"github.com/anacrolix/peerwire/alerts"
	"github.com/anacrolix/peerwire/bandwidth"
)

type connPhase int

const (
	phaseConnecting connPhase = iota
	phaseHandshaking
	phaseEstablished
	phaseDisconnecting
	phaseClosed
)

func (p connPhase) String() string {
	switch p {
	case phaseConnecting:
		return "connecting"
	case phaseHandshaking:
		return "handshaking"
	case phaseEstablished:
		return "established"
	case phaseDisconnecting:
		return "disconnecting"
	case phaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("connPhase(%d)", int(p))
	}
}

// Peer is the state common to all connection kinds. It is embedded in
// PeerConn and webseedPeer; the kind-specific behaviour hangs off peerImpl.
// All mutable fields are guarded by mu unless noted.
type Peer struct {
	// First to ensure 64-bit alignment for atomics. See anacrolix/torrent#262.
	_stats ConnStats

	impl peerImpl

	mu sync.Mutex

	settings *Settings
	picker   PiecePicker
	disk     DiskIO
	events   *alerts.Manager
	table    *ConnTable
	token    Token
	logger   log.Logger

	downloadChannel *bandwidth.Channel
	uploadChannel   *bandwidth.Channel

	phase  connPhase
	closed chansync.SetOnce
	// Why and from where teardown started. Set once by disconnect.
	disconnectReason error
	disconnectOp     string
	// Disk completion callbacks still due to run against this connection.
	// Final close waits for this to drain.
	outstandingCallbacks int

	info *TorrentInfo

	outgoing   bool
	remoteAddr net.Addr

	completedHandshake      time.Time
	lastMessageReceived     time.Time
	lastUsefulChunkReceived time.Time
	lastChunkSent           time.Time

	// Stuff controlled by the local peer.
	interested           bool
	lastBecameInterested time.Time
	priorInterest        time.Duration
	// Interest recomputation is coalesced to the next Tick so a bitfield
	// doesn't cause thousands of reevaluations.
	needsInterestUpdate bool
	choking             bool

	// Stuff controlled by the remote peer.
	peerInterested bool
	peerChoking    bool

	requests         requestTracker
	requestsLowWater int
	endgame          bool
	// The peer stopped sending us data while we had requests outstanding.
	snubbed bool
	// Requests we've written that may still legitimately produce a piece
	// message. Values count duplicate sends (end-game).
	validReceiveChunks map[Request]int

	// Pieces the peer claims to have.
	_peerPieces     roaring.Bitmap
	peerSentHaveAll bool
	// The highest possible number of pieces the torrent could have based on
	// what the peer has told us.
	peerMinPieces pieceIndex
	// Pieces the peer lets us request while it's choking us (BEP 6).
	peerAllowedFast bitmap.Bitmap

	// Smoothed request round-trip estimate.
	rttEstimate time.Duration

	// Rates are sampled by Tick over its own interval.
	lastTick            time.Time
	lastTickReadData    int64
	lastTickWrittenData int64
	downloadRate        float64
	uploadRate          float64
	peakDownloadRate    float64
	peakUploadRate      float64

	// Consecutive disk failures serving this peer's requests.
	diskFailures int
}

func (cn *Peer) locker() *sync.Mutex {
	return &cn.mu
}

// Closed returns an event that fires when the connection reaches its final
// state.
func (cn *Peer) Closed() events.Done {
	return cn.closed.Done()
}

func (cn *Peer) RemoteAddr() net.Addr {
	return cn.remoteAddr
}

func (cn *Peer) Stats() ConnStats {
	return cn._stats.Copy()
}

// resolve performs the liveness check deferred work must pass before touching
// the connection. With a table, a stale token from before teardown never
// resolves.
func (cn *Peer) resolve() (*Peer, bool) {
	if cn.table == nil {
		return cn, cn.phaseAtLeast(phaseClosed) == false
	}
	return cn.table.Get(cn.token)
}

func (cn *Peer) phaseAtLeast(p connPhase) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.phase >= p
}

func (cn *Peer) peerHasPiece(piece pieceIndex) bool {
	if cn.peerSentHaveAll {
		return true
	}
	return cn._peerPieces.Contains(uint32(piece))
}

func (cn *Peer) peerHasAllPieces() bool {
	if cn.peerSentHaveAll {
		return true
	}
	if cn.info == nil {
		return false
	}
	return cn._peerPieces.GetCardinality() == uint64(cn.info.NumPieces)
}

func (cn *Peer) peerPieceCount() int {
	if cn.peerSentHaveAll && cn.info != nil {
		return cn.info.NumPieces
	}
	return int(cn._peerPieces.GetCardinality())
}

// PeerHasPiece reports whether the remote peer claims the piece.
func (cn *Peer) PeerHasPiece(piece pieceIndex) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.peerHasPiece(piece)
}

func (cn *Peer) raisePeerMinPieces(newMin pieceIndex) {
	if newMin > cn.peerMinPieces {
		cn.peerMinPieces = newMin
	}
}

// peerSentHave applies a have message. Repeats of a piece we already know
// about change nothing.
func (cn *Peer) peerSentHave(piece pieceIndex) error {
	if cn.info != nil && piece >= cn.info.NumPieces {
		return fmt.Errorf("invalid piece %d", piece)
	}
	cn.raisePeerMinPieces(piece + 1)
	if cn.peerHasPiece(piece) {
		return nil
	}
	cn._peerPieces.Add(uint32(piece))
	if cn.picker.WantPiece(piece) {
		cn.peerPiecesChanged()
	}
	return nil
}

func (cn *Peer) peerSentBitfield(bf []bool) error {
	if cn.info != nil && len(bf) < cn.info.NumPieces {
		return errBitfieldTooShort
	}
	// We know that the last byte means that at most the last 7 bits are
	// wasted.
	cn.raisePeerMinPieces(pieceIndex(len(bf) - 7))
	if cn.info != nil {
		// Don't allow a subsequent bitfield message to change the value of a
		// piece we know the torrent has.
		for i := cn.info.NumPieces; i < len(bf); i++ {
			if bf[i] {
				return errBitfieldSpare
			}
		}
	}
	cn._peerPieces.Clear()
	for i, have := range bf {
		if have {
			cn.raisePeerMinPieces(pieceIndex(i) + 1)
			cn._peerPieces.Add(uint32(i))
		}
	}
	cn.peerSentHaveAll = false
	cn.peerPiecesChanged()
	return nil
}

func (cn *Peer) onPeerSentHaveAll() error {
	cn.peerSentHaveAll = true
	cn._peerPieces.Clear()
	cn.peerPiecesChanged()
	return nil
}

func (cn *Peer) peerSentHaveNone() error {
	cn._peerPieces.Clear()
	cn.peerSentHaveAll = false
	cn.peerPiecesChanged()
	return nil
}

func (cn *Peer) peerPiecesChanged() {
	cn.needsInterestUpdate = true
}

// peerHasWantedPieces is the interest predicate.
func (cn *Peer) peerHasWantedPieces() bool {
	if cn.peerSentHaveAll {
		return cn.anyPieceWanted()
	}
	ret := false
	cn._peerPieces.Iterate(func(x uint32) bool {
		if cn.picker.WantPiece(pieceIndex(x)) {
			ret = true
			return false
		}
		return true
	})
	return ret
}

func (cn *Peer) anyPieceWanted() bool {
	if cn.info == nil {
		return false
	}
	for i := 0; i < cn.info.NumPieces; i++ {
		if cn.picker.WantPiece(i) {
			return true
		}
	}
	return false
}

// setInterested changes our interest state and tells the peer, tracking how
// long we've spent interested for rate math.
func (cn *Peer) setInterested(interested bool) bool {
	if cn.interested == interested {
		return true
	}
	cn.interested = interested
	if interested {
		cn.lastBecameInterested = time.Now()
	} else if !cn.lastBecameInterested.IsZero() {
		cn.priorInterest += time.Since(cn.lastBecameInterested)
	}
	return cn.impl.writeInterested(interested)
}

func (cn *Peer) updateInterest() {
	if !cn.needsInterestUpdate {
		return
	}
	cn.needsInterestUpdate = false
	if cn.phase != phaseEstablished {
		return
	}
	cn.setInterested(cn.peerHasWantedPieces())
}

func (cn *Peer) expectingChunks() bool {
	if cn.requests.numInflight() == 0 {
		return false
	}
	return !cn.peerChoking || cn.inflightOnlyAllowedFast()
}

func (cn *Peer) inflightOnlyAllowedFast() bool {
	ret := true
	cn.requests.eachOutstanding(func(pb *pendingBlock) {
		if !cn.peerAllowedFast.Contains(bitmap.BitIndex(pb.r.Index)) {
			ret = false
		}
	})
	return ret
}

// desiredQueueSize is the outstanding-request depth we aim for. End-game and
// snubbed connections run a queue of one so a misbehaving peer can't hoard
// blocks.
func (cn *Peer) desiredQueueSize() int {
	if cn.endgame || cn.snubbed {
		return 1
	}
	rate := cn.downloadRate
	n := int64(rate) * int64(cn.settings.RequestTimeout) / int64(time.Second) / int64(cn.settings.ChunkSize)
	return int(clamp(int64(cn.settings.MinRequestQueueLen), n, int64(cn.settings.MaxRequestQueueLen)))
}

// maybeRequestMore tops the outstanding queue back up to the desired depth
// from the picker.
func (cn *Peer) maybeRequestMore(now time.Time) {
	if cn.phase != phaseEstablished {
		return
	}
	if cn.peerChoking && cn.peerAllowedFast.IsEmpty() {
		return
	}
	desired := cn.desiredQueueSize()
	cn.requestsLowWater = desired / 2
	n := desired - cn.requests.numOutstanding()
	if n <= 0 {
		return
	}
	for _, pick := range cn.picker.PickBlocks(cn, n) {
		if cn.peerChoking && !cn.peerAllowedFast.Contains(bitmap.BitIndex(pick.Request.Index)) {
			cn.picker.BlockReleased(pick.Request)
			continue
		}
		if !cn.requests.addRequest(pick.Request, pick.Busy) {
			cn.picker.BlockReleased(pick.Request)
			continue
		}
		// The request is on its way out whatever the writer's buffer level, so
		// account for it before honoring the backpressure signal.
		room := cn.impl._request(pick.Request)
		cn.validReceiveChunks[pick.Request]++
		cn.requests.markSent(pick.Request, now)
		if !room {
			break
		}
	}
}

// cancelRequest sends a cancel for an outstanding request. The block stays
// queued but released to the picker so the data is still accepted if it
// arrives first. With force the block is dropped outright. Cancelling a
// request we don't hold does nothing.
func (cn *Peer) cancelRequest(r Request, force bool) bool {
	if force {
		pb, wasInflight := cn.requests.remove(r)
		if pb == nil {
			return false
		}
		// A still-pending block never hit the wire, so there's nothing to
		// cancel remotely.
		if wasInflight {
			cn.impl._cancel(r)
		}
		if !pb.notWanted {
			cn.picker.BlockReleased(r)
		}
		return true
	}
	e := cn.requests.findInflight(r)
	if e == nil {
		if e := cn.requests.findPending(r); e != nil {
			// Never went on the wire. Drop it quietly.
			cn.requests.remove(r)
			cn.picker.BlockReleased(r)
			return true
		}
		return false
	}
	pb := e.Value
	if pb.notWanted {
		return false
	}
	pb.notWanted = true
	cn.impl._cancel(r)
	cn.picker.BlockReleased(r)
	return true
}

// CancelRequest is cancelRequest for external callers, such as a session
// reassigning a block it got from another connection.
func (cn *Peer) CancelRequest(r Request, force bool) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.cancelRequest(r, force)
}

// timeoutRequests drops in-flight requests older than the scaled timeout, or
// skipped past too often, releasing their blocks for reassignment. A timeout
// snubs the connection. If the picker has nothing left unrequested we're in
// the end game.
func (cn *Peer) timeoutRequests(now time.Time) {
	timeout := cn.settings.RequestTimeout
	dropped := cn.requests.timedOut(now, timeout, cn.settings.MaxBlockSkips)
	if len(dropped) == 0 {
		return
	}
	cn.snubbed = true
	for _, pb := range dropped {
		cn._stats.RequestsTimedOut.Add(1)
		if !pb.notWanted {
			cn.picker.BlockTimedOut(pb.r)
		}
		if cn.events.ShouldPost(alerts.Peer | alerts.BlockProgress) {
			cn.events.Post(alerts.BlockTimedOut{
				Addr:   cn.remoteAddr,
				Piece:  pb.r.Index.Uint32(),
				Begin:  pb.r.Begin.Uint32(),
				Length: pb.r.Length.Uint32(),
			})
		}
	}
	if !cn.picker.HavePending() {
		cn.endgame = true
	}
}

// gotBlockData is the shared landing point for a received block, whatever
// transport carried it. b is consumed: it is released after the disk write
// completes, or immediately if the data is unusable.
func (cn *Peer) gotBlockData(r Request, b *pooledBuffer, now time.Time) {
	if n, ok := cn.validReceiveChunks[r]; ok {
		if n == 1 {
			delete(cn.validReceiveChunks, r)
		} else {
			cn.validReceiveChunks[r] = n - 1
		}
	} else {
		cn._stats.ChunksReadUnwanted.Add(1)
		b.release()
		return
	}
	pb, ok := cn.requests.completeInflight(r)
	if !ok {
		// Completed elsewhere, or cancelled with force. Count it wasted and
		// move on.
		cn._stats.ChunksReadWasted.Add(1)
		b.release()
		return
	}
	cn._stats.ChunksReadUseful.Add(1)
	cn._stats.BytesReadUsefulData.Add(int64(r.Length))
	cn.lastUsefulChunkReceived = now
	cn.snubbed = false
	if !pb.sentAt.IsZero() {
		cn.sampleRTT(now.Sub(pb.sentAt))
	}
	// A notWanted block means our cancel raced the data. It's here now, so
	// take it: the picker learns via BlockCompleted that the reservation it
	// got back is moot.
	cn.submitBlockWrite(r, b)
}

// submitBlockWrite hands the block to the disk layer. The completion runs on
// a disk goroutine and revalidates the connection through its token.
func (cn *Peer) submitBlockWrite(r Request, b *pooledBuffer) {
	cn.outstandingCallbacks++
	data := b.bytes()[:r.Length]
	cn.disk.WriteBlock(r, data, func(err error) {
		b.release()
		p, ok := cn.resolve()
		if !ok {
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		p.outstandingCallbacks--
		if p.phase >= phaseDisconnecting {
			p.maybeFinishClose()
			return
		}
		p.onBlockWritten(r, err)
	})
}

func (cn *Peer) onBlockWritten(r Request, err error) {
	if err != nil {
		cn.logger.Printf("error writing block %v: %v", r, err)
		cn.picker.BlockReleased(r)
		if cn.events.ShouldPost(alerts.Error | alerts.Storage) {
			cn.events.Post(alerts.StorageFailed{Piece: r.Index.Uint32(), Err: err})
		}
		return
	}
	cn.picker.BlockCompleted(r)
	if cn.events.ShouldPost(alerts.BlockProgress) {
		cn.events.Post(alerts.BlockReceived{
			Addr:          cn.remoteAddr,
			Piece:         r.Index.Uint32(),
			Begin:         r.Begin.Uint32(),
			Length:        r.Length.Uint32(),
			RoundTripTime: cn.rttEstimate,
		})
	}
}

// sampleRTT folds a request round trip into the smoothed estimate.
func (cn *Peer) sampleRTT(rtt time.Duration) {
	if cn.rttEstimate == 0 {
		cn.rttEstimate = rtt
		return
	}
	cn.rttEstimate = (cn.rttEstimate*7 + rtt) / 8
}

// Disconnect starts teardown. The first call wins; later calls and reasons
// are ignored.
func (cn *Peer) Disconnect(reason error, op string) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.disconnect(reason, op)
}

func (cn *Peer) disconnect(reason error, op string) {
	if cn.phase >= phaseDisconnecting {
		return
	}
	cn.phase = phaseDisconnecting
	cn.disconnectReason = reason
	cn.disconnectOp = op
	cn.dropAllRequests()
	cn.requests.dropPeerRequests()
	if cn.events.ShouldPost(alerts.Connect | alerts.Peer) {
		cn.events.Post(alerts.PeerDisconnected{
			Addr:   cn.remoteAddr,
			Reason: reason,
			Op:     op,
		})
	}
	cn.impl.onClose()
	cn.maybeFinishClose()
}

// dropAllRequests empties both local queues and notifies the picker once per
// block still owed to it.
func (cn *Peer) dropAllRequests() {
	for _, pb := range cn.requests.dropAll() {
		if !pb.notWanted {
			cn.picker.BlockReleased(pb.r)
		}
	}
	cn.validReceiveChunks = nil
}

// disconnectIfRedundant drops a connection neither side can use: they have
// every piece and so do we. Returns whether it disconnected.
func (cn *Peer) disconnectIfRedundant() bool {
	if cn.info == nil || !cn.peerHasAllPieces() {
		return false
	}
	for i := 0; i < cn.info.NumPieces; i++ {
		if !cn.picker.HavePiece(i) {
			return false
		}
	}
	cn.disconnect(errRedundantConn, "redundant")
	return true
}

// maybeFinishClose completes teardown once no disk callbacks can still
// arrive. Callers hold mu.
func (cn *Peer) maybeFinishClose() {
	if cn.phase != phaseDisconnecting || cn.outstandingCallbacks != 0 {
		return
	}
	cn.phase = phaseClosed
	if cn.table != nil {
		cn.table.Remove(cn.token)
	}
	cn.closed.Set()
}

// Tick drives the connection's periodic work: deferred interest updates, the
// request timeout sweep, queue refill, rate sampling and dead-connection
// detection. The session calls it for every live connection on its
// heartbeat.
func (cn *Peer) Tick(now time.Time) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.phase != phaseEstablished {
		return
	}
	if !cn.lastMessageReceived.IsZero() &&
		now.Sub(cn.lastMessageReceived) > 2*cn.settings.KeepAliveInterval {
		cn.disconnect(errConnDead, "tick")
		return
	}
	if cn.disconnectIfRedundant() {
		return
	}
	cn.sampleRates(now)
	cn.updateInterest()
	cn.timeoutRequests(now)
	if cn.endgame && cn.picker.HavePending() {
		cn.endgame = false
	}
	if cn.interested {
		cn.maybeRequestMore(now)
	}
}

func (cn *Peer) sampleRates(now time.Time) {
	if cn.lastTick.IsZero() {
		cn.lastTick = now
		cn.lastTickReadData = cn._stats.BytesReadData.Int64()
		cn.lastTickWrittenData = cn._stats.BytesWrittenData.Int64()
		return
	}
	dt := now.Sub(cn.lastTick).Seconds()
	if dt <= 0 {
		return
	}
	read := cn._stats.BytesReadData.Int64()
	written := cn._stats.BytesWrittenData.Int64()
	cn.downloadRate = float64(read-cn.lastTickReadData) / dt
	cn.uploadRate = float64(written-cn.lastTickWrittenData) / dt
	if cn.downloadRate > cn.peakDownloadRate {
		cn.peakDownloadRate = cn.downloadRate
	}
	if cn.uploadRate > cn.peakUploadRate {
		cn.peakUploadRate = cn.uploadRate
	}
	cn.lastTick = now
	cn.lastTickReadData = read
	cn.lastTickWrittenData = written
}

// totalExpectingTime is how long we've been interested in the peer over the
// connection's life, for unchoke ranking.
func (cn *Peer) totalExpectingTime() (ret time.Duration) {
	ret = cn.priorInterest
	if !cn.lastBecameInterested.IsZero() && cn.interested {
		ret += time.Since(cn.lastBecameInterested)
	}
	return
}

func (cn *Peer) statusFlags() (ret string) {
	c := func(b byte) {
		ret += string([]byte{b})
	}
	if cn.interested {
		c('i')
	}
	if cn.choking {
		c('c')
	}
	c('-')
	ret += cn.impl.connectionFlags()
	c('-')
	if cn.peerInterested {
		c('i')
	}
	if cn.peerChoking {
		c('c')
	}
	if cn.snubbed {
		c('S')
	}
	if cn.endgame {
		c('E')
	}
	return
}

// WriteStatus renders a human-readable report of the connection for status
// pages.
func (cn *Peer) WriteStatus(w io.Writer) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	fmt.Fprintf(w, "%s: %s [%s]\n", cn.impl, cn.phase, cn.statusFlags())
	fmt.Fprintf(w, "    pieces: %d, reqs: %d pending / %d in flight / %d peer, rtt: %v\n",
		cn.peerPieceCount(),
		cn.requests.numPending(),
		cn.requests.numInflight(),
		cn.requests.numPeerRequests(),
		cn.rttEstimate,
	)
	fmt.Fprintf(w, "    down: %s/s (peak %s/s), up: %s/s (peak %s/s)\n",
		humanize.Bytes(uint64(cn.downloadRate)),
		humanize.Bytes(uint64(cn.peakDownloadRate)),
		humanize.Bytes(uint64(cn.uploadRate)),
		humanize.Bytes(uint64(cn.peakUploadRate)),
	)
	fmt.Fprintf(w, "    useful data: %v down, %v up\n",
		humanize.Bytes(uint64(cn._stats.BytesReadUsefulData.Int64())),
		humanize.Bytes(uint64(cn._stats.BytesWrittenData.Int64())),
	)
}

func (cn *Peer) wroteBytes(n int64) {
	cn._stats.BytesWritten.Add(n)
}

func (cn *Peer) readBytes(n int64) {
	cn._stats.BytesRead.Add(n)
}

