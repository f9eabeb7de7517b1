package peerwire

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/bitmap"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/pkg/errors"

	"github.com/anacrolix/peerwire/alerts"
	"github.com/anacrolix/peerwire/bandwidth"
	pp "github.com/anacrolix/peerwire/peer_protocol"
)

// ConnConfig carries the collaborators a connection needs. The same config
// is typically shared by every connection of a session.
type ConnConfig struct {
	Settings *Settings
	Picker   PiecePicker
	Disk     DiskIO
	Events   *alerts.Manager
	Table    *ConnTable
	// Optional. With an allocator, per-direction channels are opened for the
	// connection and reads and writes stall until the session assigns quota.
	Bandwidth *bandwidth.Allocator
	Logger    log.Logger

	// The torrent the connection is for. May be nil on an accepted
	// connection, in which case ResolveTorrent is consulted with the info
	// hash the peer announces.
	Info *TorrentInfo
	// Optional. Maps an announced info hash to a torrent we serve.
	ResolveTorrent func(InfoHash) *TorrentInfo

	LocalPeerID PeerID
}

// PeerConn is a connection speaking the BitTorrent peer wire protocol over a
// net.Conn.
type PeerConn struct {
	Peer

	localPeerID    PeerID
	extensionBits  pp.PeerExtensionBits
	resolveTorrent func(InfoHash) *TorrentInfo

	// The actual Conn, used for closing and deadlines.
	conn net.Conn
	// Reader and Writer with the stats hook installed.
	r io.Reader
	w io.Writer

	ctx    context.Context
	cancel context.CancelFunc

	// Filled in by the handshake.
	peerID             g.Option[PeerID]
	peerExtensionBytes pp.PeerExtensionBits

	// Read loop state. Only the read loop goroutine touches these.
	recv      receiveBuffer
	chunkPool *bufferPool

	messageWriter peerConnMsgWriter

	// Pieces we've claimed to the peer, so Have is idempotent per piece.
	sentHaves bitmap.Bitmap
	// Pieces the peer may request from us while choked.
	localAllowedFast bitmap.Bitmap
	// Disk reads issued for peer requests and not yet completed.
	issuedReads int
}

// Bound the chunk buffers a single peer can pin via its request queue.
const maxConcurrentPeerReads = 16

// NewConn wraps an established net.Conn, outgoing or accepted. Start begins
// the handshake.
func NewConn(cfg ConnConfig, nc net.Conn, outgoing bool) *PeerConn {
	cn := &PeerConn{
		conn:           nc,
		localPeerID:    cfg.LocalPeerID,
		resolveTorrent: cfg.ResolveTorrent,
	}
	cn.Peer = Peer{
		impl:               cn,
		settings:           cfg.Settings,
		picker:             cfg.Picker,
		disk:               cfg.Disk,
		events:             cfg.Events,
		table:              cfg.Table,
		logger:             cfg.Logger,
		info:               cfg.Info,
		outgoing:           outgoing,
		remoteAddr:         nc.RemoteAddr(),
		peerChoking:        true,
		choking:            true,
		validReceiveChunks: make(map[Request]int),
	}
	cn.requests.init()
	if cn.logger.IsZero() {
		cn.logger = log.Default
	}
	if cfg.Bandwidth != nil {
		cn.downloadChannel = cfg.Bandwidth.OpenChannel(bandwidth.Download)
		cn.uploadChannel = cfg.Bandwidth.OpenChannel(bandwidth.Upload)
	}
	if cfg.Settings.ExtensionFast {
		cn.extensionBits.SetBit(pp.ExtensionBitFast, true)
	}
	cn.chunkPool = newBufferPool(cfg.Settings.ChunkSize)
	cn.ctx, cn.cancel = context.WithCancel(context.Background())
	cn.messageWriter = peerConnMsgWriter{
		fillWriteBuffer: cn.fillWriteBuffer,
		keepAlive:       cn.shouldKeepAlive,
		onWriteErr:      func(err error) { cn.Disconnect(err, "write") },
		closed:          &cn.closed,
		logger:          cn.logger,
		w:               connStatsReadWriter{nc, cn},
		channel:         cn.uploadChannel,
		limiter:         cfg.Settings.UploadRateLimiter,
		writeBuffer:     new(bytes.Buffer),
	}
	cn.w = connStatsReadWriter{nc, cn}
	cn.r = connStatsReadWriter{nc, cn}
	if cn.table != nil {
		cn.token = cn.table.Add(&cn.Peer)
	}
	return cn
}

// Token identifies this connection to deferred work while it lives.
func (cn *PeerConn) Token() Token {
	return cn.token
}

// Start runs the handshake, then the read and write loops, on their own
// goroutines. It returns immediately.
func (cn *PeerConn) Start() {
	go func() {
		<-cn.closed.Done()
		cn.cancel()
		cn.conn.Close()
	}()
	go func() {
		if err := cn.runHandshake(); err != nil {
			cn.Disconnect(err, "handshake")
			return
		}
		cn.onEstablished()
		go cn.messageWriter.run(cn.ctx, cn.settings.KeepAliveInterval)
		err := cn.mainReadLoop()
		if err != nil {
			cn.Disconnect(err, "read")
		} else {
			cn.Disconnect(nil, "read")
		}
	}()
}

func (cn *PeerConn) onEstablished() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.phase = phaseEstablished
	cn.completedHandshake = time.Now()
	cn.lastMessageReceived = time.Now()
	if cn.events.ShouldPost(alerts.Connect | alerts.Peer) {
		cn.events.Post(alerts.PeerConnected{
			Addr:     cn.remoteAddr,
			PeerID:   cn.peerID.UnwrapOrZeroValue(),
			Outgoing: cn.outgoing,
		})
	}
	cn.postInitialHaves()
}

// postInitialHaves tells the peer what we have, using the fast extension
// short forms when they apply.
func (cn *PeerConn) postInitialHaves() {
	if cn.info == nil {
		return
	}
	bf := make([]bool, cn.info.NumPieces)
	all, none := true, true
	for i := range bf {
		if cn.picker.HavePiece(i) {
			bf[i] = true
			none = false
		} else {
			all = false
		}
	}
	switch {
	case all && cn.fastEnabled():
		cn.write(pp.Message{Type: pp.HaveAll})
		for i := range bf {
			cn.sentHaves.Add(bitmap.BitIndex(i))
		}
	case none && cn.fastEnabled():
		cn.write(pp.Message{Type: pp.HaveNone})
	case none:
		// Omitting the bitfield means the same thing.
	default:
		cn.write(pp.Message{Type: pp.Bitfield, Bitfield: bf})
		for i, have := range bf {
			if have {
				cn.sentHaves.Add(bitmap.BitIndex(i))
			}
		}
	}
}

func (cn *PeerConn) fastEnabled() bool {
	return cn.settings.ExtensionFast && cn.peerExtensionBytes.SupportsFast()
}

func (cn *PeerConn) shouldKeepAlive() bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.phase == phaseEstablished
}

// write queues a message for sending. Stats are counted at queue time.
func (cn *PeerConn) write(msg pp.Message) bool {
	cn._stats.wroteMsg(&msg)
	if msg.Type == pp.Piece {
		cn.lastChunkSent = time.Now()
	}
	return cn.messageWriter.write(msg)
}

func (cn *PeerConn) tickleWriter() {
	cn.messageWriter.writeCond.Broadcast()
}

// Have tells the peer we acquired a piece. Repeats are dropped here, so the
// session can call it unconditionally on piece completion.
func (cn *PeerConn) Have(piece pieceIndex) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.phase != phaseEstablished {
		return
	}
	if cn.sentHaves.Contains(bitmap.BitIndex(piece)) {
		return
	}
	cn.sentHaves.Add(bitmap.BitIndex(piece))
	cn.write(pp.Message{Type: pp.Have, Index: pp.Integer(piece)})
}

// Choke stops serving the peer's requests. With the fast extension the
// queued requests are explicitly rejected, otherwise they're dropped.
func (cn *PeerConn) Choke() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.choking || cn.phase != phaseEstablished {
		return
	}
	cn.choking = true
	cn.write(pp.Message{Type: pp.Choke})
	if cn.fastEnabled() {
		for _, r := range cn.requests.dropPeerRequests() {
			cn.write(r.ToMsg(pp.Reject))
		}
	} else {
		cn.requests.dropPeerRequests()
	}
}

func (cn *PeerConn) Unchoke() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if !cn.choking || cn.phase != phaseEstablished {
		return
	}
	cn.choking = false
	cn.write(pp.Message{Type: pp.Unchoke})
}

// AllowFast permits the peer to request the piece while choked (BEP 6).
func (cn *PeerConn) AllowFast(piece pieceIndex) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if !cn.fastEnabled() || cn.phase != phaseEstablished {
		return
	}
	if cn.localAllowedFast.Contains(bitmap.BitIndex(piece)) {
		return
	}
	cn.localAllowedFast.Add(bitmap.BitIndex(piece))
	cn.write(pp.Message{Type: pp.AllowedFast, Index: pp.Integer(piece)})
}

// peerImpl.

func (cn *PeerConn) writeInterested(interested bool) bool {
	return cn.write(pp.Message{
		Type: func() pp.MessageType {
			if interested {
				return pp.Interested
			}
			return pp.NotInterested
		}(),
	})
}

func (cn *PeerConn) _request(r Request) bool {
	return cn.write(r.ToMsg(pp.Request))
}

func (cn *PeerConn) _cancel(r Request) bool {
	return cn.write(makeCancelMessage(r))
}

func (cn *PeerConn) connectionFlags() (ret string) {
	c := func(b byte) {
		ret += string([]byte{b})
	}
	if cn.outgoing {
		c('o')
	} else {
		c('a')
	}
	if cn.fastEnabled() {
		c('f')
	}
	return
}

func (cn *PeerConn) onClose() {
	cn.cancel()
	if cn.conn != nil {
		cn.conn.Close()
	}
	cn.tickleWriter()
}

func (cn *PeerConn) String() string {
	return fmt.Sprintf("connection %p to %v", cn, cn.remoteAddr)
}

// The writer calls this before sleeping, with no locks held.
func (cn *PeerConn) fillWriteBuffer() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.phase != phaseEstablished {
		return
	}
	cn.serviceNextPeerRequests()
}

// serviceNextPeerRequests issues disk reads for queued peer requests, oldest
// first.
func (cn *PeerConn) serviceNextPeerRequests() {
	if cn.choking && cn.localAllowedFast.IsEmpty() {
		return
	}
	for cn.issuedReads < maxConcurrentPeerReads {
		r, ok := cn.requests.nextPeerRequest()
		if !ok {
			return
		}
		state, _ := cn.requests.peerRequestState(r)
		state.readIssued = true
		cn.startPeerRequestRead(r)
	}
}

func (cn *PeerConn) startPeerRequestRead(r Request) {
	cn.outstandingCallbacks++
	cn.issuedReads++
	buf := cn.chunkPool.get()
	cn.disk.ReadBlock(r, buf.bytes()[:r.Length], func(n int, err error) {
		defer buf.release()
		p, ok := cn.resolve()
		if !ok {
			return
		}
		pc := p.impl.(*PeerConn)
		p.mu.Lock()
		defer p.mu.Unlock()
		p.outstandingCallbacks--
		pc.issuedReads--
		if p.phase >= phaseDisconnecting {
			p.maybeFinishClose()
			return
		}
		pc.onPeerRequestRead(r, buf, n, err)
		pc.serviceNextPeerRequests()
	})
}

// onPeerRequestRead finishes a peer request once its disk read lands. The
// request may have been cancelled or choked away in the meantime, in which
// case the data is discarded.
func (cn *PeerConn) onPeerRequestRead(r Request, buf *pooledBuffer, n int, err error) {
	if _, ok := cn.requests.peerRequestState(r); !ok {
		return
	}
	cn.requests.deletePeerRequest(r)
	if err == nil && n < int(r.Length) {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		cn.diskFailures++
		cn._stats.RequestsRejected.Add(1)
		if cn.events.ShouldPost(alerts.Error | alerts.Storage) {
			cn.events.Post(alerts.StorageFailed{Piece: r.Index.Uint32(), Err: err})
		}
		if cn.fastEnabled() {
			cn.write(r.ToMsg(pp.Reject))
		}
		if cn.diskFailures >= cn.settings.MaxDiskRequestFailures {
			cn.disconnect(errDiskFailureLimit, "upload")
		}
		return
	}
	cn.diskFailures = 0
	cn.write(pp.Message{
		Type:  pp.Piece,
		Index: r.Index,
		Begin: r.Begin,
		Piece: buf.bytes()[:n],
	})
}

// mainReadLoop drives the receive window: length header, then message type,
// then the body, with piece payloads landing directly in a pooled buffer
// bound for the disk layer.
func (cn *PeerConn) mainReadLoop() (err error) {
	rb := &cn.recv
	rb.reset(4)
	defer rb.releaseDiskBuffer()
	var (
		msgLen    int // body length of the current message
		gotHeader bool
		gotType   bool
		pieceMode bool
	)
	for {
		if !rb.packetComplete() {
			if err := cn.readSome(rb); err != nil {
				if err == io.EOF && !gotHeader && rb.received() == 0 {
					// Clean shutdown on a message boundary.
					return nil
				}
				return err
			}
			continue
		}
		if !gotHeader {
			msgLen = int(binary.BigEndian.Uint32(rb.window()))
			if msgLen == 0 {
				receivedKeepalives.Add(1)
				cn.mu.Lock()
				cn.lastMessageReceived = time.Now()
				cn.mu.Unlock()
				rb.cut(4, 4, 0)
				continue
			}
			if msgLen > cn.settings.MaxMessageLength {
				return errors.Wrapf(errMessageTooLong, "%d bytes", msgLen)
			}
			gotHeader = true
			rb.packetSize = 5
			continue
		}
		if !gotType {
			gotType = true
			if pp.MessageType(rb.window()[4]) == pp.Piece {
				payload := msgLen - 9
				if payload <= 0 || payload > cn.settings.ChunkSize {
					return errors.Errorf("piece message with payload %d", payload)
				}
				pieceMode = true
				// Length prefix, type, index and begin stay in the main
				// buffer; the payload goes to a pooled one.
				rb.packetSize = 13
			} else {
				rb.packetSize = 4 + msgLen
			}
			continue
		}
		if pieceMode {
			if rb.disk == nil {
				rb.attachDiskBuffer(cn.chunkPool.get(), msgLen-9)
				continue
			}
			w := rb.window()
			r := Request{
				Index:  pp.Integer(binary.BigEndian.Uint32(w[5:])),
				Begin:  pp.Integer(binary.BigEndian.Uint32(w[9:])),
				Length: pp.Integer(msgLen - 9),
			}
			buf, n := rb.detachDiskBuffer()
			panicif.NotEq(n, msgLen-9)
			rb.cut(13, 4, 0)
			gotHeader, gotType, pieceMode = false, false, false
			cn.onReadPiece(r, buf)
			continue
		}
		var msg pp.Message
		if err := msg.UnmarshalBinary(rb.window()); err != nil {
			return errors.Wrap(err, "unmarshalling message")
		}
		rb.cut(4+msgLen, 4, 0)
		gotHeader, gotType = false, false
		if err := cn.onReadMessage(&msg); err != nil {
			return err
		}
	}
}

// readSome pulls more bytes of the current packet off the wire, gated by
// download bandwidth.
func (cn *PeerConn) readSome(rb *receiveBuffer) error {
	want := int64(rb.packetSize + rb.diskSize - rb.received())
	granted := want
	if cn.downloadChannel != nil {
		granted = cn.downloadChannel.Request(want)
		for granted == 0 {
			select {
			case <-cn.ctx.Done():
				return cn.ctx.Err()
			case <-cn.downloadChannel.Assigned():
			}
			granted = cn.downloadChannel.Request(want)
		}
	}
	if err := waitLimiter(cn.ctx, cn.settings.DownloadRateLimiter, int(granted)); err != nil {
		return err
	}
	n, err := cn.r.Read(rb.space(int(granted)))
	if n > 0 {
		rb.advance(n)
	}
	if cn.downloadChannel != nil && int64(n) < granted {
		cn.downloadChannel.Return(granted - int64(n))
	}
	return err
}

func (cn *PeerConn) onReadPiece(r Request, buf *pooledBuffer) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	now := time.Now()
	cn.lastMessageReceived = now
	messageTypesReceived.Add(pp.Piece.String(), 1)
	cn._stats.ChunksRead.Add(1)
	cn._stats.BytesReadData.Add(int64(r.Length))
	cn.gotBlockData(r, buf, now)
	if cn.requests.numOutstanding() <= cn.requestsLowWater && cn.interested {
		cn.maybeRequestMore(now)
	}
}

func (cn *PeerConn) onReadMessage(msg *pp.Message) error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.lastMessageReceived = time.Now()
	messageTypesReceived.Add(msg.Type.String(), 1)
	if msg.Type.FastExtension() && !cn.fastEnabled() {
		return errors.Wrap(errFastNotNegotiated, msg.Type.String())
	}
	switch msg.Type {
	case pp.Choke:
		if cn.peerChoking {
			return nil
		}
		cn.peerChoking = true
		if !cn.fastEnabled() {
			// Outstanding requests are implicitly dropped, except for
			// allowed-fast pieces. Data already on the wire still lands via
			// validReceiveChunks.
			cn.releaseChokedRequests()
		}
	case pp.Unchoke:
		if !cn.peerChoking {
			return nil
		}
		cn.peerChoking = false
		if cn.interested {
			cn.maybeRequestMore(time.Now())
		}
	case pp.Interested:
		cn.peerInterested = true
		cn.tickleWriter()
	case pp.NotInterested:
		cn.peerInterested = false
	case pp.Have:
		return cn.peerSentHave(pieceIndex(msg.Index))
	case pp.Bitfield:
		return cn.peerSentBitfield(msg.Bitfield)
	case pp.Request:
		requestedChunkLengths.Add(strconv.FormatUint(msg.Length.Uint64(), 10), 1)
		return cn.onPeerSentRequest(newRequestFromMessage(msg))
	case pp.Cancel:
		cn.onPeerSentCancel(newRequestFromMessage(msg))
	case pp.Port:
		// No DHT in this layer.
	case pp.Suggest:
		// A hint we don't act on; the picker drives selection.
	case pp.HaveAll:
		return cn.onPeerSentHaveAll()
	case pp.HaveNone:
		return cn.peerSentHaveNone()
	case pp.Reject:
		cn.onPeerSentReject(newRequestFromMessage(msg))
	case pp.AllowedFast:
		cn.peerAllowedFast.Add(bitmap.BitIndex(msg.Index))
		if cn.interested {
			cn.maybeRequestMore(time.Now())
		}
	case pp.Piece:
		panic("piece messages are handled in the read loop")
	default:
		return errors.Errorf("received unknown message type: %#v", msg.Type)
	}
	return nil
}

// releaseChokedRequests returns outstanding requests to the picker when the
// peer chokes us without the fast extension. Allowed-fast requests survive.
func (cn *PeerConn) releaseChokedRequests() {
	var keep []*pendingBlock
	for _, pb := range cn.requests.dropAll() {
		if pb.notWanted {
			// Already back with the picker.
			continue
		}
		if cn.peerAllowedFast.Contains(bitmap.BitIndex(pb.r.Index)) {
			keep = append(keep, pb)
			continue
		}
		cn.picker.BlockReleased(pb.r)
	}
	for _, pb := range keep {
		cn.requests.reinsert(pb)
	}
}

func (cn *PeerConn) onPeerSentRequest(r Request) error {
	if cn.choking && !cn.localAllowedFast.Contains(bitmap.BitIndex(r.Index)) {
		if cn.fastEnabled() {
			cn.write(r.ToMsg(pp.Reject))
		}
		return nil
	}
	if cn.info == nil || !cn.info.validRequest(r) {
		return errors.Wrapf(errInvalidRequest, "%v", r)
	}
	if int(r.Length) > cn.settings.ChunkSize {
		return errors.Wrapf(errInvalidRequest, "length %d", r.Length)
	}
	if !cn.picker.HavePiece(pieceIndex(r.Index)) {
		requestsReceivedForMissingPieces.Add(1)
		if cn.fastEnabled() {
			cn.write(r.ToMsg(pp.Reject))
			return nil
		}
		return errors.Wrapf(errInvalidRequest, "piece %d not available", r.Index)
	}
	if cn.requests.numPeerRequests() >= cn.settings.MaxPeerRequests {
		if cn.fastEnabled() {
			cn.write(r.ToMsg(pp.Reject))
			return nil
		}
		return errTooManyRequests
	}
	if !cn.requests.addPeerRequest(r) {
		peerwire.Add("duplicate requests received", 1)
		return nil
	}
	cn.tickleWriter()
	return nil
}

func (cn *PeerConn) onPeerSentCancel(r Request) {
	state, ok := cn.requests.peerRequestState(r)
	if !ok {
		return
	}
	if state.readIssued {
		// Too late, the data is on its way.
		return
	}
	cn.requests.deletePeerRequest(r)
	if cn.fastEnabled() {
		cn.write(r.ToMsg(pp.Reject))
	}
}

// onPeerSentReject handles a fast-extension reject of one of our requests.
// Rejects for requests we don't hold are tolerated: they race our own
// cancels.
func (cn *PeerConn) onPeerSentReject(r Request) {
	pb, _ := cn.requests.remove(r)
	if pb == nil {
		return
	}
	if n, ok := cn.validReceiveChunks[r]; ok {
		if n == 1 {
			delete(cn.validReceiveChunks, r)
		} else {
			cn.validReceiveChunks[r] = n - 1
		}
	}
	if !pb.notWanted {
		cn.picker.BlockReleased(r)
	}
}
