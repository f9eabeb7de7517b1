package peerwire

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/missinggo/v2/bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/peerwire/alerts"
	pp "github.com/anacrolix/peerwire/peer_protocol"
)

type testPicker struct {
	mu sync.Mutex
	// Pieces the local side has.
	have map[pieceIndex]bool
	// Blocks handed out by PickBlocks in order.
	queue     []BlockPick
	released  []Request
	timedOut  []Request
	completed []Request
}

func (p *testPicker) PickBlocks(_ *Peer, n int) (ret []BlockPick) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for n > 0 && len(p.queue) > 0 {
		ret = append(ret, p.queue[0])
		p.queue = p.queue[1:]
		n--
	}
	return
}

func (p *testPicker) HavePiece(i pieceIndex) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.have[i]
}

func (p *testPicker) WantPiece(i pieceIndex) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.have[i]
}

func (p *testPicker) HavePending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) != 0
}

func (p *testPicker) BlockCompleted(r Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, r)
}

func (p *testPicker) BlockReleased(r Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, r)
}

func (p *testPicker) BlockTimedOut(r Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timedOut = append(p.timedOut, r)
}

func (p *testPicker) numReleased() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.released)
}

func (p *testPicker) numCompleted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.completed)
}

func fillBlockPattern(r Request, b []byte) {
	for i := range b {
		b[i] = byte(int(r.Index) + int(r.Begin) + i)
	}
}

type testDisk struct {
	mu       sync.Mutex
	blocks   map[Request][]byte
	readErr  error
	writeErr error
}

func (d *testDisk) ReadBlock(r Request, buf []byte, cb func(int, error)) {
	go func() {
		d.mu.Lock()
		err := d.readErr
		d.mu.Unlock()
		if err != nil {
			cb(0, err)
			return
		}
		fillBlockPattern(r, buf)
		cb(len(buf), nil)
	}()
}

func (d *testDisk) WriteBlock(r Request, data []byte, cb func(error)) {
	cp := append([]byte(nil), data...)
	go func() {
		d.mu.Lock()
		if d.blocks == nil {
			d.blocks = make(map[Request][]byte)
		}
		d.blocks[r] = cp
		err := d.writeErr
		d.mu.Unlock()
		cb(err)
	}()
}

func (d *testDisk) numBlocks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.blocks)
}

func testInfo() *TorrentInfo {
	return &TorrentInfo{
		InfoHash:    InfoHash{1, 2, 3},
		NumPieces:   16,
		PieceLength: 1 << 18,
		TotalLength: 16 << 18,
	}
}

type testConnBundle struct {
	cn     *PeerConn
	remote net.Conn
	picker *testPicker
	disk   *testDisk
	events *alerts.Manager
	table  *ConnTable
}

func newTestConn(t *testing.T) *testConnBundle {
	b := &testConnBundle{
		picker: &testPicker{have: make(map[pieceIndex]bool)},
		disk:   &testDisk{},
		events: alerts.NewManager(100, alerts.All),
		table:  new(ConnTable),
	}
	nc, remote := net.Pipe()
	b.remote = remote
	b.cn = NewConn(ConnConfig{
		Settings:    NewDefaultSettings(),
		Picker:      b.picker,
		Disk:        b.disk,
		Events:      b.events,
		Table:       b.table,
		Info:        testInfo(),
		LocalPeerID: PeerID{'-', 'G', 'T', '0', '0', '0', '1', '-'},
	}, nc, true)
	t.Cleanup(func() {
		b.cn.Disconnect(nil, "test cleanup")
		remote.Close()
	})
	return b
}

// Pretend the handshake happened.
func (b *testConnBundle) establish() {
	b.cn.mu.Lock()
	defer b.cn.mu.Unlock()
	b.cn.phase = phaseEstablished
	b.cn.completedHandshake = time.Now()
	b.cn.lastMessageReceived = time.Now()
	b.cn.peerExtensionBytes = pp.NewPeerExtensionBytes(pp.ExtensionBitFast)
}

func chunkReq(piece, chunk int) Request {
	return Request{pp.Integer(piece), pp.Integer(chunk * defaultChunkSize), defaultChunkSize}
}

func TestCancelAbsentRequestIsNoop(t *testing.T) {
	b := newTestConn(t)
	b.establish()
	assert.False(t, b.cn.CancelRequest(chunkReq(0, 0), true))
	assert.False(t, b.cn.CancelRequest(chunkReq(0, 0), false))
	assert.Zero(t, b.picker.numReleased())
}

func TestRequestTimeoutEntersEndgame(t *testing.T) {
	b := newTestConn(t)
	b.establish()
	cn := b.cn
	r := chunkReq(0, 0)
	cn.mu.Lock()
	require.True(t, cn.requests.addRequest(r, false))
	require.True(t, cn.requests.markSent(r, time.Now().Add(-2*cn.settings.RequestTimeout)))
	cn.timeoutRequests(time.Now())
	assert.True(t, cn.snubbed)
	assert.True(t, cn.endgame)
	assert.Equal(t, 1, cn.desiredQueueSize())
	assert.Zero(t, cn.requests.numOutstanding())
	cn.mu.Unlock()
	require.Equal(t, []Request{r}, b.picker.timedOut)
	assert.EqualValues(t, 1, cn._stats.RequestsTimedOut.Int64())
	// A timeout notice went to the event queue.
	alert := b.events.WaitFor(time.Second)
	require.NotNil(t, alert)
	_, ok := alert.(alerts.BlockTimedOut)
	assert.True(t, ok)
}

func TestDisconnectReleasesAllRequests(t *testing.T) {
	b := newTestConn(t)
	b.establish()
	cn := b.cn
	cn.mu.Lock()
	for i := 0; i < 3; i++ {
		require.True(t, cn.requests.addRequest(chunkReq(1, i), false))
	}
	for i := 0; i < 2; i++ {
		r := chunkReq(2, i)
		require.True(t, cn.requests.addRequest(r, false))
		require.True(t, cn.requests.markSent(r, time.Now()))
	}
	cn.mu.Unlock()

	cn.Disconnect(errConnDead, "test")

	cn.mu.Lock()
	assert.Zero(t, cn.requests.numOutstanding())
	assert.Equal(t, phaseClosed, cn.phase)
	cn.mu.Unlock()
	assert.Equal(t, 5, b.picker.numReleased())
	assert.True(t, cn.closed.IsSet())
	assert.Zero(t, b.table.Len())

	// Disconnecting again changes nothing.
	cn.Disconnect(errMessageTooLong, "test")
	assert.Equal(t, 5, b.picker.numReleased())

	batch, _ := b.events.Drain()
	var found bool
	for _, a := range batch {
		if d, ok := a.(alerts.PeerDisconnected); ok {
			found = true
			assert.Equal(t, errConnDead, d.Reason)
			assert.Equal(t, "test", d.Op)
		}
	}
	assert.True(t, found)
}

func TestHaveIsIdempotent(t *testing.T) {
	b := newTestConn(t)
	b.establish()
	b.cn.Have(7)
	b.cn.Have(7)
	want := pp.Message{Type: pp.Have, Index: 7}.MustMarshalBinary()
	b.cn.messageWriter.mu.Lock()
	assert.EqualValues(t, want, b.cn.messageWriter.writeBuffer.Bytes())
	b.cn.messageWriter.mu.Unlock()
}

func TestBusyRequestCap(t *testing.T) {
	b := newTestConn(t)
	b.establish()
	cn := b.cn
	b.picker.queue = []BlockPick{
		{chunkReq(0, 0), true},
		{chunkReq(0, 1), true},
		{chunkReq(0, 2), false},
	}
	cn.mu.Lock()
	cn.interested = true
	cn.peerChoking = false
	// A queue deep enough to draw all three picks.
	cn.downloadRate = 1e6
	cn.maybeRequestMore(time.Now())
	// Only one busy request was admitted; the plain one went through.
	assert.Equal(t, 2, cn.requests.numOutstanding())
	assert.True(t, cn.requests.haveBusy())
	cn.mu.Unlock()
	// The refused duplicate went back to the picker, not into the void.
	assert.Equal(t, []Request{chunkReq(0, 1)}, b.picker.released)
}

func TestRequestUnderWriteBackpressureStaysTracked(t *testing.T) {
	b := newTestConn(t)
	b.establish()
	cn := b.cn
	cn.messageWriter.mu.Lock()
	cn.messageWriter.writeBuffer.Write(make([]byte, writeBufferHighWaterLen))
	cn.messageWriter.mu.Unlock()
	r := chunkReq(0, 0)
	b.picker.queue = []BlockPick{{Request: r}}
	cn.mu.Lock()
	cn.interested = true
	cn.peerChoking = false
	cn.maybeRequestMore(time.Now())
	// The request message went out despite the full buffer, so it must be
	// tracked: in flight and eligible for its piece.
	assert.Equal(t, 1, cn.requests.numInflight())
	assert.Equal(t, 1, cn.validReceiveChunks[r])
	cn.mu.Unlock()
	assert.Zero(t, b.picker.numReleased())
}

func TestDuplicateBlockFromPeerCountedWasted(t *testing.T) {
	b := newTestConn(t)
	b.establish()
	cn := b.cn
	r := chunkReq(0, 0)
	cn.mu.Lock()
	cn.validReceiveChunks[r] = 1
	// No tracker entry: the block completed on another connection already.
	buf := newStandaloneBuffer(make([]byte, r.Length))
	cn.gotBlockData(r, buf, time.Now())
	cn.mu.Unlock()
	assert.EqualValues(t, 1, cn._stats.ChunksReadWasted.Int64())
	assert.Zero(t, b.picker.numCompleted())
	// No error alert resulted.
	batch, _ := b.events.Drain()
	for _, a := range batch {
		assert.Zero(t, a.Category()&alerts.Error)
	}
}

func TestReceivedBlockGoesToDiskAndPicker(t *testing.T) {
	b := newTestConn(t)
	b.establish()
	cn := b.cn
	r := chunkReq(3, 1)
	cn.mu.Lock()
	require.True(t, cn.requests.addRequest(r, false))
	require.True(t, cn.requests.markSent(r, time.Now().Add(-50*time.Millisecond)))
	cn.validReceiveChunks[r] = 1
	buf := newStandaloneBuffer(make([]byte, r.Length))
	fillBlockPattern(r, buf.bytes())
	cn.gotBlockData(r, buf, time.Now())
	cn.mu.Unlock()

	require.Eventually(t, func() bool {
		return b.picker.numCompleted() == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, b.disk.numBlocks())
	cn.mu.Lock()
	assert.False(t, cn.snubbed)
	assert.NotZero(t, cn.rttEstimate)
	cn.mu.Unlock()
	assert.EqualValues(t, 1, cn._stats.ChunksReadUseful.Int64())
}

func TestPeerSentHaveIdempotent(t *testing.T) {
	b := newTestConn(t)
	b.establish()
	cn := b.cn
	cn.mu.Lock()
	require.NoError(t, cn.peerSentHave(7))
	assert.Equal(t, 1, cn.peerPieceCount())
	require.NoError(t, cn.peerSentHave(7))
	assert.Equal(t, 1, cn.peerPieceCount())
	cn.mu.Unlock()
	assert.True(t, cn.PeerHasPiece(7))
	assert.False(t, cn.PeerHasPiece(8))
}

func TestRedundantConnectionDropped(t *testing.T) {
	b := newTestConn(t)
	b.establish()
	for i := 0; i < testInfo().NumPieces; i++ {
		b.picker.have[i] = true
	}
	b.cn.mu.Lock()
	b.cn.peerSentHaveAll = true
	b.cn.mu.Unlock()
	b.cn.Tick(time.Now())
	assert.True(t, b.cn.closed.IsSet())
	b.cn.mu.Lock()
	assert.Equal(t, errRedundantConn, b.cn.disconnectReason)
	b.cn.mu.Unlock()
}

func TestRacedCancelDataStillWritten(t *testing.T) {
	b := newTestConn(t)
	b.establish()
	cn := b.cn
	r := chunkReq(2, 0)
	cn.mu.Lock()
	require.True(t, cn.requests.addRequest(r, false))
	require.True(t, cn.requests.markSent(r, time.Now()))
	cn.validReceiveChunks[r] = 1
	// The cancel goes out, but the peer's data was already on the wire.
	require.True(t, cn.cancelRequest(r, false))
	buf := newStandaloneBuffer(make([]byte, r.Length))
	fillBlockPattern(r, buf.bytes())
	cn.gotBlockData(r, buf, time.Now())
	cn.mu.Unlock()

	// The block landed on disk rather than being thrown away.
	require.Eventually(t, func() bool {
		return b.picker.numCompleted() == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, b.disk.numBlocks())
	assert.EqualValues(t, 1, cn._stats.ChunksReadUseful.Int64())
}

func TestForceCancelPendingSendsNoMessage(t *testing.T) {
	b := newTestConn(t)
	b.establish()
	cn := b.cn
	r := chunkReq(0, 0)
	cn.mu.Lock()
	require.True(t, cn.requests.addRequest(r, false))
	cn.mu.Unlock()
	require.True(t, cn.CancelRequest(r, true))
	assert.Equal(t, []Request{r}, b.picker.released)
	// The request never went on the wire, so no cancel should either.
	cn.messageWriter.mu.Lock()
	assert.Zero(t, cn.messageWriter.writeBuffer.Len())
	cn.messageWriter.mu.Unlock()
}

func TestChokeKeepsAllowedFastRequestState(t *testing.T) {
	b := newTestConn(t)
	b.establish()
	cn := b.cn
	fast := chunkReq(0, 0)
	plain := chunkReq(1, 0)
	sentAt := time.Now().Add(-time.Second)
	cn.mu.Lock()
	cn.peerAllowedFast.Add(bitmap.BitIndex(fast.Index))
	require.True(t, cn.requests.addRequest(fast, false))
	require.True(t, cn.requests.markSent(fast, sentAt))
	cn.requests.findInflight(fast).Value.skipped = 2
	require.True(t, cn.requests.addRequest(plain, false))
	require.True(t, cn.requests.markSent(plain, time.Now()))

	cn.releaseChokedRequests()

	// The allowed-fast request rides out the choke with its history intact.
	e := cn.requests.findInflight(fast)
	require.NotNil(t, e)
	assert.Equal(t, 2, e.Value.skipped)
	assert.Equal(t, sentAt, e.Value.sentAt)
	assert.Equal(t, 1, cn.requests.numOutstanding())
	cn.mu.Unlock()
	assert.Equal(t, []Request{plain}, b.picker.released)
}

func TestAcceptedHandshakeResolvesTorrent(t *testing.T) {
	info := testInfo()
	nc, remote := net.Pipe()
	cn := NewConn(ConnConfig{
		Settings: NewDefaultSettings(),
		Picker:   &testPicker{have: make(map[pieceIndex]bool)},
		Disk:     &testDisk{},
		Events:   alerts.NewManager(100, alerts.All),
		Table:    new(ConnTable),
		ResolveTorrent: func(h InfoHash) *TorrentInfo {
			if h == info.InfoHash {
				return info
			}
			return nil
		},
		LocalPeerID: PeerID{'a'},
	}, nc, false)
	t.Cleanup(func() {
		cn.Disconnect(nil, "test cleanup")
		remote.Close()
	})

	theirID := PeerID{'b'}
	errs := make(chan error, 1)
	backs := make(chan pp.Handshake, 1)
	go func() {
		if err := (pp.Handshake{
			Bits:     pp.NewPeerExtensionBytes(pp.ExtensionBitFast),
			InfoHash: info.InfoHash,
			PeerID:   theirID,
		}).Write(remote); err != nil {
			errs <- err
			return
		}
		back, err := pp.ReadHandshake(remote)
		backs <- back
		errs <- err
	}()
	require.NoError(t, cn.runHandshake())
	require.NoError(t, <-errs)
	back := <-backs
	assert.EqualValues(t, info.InfoHash, back.InfoHash)

	cn.mu.Lock()
	assert.Equal(t, info, cn.info)
	assert.Equal(t, theirID, cn.peerID.Unwrap())
	cn.mu.Unlock()
}

func TestAcceptedHandshakeUnknownInfoHash(t *testing.T) {
	nc, remote := net.Pipe()
	cn := NewConn(ConnConfig{
		Settings:       NewDefaultSettings(),
		Picker:         &testPicker{have: make(map[pieceIndex]bool)},
		Disk:           &testDisk{},
		Events:         alerts.NewManager(100, alerts.All),
		Table:          new(ConnTable),
		ResolveTorrent: func(InfoHash) *TorrentInfo { return nil },
		LocalPeerID:    PeerID{'a'},
	}, nc, false)
	t.Cleanup(func() {
		cn.Disconnect(nil, "test cleanup")
		remote.Close()
	})

	go pp.Handshake{
		InfoHash: InfoHash{9, 9, 9},
		PeerID:   PeerID{'b'},
	}.Write(remote)
	err := cn.runHandshake()
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnknownInfoHash)
}

// Full loopback: two connections over a pipe move four blocks from one
// picker's disk to the other's.
func TestLoopbackTransfer(t *testing.T) {
	ncSeed, ncLeech := net.Pipe()

	seedPicker := &testPicker{have: map[pieceIndex]bool{}}
	info := testInfo()
	for i := 0; i < info.NumPieces; i++ {
		seedPicker.have[i] = true
	}
	seedDisk := &testDisk{}
	seeder := NewConn(ConnConfig{
		Settings:    NewDefaultSettings(),
		Picker:      seedPicker,
		Disk:        seedDisk,
		Events:      alerts.NewManager(100, alerts.All),
		Table:       new(ConnTable),
		Info:        info,
		LocalPeerID: PeerID{'s'},
	}, ncSeed, false)

	leechPicker := &testPicker{have: map[pieceIndex]bool{}}
	for i := 0; i < 4; i++ {
		leechPicker.queue = append(leechPicker.queue, BlockPick{Request: chunkReq(0, i)})
	}
	leechDisk := &testDisk{}
	leecher := NewConn(ConnConfig{
		Settings:    NewDefaultSettings(),
		Picker:      leechPicker,
		Disk:        leechDisk,
		Events:      alerts.NewManager(100, alerts.All),
		Table:       new(ConnTable),
		Info:        info,
		LocalPeerID: PeerID{'l'},
	}, ncLeech, true)

	seeder.Start()
	leecher.Start()
	defer seeder.Disconnect(nil, "test cleanup")
	defer leecher.Disconnect(nil, "test cleanup")

	require.Eventually(t, func() bool {
		seeder.Unchoke()
		leecher.Tick(time.Now())
		return leechPicker.numCompleted() == 4
	}, 10*time.Second, 10*time.Millisecond)

	// The data survived the trip.
	leechDisk.mu.Lock()
	defer leechDisk.mu.Unlock()
	for i := 0; i < 4; i++ {
		r := chunkReq(0, i)
		want := make([]byte, r.Length)
		fillBlockPattern(r, want)
		assert.EqualValues(t, want, leechDisk.blocks[r])
	}
}
