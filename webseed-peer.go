package peerwire

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	"github.com/anacrolix/peerwire/alerts"
	"github.com/anacrolix/peerwire/bandwidth"
)

// webseedPeer fetches blocks over HTTP range requests (BEP 19 against a
// single-file URL). It exists so the common request machinery has a second
// implementation: no wire messages, no choking, every piece available.
type webseedPeer struct {
	Peer

	url    string
	client *http.Client

	ctx    context.Context
	cancel context.CancelFunc

	// In-progress fetches by request, so cancels can reach them.
	active map[Request]context.CancelFunc
}

type webseedAddr string

func (me webseedAddr) Network() string { return "http" }
func (me webseedAddr) String() string  { return string(me) }

// NewWebseedPeer builds a connection to a web seed. Start marks it
// established; there is no handshake.
func NewWebseedPeer(cfg ConnConfig, url string, client *http.Client) *webseedPeer {
	ws := &webseedPeer{
		url:    url,
		client: client,
		active: make(map[Request]context.CancelFunc),
	}
	if ws.client == nil {
		ws.client = http.DefaultClient
	}
	ws.Peer = Peer{
		impl:               ws,
		settings:           cfg.Settings,
		picker:             cfg.Picker,
		disk:               cfg.Disk,
		events:             cfg.Events,
		table:              cfg.Table,
		logger:             cfg.Logger,
		info:               cfg.Info,
		outgoing:           true,
		remoteAddr:         webseedAddr(url),
		validReceiveChunks: make(map[Request]int),
	}
	ws.requests.init()
	if ws.logger.IsZero() {
		ws.logger = log.Default
	}
	if cfg.Bandwidth != nil {
		ws.downloadChannel = cfg.Bandwidth.OpenChannel(bandwidth.Download)
	}
	ws.ctx, ws.cancel = context.WithCancel(context.Background())
	if ws.table != nil {
		ws.token = ws.table.Add(&ws.Peer)
	}
	return ws
}

func (ws *webseedPeer) Start() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.phase = phaseEstablished
	ws.peerSentHaveAll = true
	ws.peerChoking = false
	ws.needsInterestUpdate = true
	if ws.events.ShouldPost(alerts.Connect | alerts.Peer) {
		ws.events.Post(alerts.PeerConnected{Addr: ws.remoteAddr, Outgoing: true})
	}
}

// peerImpl.

func (ws *webseedPeer) writeInterested(interested bool) bool {
	return true
}

func (ws *webseedPeer) _request(r Request) bool {
	ctx, cancel := context.WithCancel(ws.ctx)
	ws.active[r] = cancel
	go ws.fetch(ctx, r)
	return true
}

func (ws *webseedPeer) _cancel(r Request) bool {
	if cancel, ok := ws.active[r]; ok {
		cancel()
	}
	return true
}

func (ws *webseedPeer) connectionFlags() string {
	return "W"
}

func (ws *webseedPeer) onClose() {
	ws.cancel()
}

func (ws *webseedPeer) String() string {
	return fmt.Sprintf("webseed %v", ws.url)
}

// fetch runs one range GET and lands the body through the common block path.
func (ws *webseedPeer) fetch(ctx context.Context, r Request) {
	buf := ws.chunkBufferFor(r)
	err := ws.fetchInto(ctx, r, buf.bytes()[:r.Length])
	ws.mu.Lock()
	defer ws.mu.Unlock()
	delete(ws.active, r)
	if ws.phase != phaseEstablished {
		buf.release()
		return
	}
	if err != nil {
		buf.release()
		if ctx.Err() != nil {
			// Cancelled locally; the tracker entry was already dealt with.
			return
		}
		ws.logger.Printf("webseed fetch of %v: %v", r, err)
		pb, _ := ws.requests.remove(r)
		delete(ws.validReceiveChunks, r)
		if pb != nil && !pb.notWanted {
			ws.picker.BlockReleased(r)
		}
		return
	}
	ws._stats.ChunksRead.Add(1)
	ws._stats.BytesReadData.Add(int64(r.Length))
	ws._stats.BytesRead.Add(int64(r.Length))
	ws.gotBlockData(r, buf, time.Now())
}

func (ws *webseedPeer) chunkBufferFor(r Request) *pooledBuffer {
	// Web seeds don't share the wire receive path, so a throwaway buffer is
	// fine; the pooledBuffer contract keeps the downstream identical.
	return newStandaloneBuffer(make([]byte, r.Length))
}

func (ws *webseedPeer) fetchInto(ctx context.Context, r Request, out []byte) error {
	off := ws.info.requestOffset(r)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ws.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(r.Length)-1))
	resp, err := ws.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if off != 0 {
			return errors.Errorf("server ignored range header (status %v)", resp.Status)
		}
	default:
		return errors.Errorf("bad response status %v", resp.Status)
	}
	body := io.Reader(resp.Body)
	if ws.downloadChannel != nil {
		body = &bandwidthReader{r: body, ch: ws.downloadChannel, ctx: ctx}
	}
	_, err = io.ReadFull(body, out)
	return err
}

// bandwidthReader charges a download channel for bytes as they arrive.
type bandwidthReader struct {
	r   io.Reader
	ch  *bandwidth.Channel
	ctx context.Context
}

func (me *bandwidthReader) Read(b []byte) (int, error) {
	granted := me.ch.Request(int64(len(b)))
	for granted == 0 {
		select {
		case <-me.ctx.Done():
			return 0, me.ctx.Err()
		case <-me.ch.Assigned():
		}
		granted = me.ch.Request(int64(len(b)))
	}
	n, err := me.r.Read(b[:granted])
	if int64(n) < granted {
		me.ch.Return(granted - int64(n))
	}
	return n, err
}
