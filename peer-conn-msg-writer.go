package peerwire

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"golang.org/x/time/rate"

	"github.com/anacrolix/peerwire/bandwidth"
	pp "github.com/anacrolix/peerwire/peer_protocol"
)

// Past this the connection stops accepting new posted messages until the
// writer catches up.
const writeBufferHighWaterLen = 1 << 16

// peerConnMsgWriter coalesces posted messages into a buffer and pushes them
// onto the wire from its own goroutine, so message handling never blocks on
// the socket. It owns keep-alives: one goes out whenever the timeout passes
// with nothing else to say.
type peerConnMsgWriter struct {
	fillWriteBuffer func()
	keepAlive       func() bool
	onWriteErr      func(error)
	closed          *chansync.SetOnce
	logger          log.Logger
	w               io.Writer

	// Upload gating. Either may be nil for no limit at that layer.
	channel *bandwidth.Channel
	limiter *rate.Limiter

	mu        sync.Mutex
	writeCond chansync.BroadcastCond
	// Pointer so we can swap with the front buffer without copying.
	writeBuffer *bytes.Buffer
}

// write queues msg. The returned bool is whether the buffer has room for
// more; callers that get false should hold off until the writer drains.
func (cn *peerConnMsgWriter) write(msg pp.Message) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.writeBuffer.Write(msg.MustMarshalBinary())
	cn.writeCond.Broadcast()
	return !cn.writeBufferFull()
}

func (cn *peerConnMsgWriter) writeBufferFull() bool {
	return cn.writeBuffer.Len() >= writeBufferHighWaterLen
}

func (cn *peerConnMsgWriter) run(ctx context.Context, keepAliveTimeout time.Duration) {
	lastWrite := time.Now()
	keepAliveTimer := time.NewTimer(keepAliveTimeout)
	defer keepAliveTimer.Stop()
	frontBuf := new(bytes.Buffer)
	for {
		if cn.closed.IsSet() {
			return
		}
		cn.fillWriteBuffer()
		cn.mu.Lock()
		if cn.writeBuffer.Len() == 0 &&
			time.Since(lastWrite) >= keepAliveTimeout &&
			cn.keepAlive() {
			cn.writeBuffer.Write(pp.Message{Keepalive: true}.MustMarshalBinary())
			postedKeepalives.Add(1)
		}
		if cn.writeBuffer.Len() == 0 {
			writeCond := cn.writeCond.Signaled()
			cn.mu.Unlock()
			select {
			case <-cn.closed.Done():
				return
			case <-writeCond:
			case <-keepAliveTimer.C:
				keepAliveTimer.Reset(keepAliveTimeout)
			}
			continue
		}
		frontBuf.Reset()
		frontBuf, cn.writeBuffer = cn.writeBuffer, frontBuf
		cn.mu.Unlock()
		if err := cn.writeFront(ctx, frontBuf); err != nil {
			cn.logger.Printf("error writing to peer: %v", err)
			cn.onWriteErr(err)
			return
		}
		lastWrite = time.Now()
		keepAliveTimer.Reset(keepAliveTimeout)
	}
}

// writeFront pushes buf onto the wire, taking bandwidth quota as it goes.
func (cn *peerConnMsgWriter) writeFront(ctx context.Context, buf *bytes.Buffer) error {
	for buf.Len() != 0 {
		granted := int64(buf.Len())
		if cn.channel != nil {
			granted = cn.channel.Request(granted)
			for granted == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-cn.channel.Assigned():
				}
				granted = cn.channel.Request(int64(buf.Len()))
			}
		}
		if err := waitLimiter(ctx, cn.limiter, int(granted)); err != nil {
			return err
		}
		n, err := cn.w.Write(buf.Next(int(granted)))
		if cn.channel != nil && int64(n) < granted {
			cn.channel.Return(granted - int64(n))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// waitLimiter blocks per the session rate limiter, respecting its burst so a
// grant larger than the burst doesn't error.
func waitLimiter(ctx context.Context, l *rate.Limiter, n int) error {
	if l == nil || l.Limit() == rate.Inf {
		return nil
	}
	for n > 0 {
		take := n
		if b := l.Burst(); take > b {
			take = b
		}
		if err := l.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}
