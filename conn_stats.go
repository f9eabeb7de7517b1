package peerwire

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sync/atomic"

	pp "github.com/anacrolix/peerwire/peer_protocol"
)

// ConnStats various connection-level metrics. Chunks are messages with data
// payloads. Data is actual torrent content without any overhead. Useful is
// something we needed locally. Unwanted is something we didn't ask for (but
// may still be useful). Written is things sent to the peer, and Read is stuff
// received from them.
type ConnStats struct {
	// Total bytes on the wire. Includes handshakes.
	BytesWritten     Count
	BytesWrittenData Count

	BytesRead           Count
	BytesReadData       Count
	BytesReadUsefulData Count

	ChunksWritten Count

	ChunksRead         Count
	ChunksReadUseful   Count
	ChunksReadUnwanted Count
	ChunksReadWasted   Count

	// Requests from the peer we rejected, for disk failures or protocol
	// reasons.
	RequestsRejected Count
	// Our requests released back to the picker after timing out.
	RequestsTimedOut Count
}

// Copy returns a copy of the connection stats.
func (t *ConnStats) Copy() (ret ConnStats) {
	for i := 0; i < reflect.TypeOf(ConnStats{}).NumField(); i++ {
		n := reflect.ValueOf(t).Elem().Field(i).Addr().Interface().(*Count).Int64()
		reflect.ValueOf(&ret).Elem().Field(i).Addr().Interface().(*Count).Add(n)
	}
	return
}

type Count struct {
	n int64
}

var _ fmt.Stringer = (*Count)(nil)

func (t *Count) Add(n int64) {
	atomic.AddInt64(&t.n, n)
}

func (t *Count) Int64() int64 {
	return atomic.LoadInt64(&t.n)
}

func (t *Count) String() string {
	return fmt.Sprintf("%v", t.Int64())
}

func (t *Count) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Int64())
}

func (t *ConnStats) wroteMsg(msg *pp.Message) {
	switch msg.Type {
	case pp.Piece:
		t.ChunksWritten.Add(1)
		t.BytesWrittenData.Add(int64(len(msg.Piece)))
	}
}

func (t *ConnStats) readMsg(msg *pp.Message) {
	switch msg.Type {
	case pp.Piece:
		t.ChunksRead.Add(1)
		t.BytesReadData.Add(int64(len(msg.Piece)))
	}
}

// Wraps the connection's underlying ReadWriter so raw wire-level byte counts
// include handshake and keep-alive overhead.
type connStatsReadWriter struct {
	rw io.ReadWriter
	c  *PeerConn
}

func (me connStatsReadWriter) Write(b []byte) (n int, err error) {
	n, err = me.rw.Write(b)
	me.c.wroteBytes(int64(n))
	return
}

func (me connStatsReadWriter) Read(b []byte) (n int, err error) {
	n, err = me.rw.Read(b)
	me.c.readBytes(int64(n))
	return
}
