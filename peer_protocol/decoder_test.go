package peer_protocol

import (
	"bufio"
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRoundTrip(t *testing.T) {
	for _, orig := range []Message{
		{Type: Choke},
		{Type: Unchoke},
		{Type: Interested},
		{Type: NotInterested},
		{Type: Have, Index: 13},
		{Type: Request, Index: 1, Begin: 2, Length: 3},
		{Type: Cancel, Index: 1, Begin: 2, Length: 3},
		{Type: Reject, Index: 1, Begin: 2, Length: 3},
		{Type: Piece, Index: 7, Begin: 16384, Piece: []byte("hello")},
		{Type: Port, Port: 51413},
		{Type: HaveAll},
		{Type: HaveNone},
		{Type: AllowedFast, Index: 3},
		{Type: Suggest, Index: 9},
		{Keepalive: true},
	} {
		var got Message
		require.NoError(t, got.UnmarshalBinary(orig.MustMarshalBinary()), "%v", orig)
		assert.EqualValues(t, orig, got)
	}
}

func TestDecodeShortPieceEOF(t *testing.T) {
	r, w := io.Pipe()
	go func() {
		w.Write(Message{Type: Piece, Piece: make([]byte, 1)}.MustMarshalBinary())
		w.Close()
	}()
	d := Decoder{
		R:         bufio.NewReader(r),
		MaxLength: 1 << 15,
		Pool: &sync.Pool{New: func() interface{} {
			b := make([]byte, 1)
			return &b
		}},
	}
	var m Message
	require.NoError(t, d.Decode(&m))
	require.Len(t, m.Piece, 1)
	assert.Equal(t, io.EOF, d.Decode(&m))
}

func TestDecodeOverlongPiece(t *testing.T) {
	d := Decoder{
		R:         bufio.NewReader(bytes.NewReader(Message{Type: Piece, Piece: make([]byte, 2)}.MustMarshalBinary())),
		MaxLength: 1 << 15,
		Pool: &sync.Pool{New: func() interface{} {
			b := make([]byte, 1)
			return &b
		}},
	}
	var m Message
	require.Error(t, d.Decode(&m))
}

func TestDecodeMessageTooLong(t *testing.T) {
	d := Decoder{
		R:         bufio.NewReader(bytes.NewReader(Message{Type: Piece, Piece: make([]byte, 64)}.MustMarshalBinary())),
		MaxLength: 8,
	}
	var m Message
	require.Error(t, d.Decode(&m))
}

func TestDecodeTruncated(t *testing.T) {
	b := Message{Type: Request, Index: 1, Begin: 2, Length: 3}.MustMarshalBinary()
	d := Decoder{
		R:         bufio.NewReader(bytes.NewReader(b[:len(b)-2])),
		MaxLength: 1 << 15,
	}
	var m Message
	require.Equal(t, io.ErrUnexpectedEOF, d.Decode(&m))
}

func BenchmarkDecodePieces(t *testing.B) {
	const pieceLen = 1 << 14
	msg := Message{
		Type:  Piece,
		Index: 0,
		Begin: 1,
		Piece: make([]byte, pieceLen),
	}
	b := msg.MustMarshalBinary()
	t.SetBytes(int64(len(b)))
	var r bytes.Reader
	br := bufio.NewReader(&r)
	d := Decoder{
		R:         br,
		MaxLength: 1 << 18,
		Pool: &sync.Pool{
			New: func() interface{} {
				b := make([]byte, pieceLen)
				return &b
			},
		},
	}
	for i := 0; i < t.N; i++ {
		r.Reset(b)
		br.Reset(&r)
		var msg Message
		require.NoError(t, d.Decode(&msg))
		d.Pool.Put(&msg.Piece)
	}
}
