package peerwire

import (
	"fmt"

	pp "github.com/anacrolix/peerwire/peer_protocol"
)

const (
	// Maximum pending requests we allow peers to send us.
	defaultMaxPeerRequests = 250
	// 16KiB, the de-facto block size.
	defaultChunkSize = 0x4000
)

type pieceIndex = int

type InfoHash [20]byte

func (ih InfoHash) HexString() string {
	return fmt.Sprintf("%x", ih[:])
}

// Request identifies a block: a sub-range of a piece.
type Request struct {
	Index, Begin, Length pp.Integer
}

func (r Request) String() string {
	return fmt.Sprintf("(%d, %d, %d)", r.Index, r.Begin, r.Length)
}

func (r Request) ToMsg(mt pp.MessageType) pp.Message {
	return pp.Message{
		Type:   mt,
		Index:  r.Index,
		Begin:  r.Begin,
		Length: r.Length,
	}
}

func newRequestFromMessage(msg *pp.Message) Request {
	switch msg.Type {
	case pp.Request, pp.Cancel, pp.Reject:
		return Request{msg.Index, msg.Begin, msg.Length}
	case pp.Piece:
		return Request{msg.Index, msg.Begin, pp.Integer(len(msg.Piece))}
	default:
		panic(msg.Type)
	}
}

func makeCancelMessage(r Request) pp.Message {
	return pp.MakeCancelMessage(r.Index, r.Begin, r.Length)
}

// TorrentInfo is the torrent geometry a connection needs to validate and
// slice requests. It may be absent until the handshake determines what
// torrent the connection belongs to.
type TorrentInfo struct {
	InfoHash    InfoHash
	NumPieces   pieceIndex
	PieceLength int64
	TotalLength int64
}

func (i *TorrentInfo) pieceLength(piece pieceIndex) pp.Integer {
	if piece == i.NumPieces-1 {
		if rem := i.TotalLength % i.PieceLength; rem != 0 {
			return pp.Integer(rem)
		}
	}
	return pp.Integer(i.PieceLength)
}

func (i *TorrentInfo) requestOffset(r Request) int64 {
	return int64(r.Index)*i.PieceLength + int64(r.Begin)
}

func (i *TorrentInfo) validRequest(r Request) bool {
	return int(r.Index) < i.NumPieces &&
		r.Length > 0 &&
		r.Begin+r.Length <= i.pieceLength(pieceIndex(r.Index))
}

func clamp(min, value, max int64) int64 {
	if min > max {
		panic("bad clamp bounds")
	}
	if value < min {
		value = min
	}
	if value > max {
		value = max
	}
	return value
}
