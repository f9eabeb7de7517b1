package peerwire

import "fmt"

// PeerID is a peer's self-reported 20-byte identifier from the handshake.
type PeerID [20]byte

func (me PeerID) String() string {
	// The first 8 bytes are conventionally a printable client tag.
	return fmt.Sprintf("%q", me[:])
}
