package peer_protocol

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

type ExtensionBit uint

// https://www.bittorrent.org/beps/bep_0004.html
const (
	ExtensionBitDht  = 0 // http://www.bittorrent.org/beps/bep_0005.html
	ExtensionBitFast = 2 // http://www.bittorrent.org/beps/bep_0006.html
)

type PeerExtensionBits [8]byte

func NewPeerExtensionBytes(bits ...ExtensionBit) (ret PeerExtensionBits) {
	for _, b := range bits {
		ret.SetBit(b, true)
	}
	return
}

func (pex PeerExtensionBits) String() string {
	return fmt.Sprintf("%x", pex[:])
}

func (pex *PeerExtensionBits) SetBit(bit ExtensionBit, on bool) {
	if on {
		pex[7-bit/8] |= 1 << (bit % 8)
	} else {
		pex[7-bit/8] &^= 1 << (bit % 8)
	}
}

func (pex PeerExtensionBits) GetBit(bit ExtensionBit) bool {
	return pex[7-bit/8]&(1<<(bit%8)) != 0
}

func (pex PeerExtensionBits) SupportsDHT() bool {
	return pex.GetBit(ExtensionBitDht)
}

func (pex PeerExtensionBits) SupportsFast() bool {
	return pex.GetBit(ExtensionBitFast)
}

// The fixed-size header exchanged before any messages. The response header is
// symmetrical.
type Handshake struct {
	Bits     PeerExtensionBits
	InfoHash [20]byte
	PeerID   [20]byte
}

func (h Handshake) Write(w io.Writer) error {
	b := make([]byte, 0, 68)
	b = append(b, Protocol...)
	b = append(b, h.Bits[:]...)
	b = append(b, h.InfoHash[:]...)
	b = append(b, h.PeerID[:]...)
	_, err := w.Write(b)
	return err
}

func ReadHandshake(r io.Reader) (h Handshake, err error) {
	var b [68]byte
	_, err = io.ReadFull(r, b[:])
	if err != nil {
		err = errors.Wrap(err, "reading handshake header")
		return
	}
	if string(b[:20]) != Protocol {
		err = errors.New("unexpected protocol string")
		return
	}
	copy(h.Bits[:], b[20:28])
	copy(h.InfoHash[:], b[28:48])
	copy(h.PeerID[:], b[48:68])
	return
}
