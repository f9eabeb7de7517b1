package peerwire

import (
	"time"

	g "github.com/anacrolix/generics"
	"github.com/pkg/errors"

	pp "github.com/anacrolix/peerwire/peer_protocol"
)

// runHandshake exchanges the fixed 68-byte headers. The outgoing side sends
// first; an accepted connection waits to see the peer's info hash before
// replying. Deadlines cover the whole exchange.
func (cn *PeerConn) runHandshake() error {
	cn.mu.Lock()
	cn.phase = phaseHandshaking
	cn.mu.Unlock()

	if err := cn.conn.SetDeadline(time.Now().Add(cn.settings.HandshakeTimeout)); err != nil {
		return errors.Wrap(err, "setting handshake deadline")
	}
	defer cn.conn.SetDeadline(time.Time{})

	info := cn.info
	if cn.outgoing {
		if info == nil {
			return errors.New("outgoing handshake without torrent info")
		}
		ours := pp.Handshake{
			Bits:     cn.extensionBits,
			InfoHash: info.InfoHash,
			PeerID:   cn.localPeerID,
		}
		if err := ours.Write(cn.w); err != nil {
			return errors.Wrap(err, "writing handshake")
		}
	}
	theirs, err := pp.ReadHandshake(cn.r)
	if err != nil {
		if cn.closed.IsSet() {
			return errHandshakeTimeout
		}
		return errors.Wrap(err, "reading handshake")
	}
	if info == nil {
		// Accepted connection for a torrent we don't know yet; the peer's
		// announced hash decides which one.
		if cn.resolveTorrent != nil {
			info = cn.resolveTorrent(InfoHash(theirs.InfoHash))
		}
		if info == nil {
			return errors.Wrapf(errUnknownInfoHash, "%x", theirs.InfoHash)
		}
		cn.mu.Lock()
		cn.info = info
		cn.mu.Unlock()
	} else if theirs.InfoHash != [20]byte(info.InfoHash) {
		return errInfoHashMismatch
	}
	if !cn.outgoing {
		ours := pp.Handshake{
			Bits:     cn.extensionBits,
			InfoHash: info.InfoHash,
			PeerID:   cn.localPeerID,
		}
		if err := ours.Write(cn.w); err != nil {
			return errors.Wrap(err, "writing handshake")
		}
	}

	cn.mu.Lock()
	cn.peerID = g.Some(PeerID(theirs.PeerID))
	cn.peerExtensionBytes = theirs.Bits
	cn.mu.Unlock()
	return nil
}
