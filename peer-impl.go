package peerwire

// Contains implementation details that differ between peer types, like web
// seeds and regular BitTorrent protocol connections. Some methods are
// underlined so as to avoid collisions with legacy PeerConn methods.
type peerImpl interface {
	writeInterested(interested bool) bool

	// These don't report buffer room because both are posted, not written
	// inline.
	_request(Request) bool
	_cancel(Request) bool

	connectionFlags() string
	onClose()
	String() string
}
