package peerwire

// BlockPick is a block chosen for requesting from a peer. Busy means the
// block is already in flight to another peer, and a request for it is the
// end-game duplicate kind.
type BlockPick struct {
	Request Request
	Busy    bool
}

// PiecePicker is the torrent-level piece selection collaborator. Connections
// call it under their own lock, so implementations should not block.
type PiecePicker interface {
	// PickBlocks returns up to n blocks to request from p, preferring pieces
	// p actually has.
	PickBlocks(p *Peer, n int) []BlockPick
	// HavePiece reports whether the local client has the piece, for serving
	// peer requests.
	HavePiece(piece int) bool
	// WantPiece reports whether the piece is still wanted, for interest
	// calculations.
	WantPiece(piece int) bool
	// HavePending reports whether any wanted blocks remain that are not
	// requested from anyone. When it goes false while requests are still in
	// flight, connections enter end-game mode.
	HavePending() bool
	// BlockCompleted records that the block's data was received and accepted.
	BlockCompleted(r Request)
	// BlockReleased returns a block to the pending pool after its request was
	// abandoned, so it can be reassigned.
	BlockReleased(r Request)
	// BlockTimedOut is BlockReleased for requests dropped by the timeout
	// sweep. Pickers may deprioritize the peer for the piece.
	BlockTimedOut(r Request)
}
