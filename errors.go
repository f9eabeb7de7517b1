package peerwire

import (
	"github.com/pkg/errors"
)

// Errors a connection can be disconnected with. Protocol violations wrap
// these with context about the offending message.
var (
	errConnDead          = errors.New("connection timed out")
	errHandshakeTimeout  = errors.New("handshake timed out")
	errBitfieldTooShort  = errors.New("bitfield shorter than piece count")
	errBitfieldSpare     = errors.New("bitfield has spare bits set")
	errInvalidRequest    = errors.New("request outside torrent bounds")
	errTooManyRequests   = errors.New("peer exceeded request queue limit")
	errMessageTooLong    = errors.New("message length exceeds limit")
	errDiskFailureLimit  = errors.New("too many disk failures serving peer")
	errInfoHashMismatch  = errors.New("handshake info hash mismatch")
	errUnknownInfoHash   = errors.New("no torrent for announced info hash")
	errRedundantConn     = errors.New("both sides have every piece")
	errFastNotNegotiated = errors.New("fast extension message without negotiation")
)
