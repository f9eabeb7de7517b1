package peerwire

import (
	"expvar"
)

func init() {
	peerwire.Set("requested chunk lengths", &requestedChunkLengths)
	peerwire.Set("message types received", &messageTypesReceived)
}

// Some of these may be attached to a connection table someday.
var (
	peerwire              = expvar.NewMap("peerwire")
	requestedChunkLengths expvar.Map
	messageTypesReceived  expvar.Map

	postedKeepalives   = expvar.NewInt("postedKeepalives")
	receivedKeepalives = expvar.NewInt("receivedKeepalives")
	// Requests received for pieces we don't have.
	requestsReceivedForMissingPieces = expvar.NewInt("requestsReceivedForMissingPieces")
)
