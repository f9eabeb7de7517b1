package peer_protocol

const (
	// The header sent before anything else on a connection: a length-prefixed
	// protocol identifier string.
	Protocol = "\x13BitTorrent protocol"
)

type MessageType byte

// golang.org/x/tools/cmd/stringer doesn't pay for itself here, the wire values
// are part of the protocol anyway.
func (mt MessageType) String() string {
	switch mt {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Port:
		return "Port"
	case Suggest:
		return "Suggest"
	case HaveAll:
		return "HaveAll"
	case HaveNone:
		return "HaveNone"
	case Reject:
		return "Reject"
	case AllowedFast:
		return "AllowedFast"
	default:
		return "Unknown"
	}
}

// FastExtension returns whether the message type is part of the BEP 6 fast
// extension. Receiving one when the extension wasn't negotiated is a protocol
// violation.
func (mt MessageType) FastExtension() bool {
	return mt >= Suggest && mt <= AllowedFast
}

const (
	Choke         MessageType = iota
	Unchoke                   // 1
	Interested                // 2
	NotInterested             // 3
	Have                      // 4
	Bitfield                  // 5
	Request                   // 6
	Piece                     // 7
	Cancel                    // 8
	Port                      // 9

	// BEP 6 extension protocol messages.
	Suggest     MessageType = 0x0d // 13
	HaveAll     MessageType = 0x0e // 14
	HaveNone    MessageType = 0x0f // 15
	Reject      MessageType = 0x10 // 16
	AllowedFast MessageType = 0x11 // 17
)
