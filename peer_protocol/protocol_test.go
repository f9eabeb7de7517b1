package peer_protocol

import (
	"testing"
)

func TestConstants(t *testing.T) {
	// check that iota works as expected in the const block
	if NotInterested != 3 {
		t.FailNow()
	}
	if Port != 9 {
		t.FailNow()
	}
	if AllowedFast != 0x11 {
		t.FailNow()
	}
}

func TestHaveEncode(t *testing.T) {
	actual := string(Message{Type: Have, Index: 42}.MustMarshalBinary())
	expected := "\x00\x00\x00\x05\x04\x00\x00\x00\x2a"
	if actual != expected {
		t.Fatalf("expected %#v, got %#v", expected, actual)
	}
}

func TestBitfieldEncode(t *testing.T) {
	bf := make([]bool, 37)
	bf[2] = true
	bf[7] = true
	bf[32] = true
	s := string(Message{Type: Bitfield, Bitfield: bf}.MustMarshalBinary())
	const expected = "\x00\x00\x00\x06\x05\x21\x00\x00\x00\x80"
	if s != expected {
		t.Fatalf("got %#v, expected %#v", s, expected)
	}
}

func TestKeepaliveEncode(t *testing.T) {
	if s := string(Message{Keepalive: true}.MustMarshalBinary()); s != "\x00\x00\x00\x00" {
		t.Fatalf("got %#v", s)
	}
}

func TestFastExtensionTypes(t *testing.T) {
	for _, mt := range []MessageType{Suggest, HaveAll, HaveNone, Reject, AllowedFast} {
		if !mt.FastExtension() {
			t.Errorf("%v should be a fast extension type", mt)
		}
	}
	for _, mt := range []MessageType{Choke, Have, Piece, Cancel, Port} {
		if mt.FastExtension() {
			t.Errorf("%v should not be a fast extension type", mt)
		}
	}
}
