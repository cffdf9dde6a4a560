package contact

import (
	"bytes"
	"testing"
)

func TestContactRequestRoundTrip(t *testing.T) {
	f := &ContactRequest{Profile: []byte("alice")}
	buf, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	decoded, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	got, ok := decoded.(*ContactRequest)
	if !ok {
		t.Fatalf("DecodeFrame() = %T, want *ContactRequest", decoded)
	}
	if !bytes.Equal(got.Profile, f.Profile) {
		t.Errorf("Profile = %q, want %q", got.Profile, f.Profile)
	}
}

func TestContactRejectRoundTrip(t *testing.T) {
	buf, err := EncodeFrame(&ContactReject{})
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	decoded, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if _, ok := decoded.(*ContactReject); !ok {
		t.Fatalf("DecodeFrame() = %T, want *ContactReject", decoded)
	}
}

func TestChatRoundTrip(t *testing.T) {
	f := &Chat{Bytes: []byte("hello")}
	buf, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	decoded, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	got, ok := decoded.(*Chat)
	if !ok {
		t.Fatalf("DecodeFrame() = %T, want *Chat", decoded)
	}
	if !bytes.Equal(got.Bytes, f.Bytes) {
		t.Errorf("Bytes = %q, want %q", got.Bytes, f.Bytes)
	}
}

func TestCallFrameRoundTrip(t *testing.T) {
	f := &CallFrame{ID: 0xDEADBEEF, Bytes: []byte{1, 2, 3, 4}}
	buf, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	decoded, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	got, ok := decoded.(*CallFrame)
	if !ok {
		t.Fatalf("DecodeFrame() = %T, want *CallFrame", decoded)
	}
	if got.ID != f.ID || !bytes.Equal(got.Bytes, f.Bytes) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestCallControlRoundTrip(t *testing.T) {
	cases := []Frame{
		&CallOffer{ID: 1},
		&CallAccept{ID: 2},
		&CallReject{ID: 3},
		&CallEnd{ID: 4},
	}
	for _, f := range cases {
		buf, err := EncodeFrame(f)
		if err != nil {
			t.Fatalf("EncodeFrame(%T) error = %v", f, err)
		}
		decoded, err := DecodeFrame(buf)
		if err != nil {
			t.Fatalf("DecodeFrame() error = %v", err)
		}
		if decoded.frameTag() != f.frameTag() {
			t.Errorf("frame tag mismatch: got %T, want %T", decoded, f)
		}
	}
}

func TestDecodeFrameUnknownTag(t *testing.T) {
	if _, err := DecodeFrame([]byte{0xFF}); err == nil {
		t.Error("DecodeFrame() with unknown tag should fail")
	}
}
