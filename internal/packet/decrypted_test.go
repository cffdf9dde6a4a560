package packet

import (
	"bytes"
	"testing"
)

func TestDataRoundTrip(t *testing.T) {
	d := &Data{Bytes: []byte("hello world")}

	buf, err := EncodeDecrypted(d)
	if err != nil {
		t.Fatalf("EncodeDecrypted() error = %v", err)
	}

	decoded, err := DecodeDecrypted(buf)
	if err != nil {
		t.Fatalf("DecodeDecrypted() error = %v", err)
	}

	got, ok := decoded.(*Data)
	if !ok {
		t.Fatalf("DecodeDecrypted() returned %T, want *Data", decoded)
	}
	if !bytes.Equal(got.Bytes, d.Bytes) {
		t.Errorf("round trip mismatch: got %q, want %q", got.Bytes, d.Bytes)
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	buf, err := EncodeDecrypted(&Heartbeat{})
	if err != nil {
		t.Fatalf("EncodeDecrypted() error = %v", err)
	}
	decoded, err := DecodeDecrypted(buf)
	if err != nil {
		t.Fatalf("DecodeDecrypted() error = %v", err)
	}
	if _, ok := decoded.(*Heartbeat); !ok {
		t.Fatalf("DecodeDecrypted() returned %T, want *Heartbeat", decoded)
	}
}

func TestHeartbeatAckRoundTrip(t *testing.T) {
	buf, err := EncodeDecrypted(&HeartbeatAck{})
	if err != nil {
		t.Fatalf("EncodeDecrypted() error = %v", err)
	}
	decoded, err := DecodeDecrypted(buf)
	if err != nil {
		t.Fatalf("DecodeDecrypted() error = %v", err)
	}
	if _, ok := decoded.(*HeartbeatAck); !ok {
		t.Fatalf("DecodeDecrypted() returned %T, want *HeartbeatAck", decoded)
	}
}

func TestRotateRoundTrip(t *testing.T) {
	r := &Rotate{
		EphemeralPublicKey: []byte{1, 2, 3, 4},
		Signature:          []byte{5, 6, 7, 8, 9},
	}

	buf, err := EncodeDecrypted(r)
	if err != nil {
		t.Fatalf("EncodeDecrypted() error = %v", err)
	}
	decoded, err := DecodeDecrypted(buf)
	if err != nil {
		t.Fatalf("DecodeDecrypted() error = %v", err)
	}
	got, ok := decoded.(*Rotate)
	if !ok {
		t.Fatalf("DecodeDecrypted() returned %T, want *Rotate", decoded)
	}
	if !bytes.Equal(got.EphemeralPublicKey, r.EphemeralPublicKey) || !bytes.Equal(got.Signature, r.Signature) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, r)
	}
}

func TestRotateAckRoundTrip(t *testing.T) {
	r := &RotateAck{
		EphemeralPublicKey: []byte{10, 11, 12},
		Signature:          []byte{13, 14, 15, 16},
	}

	buf, err := EncodeDecrypted(r)
	if err != nil {
		t.Fatalf("EncodeDecrypted() error = %v", err)
	}
	decoded, err := DecodeDecrypted(buf)
	if err != nil {
		t.Fatalf("DecodeDecrypted() error = %v", err)
	}
	got, ok := decoded.(*RotateAck)
	if !ok {
		t.Fatalf("DecodeDecrypted() returned %T, want *RotateAck", decoded)
	}
	if !bytes.Equal(got.EphemeralPublicKey, r.EphemeralPublicKey) || !bytes.Equal(got.Signature, r.Signature) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, r)
	}
}

func TestDecodeDecryptedUnknownType(t *testing.T) {
	if _, err := DecodeDecrypted([]byte{0xFF}); err == nil {
		t.Error("DecodeDecrypted() with unknown type should fail")
	}
}
