package muxproto

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		{Type: TypeInput, SessionID: "abcd1234", Payload: []byte("ls -la\n")},
		{Type: TypeResize, SessionID: "zzzzzzzz", Payload: EncodeResize(80, 24)},
		{Type: TypeBufferRequest, SessionID: "short", Payload: nil},
		{Type: TypeActiveSessionHint, SessionID: "", Payload: nil},
		{Type: TypeInit, SessionID: "", Payload: nil},
	}
	for _, f := range cases {
		encoded := Encode(f)
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("decode error: %v", err)
		}
		wantID := f.SessionID
		if len(wantID) > SessionIDLen {
			wantID = wantID[:SessionIDLen]
		}
		if decoded.Type != f.Type || decoded.SessionID != wantID || !bytes.Equal(decoded.Payload, f.Payload) {
			t.Fatalf("round trip mismatch: got %+v, want type=%v id=%q payload=%q", decoded, f.Type, wantID, f.Payload)
		}
	}
}

func TestDecodeTooShort(t *testing.T) {
	for _, n := range []int{0, 1, 8} {
		if _, err := Decode(make([]byte, n)); err != ErrTooShort {
			t.Fatalf("expected ErrTooShort for len %d, got %v", n, err)
		}
	}
}

func TestOutputPayloadRoundTrip(t *testing.T) {
	data := []byte("hello world")
	payload := EncodeOutput(80, 24, data)
	got, err := DecodeOutput(payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cols != 80 || got.Rows != 24 || !bytes.Equal(got.Data, data) {
		t.Fatalf("got %+v", got)
	}
}

func TestCompressedOutputPayloadRoundTrip(t *testing.T) {
	gz := []byte{0x1f, 0x8b, 0x01, 0x02}
	payload := EncodeCompressedOutput(80, 24, 2200, gz)
	got, err := DecodeCompressedOutput(payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cols != 80 || got.Rows != 24 || got.UncompressedLen != 2200 || !bytes.Equal(got.Gzip, gz) {
		t.Fatalf("got %+v", got)
	}
}

func TestResizePayloadRoundTrip(t *testing.T) {
	payload := EncodeResize(132, 43)
	got, err := DecodeResize(payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cols != 132 || got.Rows != 43 {
		t.Fatalf("got %+v", got)
	}
}

func TestSessionStateRoundTrip(t *testing.T) {
	created, err := DecodeSessionState(EncodeSessionState(true))
	if err != nil || !created {
		t.Fatalf("expected created=true, got %v err=%v", created, err)
	}
	destroyed, err := DecodeSessionState(EncodeSessionState(false))
	if err != nil || destroyed {
		t.Fatalf("expected created=false, got %v err=%v", destroyed, err)
	}
}

func TestInitFrameIsDistinctAndZeroID(t *testing.T) {
	f, err := Decode(InitFrame())
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != TypeInit || f.SessionID != "" || len(f.Payload) != 0 {
		t.Fatalf("got %+v", f)
	}
}

func TestSessionIDPadding(t *testing.T) {
	f := Encode(Frame{Type: TypeOutput, SessionID: "ab", Payload: nil})
	// bytes 1..8 should be "ab" followed by six zero bytes.
	want := append([]byte("ab"), make([]byte, 6)...)
	if !bytes.Equal(f[1:HeaderLen], want) {
		t.Fatalf("got %v want %v", f[1:HeaderLen], want)
	}
}
