package ipcproto

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		{Type: TypeInput, Payload: []byte("echo hi\n")},
		{Type: TypePing, Payload: nil},
		{Type: TypePong, Payload: nil},
		{Type: TypeGetBuffer, Payload: nil},
		{Type: TypeStateChange, Payload: nil},
		{Type: TypeBuffer, Payload: bytes.Repeat([]byte("x"), 5000)},
	}
	for _, f := range cases {
		encoded := Encode(f)
		decoded, n, err := Decode(encoded)
		if err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if n != len(encoded) {
			t.Fatalf("expected to consume %d bytes, consumed %d", len(encoded), n)
		}
		if decoded.Type != f.Type || !bytes.Equal(decoded.Payload, f.Payload) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, f)
		}
	}
}

func TestDecodeIncomplete(t *testing.T) {
	full := Encode(Frame{Type: TypeOutput, Payload: []byte("partial output")})
	for n := 0; n < len(full); n++ {
		_, _, err := Decode(full[:n])
		if n < HeaderLen {
			if err != ErrTooShort {
				t.Fatalf("len %d: expected ErrTooShort, got %v", n, err)
			}
			continue
		}
		if err != ErrIncomplete {
			t.Fatalf("len %d: expected ErrIncomplete, got %v", n, err)
		}
	}
}

func TestDecodeMultipleFramesFromStream(t *testing.T) {
	a := Encode(Frame{Type: TypePing})
	b := Encode(Frame{Type: TypePong})
	buf := append(append([]byte{}, a...), b...)

	f1, n1, err := Decode(buf)
	if err != nil || f1.Type != TypePing || n1 != len(a) {
		t.Fatalf("first frame: f=%+v n=%d err=%v", f1, n1, err)
	}
	f2, n2, err := Decode(buf[n1:])
	if err != nil || f2.Type != TypePong || n2 != len(b) {
		t.Fatalf("second frame: f=%+v n=%d err=%v", f2, n2, err)
	}
}

func TestDecodePayloadTooLarge(t *testing.T) {
	buf := make([]byte, HeaderLen)
	buf[0] = byte(TypeOutput)
	putUint24(buf[1:4], MaxPayloadLen+1)
	if _, _, err := Decode(buf); err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestSessionInfoRoundTrip(t *testing.T) {
	code := 0
	info := SessionInfo{
		ID: "abcd1234", PID: 4242, CreatedAt: 1700000000,
		IsRunning: false, ExitCode: &code,
		CurrentWorkingDirectory: "/home/dev", Cols: 80, Rows: 24,
		ShellType: "bash", Name: "build", LastActiveViewerID: "v-1",
	}
	payload, err := EncodeInfo(info)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeInfo(payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != info.ID || got.PID != info.PID || got.Cols != info.Cols ||
		got.Rows != info.Rows || got.ShellType != info.ShellType ||
		got.ExitCode == nil || *got.ExitCode != *info.ExitCode {
		t.Fatalf("got %+v want %+v", got, info)
	}
}

func TestResizePayloadRoundTrip(t *testing.T) {
	got, err := DecodeResize(EncodeResize(132, 43))
	if err != nil {
		t.Fatal(err)
	}
	if got.Cols != 132 || got.Rows != 43 {
		t.Fatalf("got %+v", got)
	}
}

func TestSetNameRoundTrip(t *testing.T) {
	if got := DecodeSetName(EncodeSetName("build-server")); got != "build-server" {
		t.Fatalf("got %q", got)
	}
	if got := DecodeSetName(EncodeSetName("")); got != "" {
		t.Fatalf("expected empty name to clear, got %q", got)
	}
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	if got := DecodeError(EncodeError("pty spawn failed")); got != "pty spawn failed" {
		t.Fatalf("got %q", got)
	}
}

func TestResizePayloadTooShort(t *testing.T) {
	if _, err := DecodeResize([]byte{1, 2}); err != ErrPayloadTooShort {
		t.Fatalf("expected ErrPayloadTooShort, got %v", err)
	}
}

func TestDecodeInfoMalformedJSON(t *testing.T) {
	if _, err := DecodeInfo([]byte("not json")); err == nil {
		t.Fatal("expected error decoding malformed JSON info payload")
	}
}
