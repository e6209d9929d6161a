package muxbroadcast

import "testing"

type recordingViewer struct {
	id               string
	got              []deliveredCall
	raw              [][]byte
	forceResyncCalls int
}

type deliveredCall struct {
	sessionID  string
	cols, rows uint16
	data       []byte
}

func (v *recordingViewer) ID() string { return v.id }

func (v *recordingViewer) Deliver(sessionID string, cols, rows uint16, data []byte) {
	v.got = append(v.got, deliveredCall{sessionID, cols, rows, append([]byte(nil), data...)})
}

func (v *recordingViewer) SendRaw(msg []byte) {
	v.raw = append(v.raw, msg)
}

func (v *recordingViewer) ForceResync() {
	v.forceResyncCalls++
}

func TestOnOutputFansOutToAllViewers(t *testing.T) {
	b := New()
	v1 := &recordingViewer{id: "v1"}
	v2 := &recordingViewer{id: "v2"}
	b.Register(v1)
	b.Register(v2)

	b.OnOutput("sess0001", 80, 24, []byte("hello"))

	for _, v := range []*recordingViewer{v1, v2} {
		if len(v.got) != 1 || v.got[0].sessionID != "sess0001" || string(v.got[0].data) != "hello" {
			t.Fatalf("viewer %s: unexpected deliveries %+v", v.id, v.got)
		}
	}
}

func TestUnregisterStopsFanOut(t *testing.T) {
	b := New()
	v1 := &recordingViewer{id: "v1"}
	b.Register(v1)
	b.Unregister("v1")

	b.OnOutput("sess0001", 80, 24, []byte("hello"))

	if len(v1.got) != 0 {
		t.Fatalf("expected no deliveries after unregister, got %+v", v1.got)
	}
}

func TestBroadcastSessionStateReachesSendRawCapableViewers(t *testing.T) {
	b := New()
	v1 := &recordingViewer{id: "v1"}
	b.Register(v1)

	b.BroadcastSessionState("sess0001", true)

	if len(v1.raw) != 1 {
		t.Fatalf("expected one raw session-state frame, got %d", len(v1.raw))
	}
}

func TestForceResyncReachesResyncCapableViewers(t *testing.T) {
	b := New()
	v1 := &recordingViewer{id: "v1"}
	b.Register(v1)

	b.ForceResync("sess0001")

	if v1.forceResyncCalls != 1 {
		t.Fatalf("expected ForceResync to be called once, got %d", v1.forceResyncCalls)
	}
}
