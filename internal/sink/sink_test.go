package sink

import (
	"testing"

	"github.com/chaz8081/blesense/internal/ble"
)

// recordingObserver records every call it receives.
type recordingObserver struct {
	writes      []string
	disconnects []ble.ConnHandle
}

func (r *recordingObserver) HandleWrite(conn ble.ConnHandle, value []byte) {
	r.writes = append(r.writes, string(value))
}

func (r *recordingObserver) HandleDisconnect(conn ble.ConnHandle) {
	r.disconnects = append(r.disconnects, conn)
}

func TestFanoutDeliversToAll(t *testing.T) {
	a := &recordingObserver{}
	b := &recordingObserver{}
	f := NewFanout(a, nil, b)

	if len(f) != 2 {
		t.Fatalf("NewFanout kept %d observers, want 2", len(f))
	}

	f.HandleWrite(1, []byte("hello"))
	for i, o := range []*recordingObserver{a, b} {
		if len(o.writes) != 1 || o.writes[0] != "hello" {
			t.Errorf("observer %d writes = %v, want [hello]", i, o.writes)
		}
	}
}

func TestFanoutDisconnectSkipsPlainObservers(t *testing.T) {
	tracking := &recordingObserver{}
	var plainCalls int
	plain := ble.WriteObserverFunc(func(ble.ConnHandle, []byte) { plainCalls++ })
	f := NewFanout(plain, tracking)

	f.HandleDisconnect(7)
	if len(tracking.disconnects) != 1 || tracking.disconnects[0] != 7 {
		t.Errorf("disconnects = %v, want [7]", tracking.disconnects)
	}
	if plainCalls != 0 {
		t.Errorf("plain observer called %d times on disconnect", plainCalls)
	}
}

func TestLoggerAcceptsBinary(t *testing.T) {
	// Must not panic on non-UTF-8 input.
	Logger{}.HandleWrite(1, []byte{0xff, 0xfe, 0x00})
	Logger{}.HandleWrite(1, []byte("hello"))
}
