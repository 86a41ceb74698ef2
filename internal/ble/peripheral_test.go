package ble

import (
	"bytes"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/blesense/internal/ble/adv"
	"github.com/chaz8081/blesense/internal/ble/protocol"
)

func testOptions(obs WriteObserver) Options {
	return Options{
		Name:     "ESP32_Device",
		Service:  DefaultServiceDefinition(),
		Observer: obs,
	}
}

func newTestController(t *testing.T, opts Options) (*Controller, *fakeStack) {
	t.Helper()
	stack := newFakeStack()
	c, err := NewController(stack, opts)
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	return c, stack
}

func TestNewControllerRegistersAndAdvertises(t *testing.T) {
	c, stack := newTestController(t, testOptions(nil))

	if !stack.enabled {
		t.Error("stack was not enabled")
	}
	if len(stack.defs) != 1 {
		t.Fatalf("registered %d services, want 1", len(stack.defs))
	}
	if stack.defs[0] != DefaultServiceDefinition() {
		t.Errorf("registered %+v, want %+v", stack.defs[0], DefaultServiceDefinition())
	}

	ads := stack.advertiseCalls()
	if len(ads) != 1 {
		t.Fatalf("got %d advertise calls, want 1", len(ads))
	}
	want, _ := adv.Encode("ESP32_Device")
	if !bytes.Equal(ads[0].payload, want) {
		t.Errorf("advertising payload = % x, want % x", ads[0].payload, want)
	}
	if len(ads[0].payload) != 17 {
		t.Errorf("advertising payload is %d bytes, want 17", len(ads[0].payload))
	}
	if ads[0].interval != DefaultAdvertisingInterval {
		t.Errorf("interval = %v, want %v", ads[0].interval, DefaultAdvertisingInterval)
	}
	if c.State() != StateAdvertising {
		t.Errorf("State() = %v, want advertising", c.State())
	}
}

func TestNewControllerConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"empty name", func(o *Options) { o.Name = "" }},
		{"name too long", func(o *Options) { o.Name = strings.Repeat("x", adv.MaxNameLen+1) }},
		{"nil service uuid", func(o *Options) { o.Service.Service = uuid.Nil }},
		{"nil characteristic uuid", func(o *Options) { o.Service.Characteristic = uuid.Nil }},
		{"no properties", func(o *Options) { o.Service.Properties = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(nil)
			tt.modify(&opts)
			stack := newFakeStack()
			if _, err := NewController(stack, opts); err == nil {
				t.Fatal("NewController() should fail")
			}
			if stack.enabled {
				t.Error("stack enabled despite configuration error")
			}
		})
	}
}

func TestNewControllerStackErrors(t *testing.T) {
	boom := errors.New("boom")

	stack := newFakeStack()
	stack.enableErr = boom
	if _, err := NewController(stack, testOptions(nil)); !errors.Is(err, boom) {
		t.Errorf("enable failure: error = %v, want boom", err)
	}

	stack = newFakeStack()
	stack.registerErr = boom
	if _, err := NewController(stack, testOptions(nil)); !errors.Is(err, boom) {
		t.Errorf("register failure: error = %v, want boom", err)
	}

	stack = newFakeStack()
	stack.advertiseErr = boom
	if _, err := NewController(stack, testOptions(nil)); !errors.Is(err, boom) {
		t.Errorf("advertise failure: error = %v, want boom", err)
	}
}

func TestControllerConnectTransitions(t *testing.T) {
	c, stack := newTestController(t, testOptions(nil))

	stack.SimulateConnect(1)
	if c.State() != StateConnected {
		t.Errorf("State() = %v, want connected", c.State())
	}
	stack.SimulateConnect(2)
	stack.SimulateConnect(2)
	if got := c.Connections(); !slices.Equal(got, []ConnHandle{1, 2}) {
		t.Errorf("Connections() = %v, want [1 2]", got)
	}
}

func TestControllerRapidConnects(t *testing.T) {
	c, stack := newTestController(t, testOptions(nil))
	for _, h := range []ConnHandle{0xA, 0xB, 0xC} {
		stack.SimulateConnect(h)
	}
	if got := c.Connections(); len(got) != 3 {
		t.Errorf("Connections() = %v, want 3 handles", got)
	}
}

func TestControllerDisconnectOneOfTwo(t *testing.T) {
	c, stack := newTestController(t, testOptions(nil))
	stack.SimulateConnect(0xA)
	stack.SimulateConnect(0xB)

	stack.SimulateDisconnect(0xA)

	if got := c.Connections(); !slices.Equal(got, []ConnHandle{0xB}) {
		t.Fatalf("Connections() = %v, want [B]", got)
	}
	if c.State() != StateConnected {
		t.Errorf("State() = %v, want connected", c.State())
	}
	if ads := stack.advertiseCalls(); len(ads) != 2 {
		t.Errorf("got %d advertise calls, want 2 (re-armed after disconnect)", len(ads))
	}

	if err := c.Send(sensorRecord()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	calls := stack.notifyCalls()
	if len(calls) != 1 || calls[0].conn != 0xB {
		t.Errorf("notify calls = %+v, want one to B", calls)
	}
}

func TestControllerLastDisconnectReturnsToAdvertising(t *testing.T) {
	c, stack := newTestController(t, testOptions(nil))
	stack.SimulateConnect(1)
	stack.SimulateDisconnect(1)

	if c.State() != StateAdvertising {
		t.Errorf("State() = %v, want advertising", c.State())
	}
	ads := stack.advertiseCalls()
	if len(ads) != 2 {
		t.Fatalf("got %d advertise calls, want 2", len(ads))
	}
	if !bytes.Equal(ads[0].payload, ads[1].payload) {
		t.Error("re-advertised payload differs from the initial one")
	}
}

func TestControllerDuplicateDisconnect(t *testing.T) {
	c, stack := newTestController(t, testOptions(nil))
	stack.SimulateConnect(1)
	stack.SimulateDisconnect(1)
	stack.SimulateDisconnect(1)

	if n := len(c.Connections()); n != 0 {
		t.Errorf("Connections() has %d entries, want 0", n)
	}
	if c.State() != StateAdvertising {
		t.Errorf("State() = %v, want advertising", c.State())
	}
}

func TestControllerReadvertiseWhenIdle(t *testing.T) {
	opts := testOptions(nil)
	opts.Readvertise = ReadvertiseWhenIdle
	_, stack := newTestController(t, opts)

	stack.SimulateConnect(1)
	stack.SimulateConnect(2)
	stack.SimulateDisconnect(1)
	if ads := stack.advertiseCalls(); len(ads) != 1 {
		t.Errorf("got %d advertise calls with a central still connected, want 1", len(ads))
	}
	stack.SimulateDisconnect(2)
	if ads := stack.advertiseCalls(); len(ads) != 2 {
		t.Errorf("got %d advertise calls after last disconnect, want 2", len(ads))
	}
}

func TestControllerWriteSurfacesRawBytes(t *testing.T) {
	obs := &recordingObserver{}
	_, stack := newTestController(t, testOptions(obs))
	stack.SimulateConnect(7)

	h := ValueHandle(3) // first value handle of fakeStack
	stack.SimulateWrite(7, h, []byte("hello"))

	if len(obs.writes) != 1 {
		t.Fatalf("observer got %d writes, want 1", len(obs.writes))
	}
	if obs.writes[0].conn != 7 || string(obs.writes[0].value) != "hello" {
		t.Errorf("observer got (%d, %q), want (7, \"hello\")", obs.writes[0].conn, obs.writes[0].value)
	}
}

func TestControllerWriteArbitraryBytes(t *testing.T) {
	obs := &recordingObserver{}
	_, stack := newTestController(t, testOptions(obs))

	raw := []byte{0x00, 0xff, 0x10, 0x80}
	stack.SimulateWrite(1, 3, raw)

	if len(obs.writes) != 1 || !bytes.Equal(obs.writes[0].value, raw) {
		t.Errorf("observer got %+v, want % x", obs.writes, raw)
	}
}

func TestControllerWriteUnknownHandleIgnored(t *testing.T) {
	obs := &recordingObserver{}
	_, stack := newTestController(t, testOptions(obs))

	stack.SimulateWrite(1, 42, []byte("nope"))

	if len(obs.writes) != 0 {
		t.Errorf("observer got %d writes for an unknown handle, want 0", len(obs.writes))
	}
}

func TestControllerDisconnectReachesObserver(t *testing.T) {
	obs := &recordingObserver{}
	_, stack := newTestController(t, testOptions(obs))
	stack.SimulateConnect(4)
	stack.SimulateDisconnect(4)

	if len(obs.disconnects) != 1 || obs.disconnects[0] != 4 {
		t.Errorf("disconnects = %v, want [4]", obs.disconnects)
	}
}

func TestControllerWriteObserverFunc(t *testing.T) {
	var got []byte
	opts := testOptions(WriteObserverFunc(func(_ ConnHandle, v []byte) { got = v }))
	_, stack := newTestController(t, opts)

	stack.SimulateWrite(1, 3, []byte("x"))
	if string(got) != "x" {
		t.Errorf("got %q, want %q", got, "x")
	}
}

func TestControllerSendWithoutCentrals(t *testing.T) {
	c, stack := newTestController(t, testOptions(nil))
	if err := c.Send(sensorRecord()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if calls := stack.notifyCalls(); len(calls) != 0 {
		t.Errorf("got %d notify calls, want 0", len(calls))
	}
}

func TestControllerSendInvalidRecord(t *testing.T) {
	c, stack := newTestController(t, testOptions(nil))
	stack.SimulateConnect(1)

	err := c.Send(protocol.Record{"when": time.Now()})
	if !errors.Is(err, protocol.ErrInvalidRecord) {
		t.Fatalf("Send() error = %v, want ErrInvalidRecord", err)
	}
	if calls := stack.notifyCalls(); len(calls) != 0 {
		t.Errorf("got %d notify calls, want 0", len(calls))
	}
}

func TestControllerClose(t *testing.T) {
	c, stack := newTestController(t, testOptions(nil))
	stack.SimulateConnect(1)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if stack.stops != 1 {
		t.Errorf("StopAdvertising called %d times, want 1", stack.stops)
	}
	if c.State() != StateIdle {
		t.Errorf("State() = %v, want idle", c.State())
	}
	if err := c.Send(sensorRecord()); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Close error = %v, want ErrClosed", err)
	}

	stack.SimulateConnect(2)
	if got := c.Connections(); slices.Contains(got, 2) {
		t.Error("connect after Close was registered")
	}
}

func TestControllerCustomInterval(t *testing.T) {
	opts := testOptions(nil)
	opts.AdvertisingInterval = 250 * time.Millisecond
	_, stack := newTestController(t, opts)
	if ads := stack.advertiseCalls(); ads[0].interval != 250*time.Millisecond {
		t.Errorf("interval = %v, want 250ms", ads[0].interval)
	}
}

func TestParseReadvertisePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    ReadvertisePolicy
		wantErr bool
	}{
		{"", ReadvertiseAlways, false},
		{"always", ReadvertiseAlways, false},
		{"when_idle", ReadvertiseWhenIdle, false},
		{"never", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseReadvertisePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseReadvertisePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseReadvertisePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseProperties(t *testing.T) {
	p, err := ParseProperties([]string{"read", "Notify", " write "})
	if err != nil {
		t.Fatalf("ParseProperties() error = %v", err)
	}
	if p != PropRead|PropWrite|PropNotify {
		t.Errorf("ParseProperties() = %v, want read|write|notify", p)
	}
	if p.String() != "read|write|notify" {
		t.Errorf("String() = %q", p.String())
	}
	if _, err := ParseProperties([]string{"indicate"}); err == nil {
		t.Error("ParseProperties(indicate) should fail")
	}
}
