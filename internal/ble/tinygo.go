package ble

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/blesense/internal/ble/adv"
)

// TinyGoStack implements Stack on top of tinygo-org/bluetooth (BlueZ on
// Linux, CoreBluetooth on macOS, SoftDevice on nRF boards).
type TinyGoStack struct {
	adapter *bluetooth.Adapter

	mu       sync.Mutex
	handler  func(Event)
	byAddr   map[string]ConnHandle
	byHandle map[ConnHandle]string
	nextConn ConnHandle
	attrs    []*tinyGoAttr // index is ValueHandle-1
	services []bluetooth.UUID

	advert     *bluetooth.Advertisement
	advPayload []byte
	advertised bool
}

type tinyGoAttr struct {
	char    bluetooth.Characteristic
	write   func(p []byte) (int, error) // sends a notification
	written []byte                      // last value written by a central
	gate    notifyGate
}

// NewTinyGoStack wraps the platform default adapter.
func NewTinyGoStack() *TinyGoStack {
	return &TinyGoStack{
		adapter:  bluetooth.DefaultAdapter,
		byAddr:   make(map[string]ConnHandle),
		byHandle: make(map[ConnHandle]string),
	}
}

// Compile-time checks that TinyGoStack implements Stack and Broadcaster.
var (
	_ Stack       = (*TinyGoStack)(nil)
	_ Broadcaster = (*TinyGoStack)(nil)
)

func (s *TinyGoStack) SetEventHandler(h func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *TinyGoStack) Enable() error {
	// The connect handler has to be in place before the SoftDevice starts.
	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addr := device.Address.String()
		if connected {
			s.dispatch(Event{Kind: EventConnect, Conn: s.connect(addr)})
			return
		}
		if conn, ok := s.disconnect(addr); ok {
			s.dispatch(Event{Kind: EventDisconnect, Conn: conn})
		}
	})
	return s.adapter.Enable()
}

func (s *TinyGoStack) RegisterService(def ServiceDefinition) (ValueHandle, error) {
	svcUUID, err := bluetooth.ParseUUID(def.Service.String())
	if err != nil {
		return 0, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	charUUID, err := bluetooth.ParseUUID(def.Characteristic.String())
	if err != nil {
		return 0, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	attr := &tinyGoAttr{}
	attr.write = func(p []byte) (int, error) { return attr.char.Write(p) }
	s.mu.Lock()
	s.attrs = append(s.attrs, attr)
	h := ValueHandle(len(s.attrs))
	s.mu.Unlock()

	var flags bluetooth.CharacteristicPermissions
	if def.Properties&PropRead != 0 {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if def.Properties&PropWrite != 0 {
		flags |= bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if def.Properties&PropNotify != 0 {
		flags |= bluetooth.CharacteristicNotifyPermission
	}

	err = s.adapter.AddService(&bluetooth.Service{
		UUID: svcUUID,
		Characteristics: []bluetooth.CharacteristicConfig{{
			Handle: &attr.char,
			UUID:   charUUID,
			Flags:  flags,
			WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
				s.store(h, offset, value)
				s.dispatch(Event{Kind: EventWrite, Conn: s.attribute(client), Value: h})
			},
		}},
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.services = append(s.services, svcUUID)
	s.mu.Unlock()
	return h, nil
}

// Advertise parses the payload back into advertisement options because
// tinygo does not accept raw advertising data. The advertisement can only
// be configured once; later calls restart it.
func (s *TinyGoStack) Advertise(interval time.Duration, payload []byte) error {
	p, err := adv.Parse(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.advert == nil {
		a := s.adapter.DefaultAdvertisement()
		err := a.Configure(bluetooth.AdvertisementOptions{
			LocalName:    p.LocalName,
			ServiceUUIDs: s.services,
			Interval:     bluetooth.NewDuration(interval),
		})
		if err != nil {
			return fmt.Errorf("ble: configure advertisement: %w", err)
		}
		s.advert = a
		s.advPayload = bytes.Clone(payload)
	} else if !bytes.Equal(s.advPayload, payload) {
		return fmt.Errorf("ble: advertisement already configured for %q", p.LocalName)
	}

	if s.advertised {
		// BlueZ refuses to register the same advertisement twice.
		_ = s.advert.Stop()
	}
	if err := s.advert.Start(); err != nil {
		return err
	}
	s.advertised = true
	return nil
}

func (s *TinyGoStack) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advert == nil || !s.advertised {
		return nil
	}
	s.advertised = false
	return s.advert.Stop()
}

// BeginBroadcast starts a new send on h, so the next Notify writes again.
func (s *TinyGoStack) BeginBroadcast(h ValueHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attr, err := s.attr(h); err == nil {
		attr.gate.reset()
	}
}

// Notify writes the characteristic value. tinygo broadcasts a value write
// to every subscribed central, so the first Notify of a send goes out and
// the calls for the other connections of the same send are absorbed. The
// value centrals wrote is kept apart and is not changed by Notify.
func (s *TinyGoStack) Notify(conn ConnHandle, h ValueHandle, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byHandle[conn]; !ok {
		return fmt.Errorf("ble: connection %d is not connected", conn)
	}
	attr, err := s.attr(h)
	if err != nil {
		return err
	}
	if !attr.gate.admit(conn, payload, s.byHandle) {
		return nil
	}
	if _, err := attr.write(payload); err != nil {
		attr.gate.reset()
		return fmt.Errorf("ble: write characteristic: %w", err)
	}
	return nil
}

func (s *TinyGoStack) Read(h ValueHandle) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attr, err := s.attr(h)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(attr.written), nil
}

// attr returns the attribute for h. Caller must hold mu.
func (s *TinyGoStack) attr(h ValueHandle) (*tinyGoAttr, error) {
	if h == 0 || int(h) > len(s.attrs) {
		return nil, fmt.Errorf("ble: unknown value handle %d", h)
	}
	return s.attrs[h-1], nil
}

// store applies a (possibly offset) write to the value at h.
func (s *TinyGoStack) store(h ValueHandle, offset int, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attr, err := s.attr(h)
	if err != nil {
		return
	}
	if offset <= 0 {
		attr.written = bytes.Clone(value)
		return
	}
	if offset > len(attr.written) {
		offset = len(attr.written)
	}
	attr.written = append(attr.written[:offset:offset], value...)
}

// connect allocates a handle for a newly connected peer, reusing the
// existing one if the stack reports the same peer twice.
func (s *TinyGoStack) connect(addr string) ConnHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.byAddr[addr]; ok {
		return h
	}
	for {
		s.nextConn++
		if s.nextConn == 0 {
			continue
		}
		if _, used := s.byHandle[s.nextConn]; !used {
			break
		}
	}
	h := s.nextConn
	s.byAddr[addr] = h
	s.byHandle[h] = addr
	return h
}

func (s *TinyGoStack) disconnect(addr string) (ConnHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byAddr[addr]
	if !ok {
		return 0, false
	}
	delete(s.byAddr, addr)
	delete(s.byHandle, h)
	return h, true
}

// attribute maps the connection reported with a write to one of our
// handles. BlueZ does not say which central wrote, so with a single
// central connected the write is attributed to it.
func (s *TinyGoStack) attribute(client bluetooth.Connection) ConnHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.byHandle) == 1 {
		for h := range s.byHandle {
			return h
		}
	}
	return ConnHandle(client)
}

func (s *TinyGoStack) dispatch(ev Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		slog.Debug("[BLE] no event handler installed", "kind", ev.Kind)
		return
	}
	h(ev)
}

// notifyGate absorbs the per-connection notifies that a broadcast write
// already served. It is reset at the start of every send.
type notifyGate struct {
	last    []byte
	pending map[ConnHandle]bool // connected at this send's broadcast, not yet asked
}

// admit reports whether payload has to be written for conn. A write
// reaches every central in connected, so within one send their notifies
// for the same payload are absorbed.
func (g *notifyGate) admit(conn ConnHandle, payload []byte, connected map[ConnHandle]string) bool {
	if g.pending[conn] && bytes.Equal(g.last, payload) {
		delete(g.pending, conn)
		return false
	}
	g.last = bytes.Clone(payload)
	g.pending = make(map[ConnHandle]bool, len(connected))
	for h := range connected {
		if h != conn {
			g.pending[h] = true
		}
	}
	return true
}

func (g *notifyGate) reset() {
	g.last = nil
	g.pending = nil
}
