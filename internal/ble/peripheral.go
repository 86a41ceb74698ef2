package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/blesense/internal/ble/adv"
	"github.com/chaz8081/blesense/internal/ble/protocol"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("ble: peripheral closed")

// State is the lifecycle state of a Controller.
type State int

const (
	StateIdle State = iota
	StateAdvertising
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAdvertising:
		return "advertising"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ReadvertisePolicy controls when advertising restarts after a disconnect.
type ReadvertisePolicy int

const (
	// ReadvertiseAlways restarts advertising after every disconnect, even
	// if other centrals are still connected.
	ReadvertiseAlways ReadvertisePolicy = iota
	// ReadvertiseWhenIdle restarts advertising only once the last central
	// has gone.
	ReadvertiseWhenIdle
)

// ParseReadvertisePolicy converts "always" or "when_idle".
func ParseReadvertisePolicy(s string) (ReadvertisePolicy, error) {
	switch s {
	case "", "always":
		return ReadvertiseAlways, nil
	case "when_idle":
		return ReadvertiseWhenIdle, nil
	default:
		return 0, fmt.Errorf("ble: unknown readvertise policy %q", s)
	}
}

// WriteObserver receives the raw bytes a central wrote to the
// characteristic.
type WriteObserver interface {
	HandleWrite(conn ConnHandle, value []byte)
}

// WriteObserverFunc adapts a function to WriteObserver.
type WriteObserverFunc func(conn ConnHandle, value []byte)

func (f WriteObserverFunc) HandleWrite(conn ConnHandle, value []byte) { f(conn, value) }

// DisconnectObserver is implemented by observers that keep per-connection
// state.
type DisconnectObserver interface {
	HandleDisconnect(conn ConnHandle)
}

// Options configures a Controller. They are fixed once the controller is
// built.
type Options struct {
	Name                string
	Service             ServiceDefinition
	AdvertisingInterval time.Duration // default 100ms
	Readvertise         ReadvertisePolicy
	Codec               protocol.Codec // default JSON
	Observer            WriteObserver  // may be nil
}

// Controller owns the connection registry and the notification channel,
// and reacts to stack events.
type Controller struct {
	stack    Stack
	opts     Options
	registry *Registry
	channel  *Channel

	sendMu sync.Mutex // serialises Send so notify loops never interleave

	mu     sync.Mutex
	state  State
	value  ValueHandle
	closed bool
}

// NewController enables the stack, registers the service and starts
// advertising. Errors are configuration or driver failures and leave no
// usable peripheral behind.
func NewController(stack Stack, opts Options) (*Controller, error) {
	if stack == nil {
		return nil, errors.New("ble: nil stack")
	}
	if _, err := adv.Encode(opts.Name); err != nil {
		return nil, fmt.Errorf("ble: advertising name: %w", err)
	}
	if err := opts.Service.validate(); err != nil {
		return nil, err
	}
	if opts.AdvertisingInterval <= 0 {
		opts.AdvertisingInterval = DefaultAdvertisingInterval
	}
	if opts.Codec == nil {
		opts.Codec = protocol.JSONCodec{}
	}

	c := &Controller{
		stack:    stack,
		opts:     opts,
		registry: NewRegistry(),
	}

	stack.SetEventHandler(c.handleEvent)
	if err := stack.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	h, err := stack.RegisterService(opts.Service)
	if err != nil {
		return nil, fmt.Errorf("ble: register service: %w", err)
	}
	c.mu.Lock()
	c.value = h
	c.mu.Unlock()
	c.channel = NewChannel(stack, c.registry, h, opts.Codec)

	if err := c.advertise(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.state == StateIdle {
		c.state = StateAdvertising
	}
	c.mu.Unlock()

	slog.Info("[BLE] advertising", "name", opts.Name,
		"service", opts.Service.Service, "characteristic", opts.Service.Characteristic,
		"properties", opts.Service.Properties, "interval", opts.AdvertisingInterval)
	return c, nil
}

// Send notifies every connected central with rec. With no central
// connected it does nothing. A record that cannot be encoded is rejected
// before anything is sent.
func (c *Controller) Send(rec protocol.Record) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	_, err := c.channel.NotifyAll(rec)
	return err
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connections returns the handles of the connected centrals.
func (c *Controller) Connections() []ConnHandle {
	return c.registry.Snapshot()
}

// Close stops advertising. Later stack events are ignored and Send returns
// ErrClosed.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateIdle
	c.mu.Unlock()

	if n := c.registry.Len(); n > 0 {
		slog.Warn("[BLE] closing with connected centrals", "count", n)
	}
	if err := c.stack.StopAdvertising(); err != nil {
		return fmt.Errorf("ble: stop advertising: %w", err)
	}
	return nil
}

func (c *Controller) handleEvent(ev Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	switch ev.Kind {
	case EventConnect:
		c.onConnect(ev.Conn)
	case EventDisconnect:
		c.onDisconnect(ev.Conn)
	case EventWrite:
		c.onWrite(ev.Conn, ev.Value)
	default:
		slog.Debug("[BLE] ignoring event", "kind", ev.Kind, "conn", ev.Conn)
	}
}

func (c *Controller) onConnect(conn ConnHandle) {
	c.mu.Lock()
	added := c.registry.Add(conn)
	c.state = StateConnected
	n := c.registry.Len()
	c.mu.Unlock()

	if !added {
		slog.Debug("[BLE] duplicate connect", "conn", conn)
		return
	}
	slog.Info("[BLE] central connected", "conn", conn, "connections", n)
}

func (c *Controller) onDisconnect(conn ConnHandle) {
	c.mu.Lock()
	removed := c.registry.Remove(conn)
	n := c.registry.Len()
	if n == 0 {
		c.state = StateAdvertising
	}
	c.mu.Unlock()

	if removed {
		slog.Info("[BLE] central disconnected", "conn", conn, "connections", n)
	} else {
		slog.Debug("[BLE] disconnect for unknown connection", "conn", conn)
	}

	if obs, ok := c.opts.Observer.(DisconnectObserver); ok {
		obs.HandleDisconnect(conn)
	}

	// A connection stops advertising on most controllers, so it has to be
	// restarted for new centrals to find us.
	if c.opts.Readvertise == ReadvertiseWhenIdle && n > 0 {
		return
	}
	if err := c.advertise(); err != nil {
		slog.Error("[BLE] restart advertising failed", "error", err)
	}
}

func (c *Controller) onWrite(conn ConnHandle, h ValueHandle) {
	c.mu.Lock()
	value := c.value
	c.mu.Unlock()

	if h != value {
		slog.Debug("[BLE] write to unknown handle", "conn", conn, "handle", h)
		return
	}
	data, err := c.stack.Read(h)
	if err != nil {
		slog.Warn("[BLE] read written value failed", "conn", conn, "handle", h, "error", err)
		return
	}
	slog.Debug("[BLE] write received", "conn", conn, "bytes", len(data))
	if c.opts.Observer != nil {
		c.opts.Observer.HandleWrite(conn, data)
	}
}

// advertise re-encodes the payload from the configured name and restarts
// advertising.
func (c *Controller) advertise() error {
	payload, err := adv.Encode(c.opts.Name)
	if err != nil {
		return fmt.Errorf("ble: advertising name: %w", err)
	}
	if err := c.stack.Advertise(c.opts.AdvertisingInterval, payload); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}
	return nil
}
