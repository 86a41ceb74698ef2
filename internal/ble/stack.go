// Package ble implements a BLE GATT peripheral: it advertises one service,
// tracks connected centrals, fans sensor records out to them as
// notifications and surfaces characteristic writes to observers.
package ble

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Nordic UART Service UUIDs, used by the web console.
const (
	ServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	CharUUID    = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
)

// DefaultAdvertisingInterval is used when Options leaves the interval unset.
const DefaultAdvertisingInterval = 100 * time.Millisecond

// ConnHandle identifies a central connection. It is assigned by the stack
// and is only valid while the central is connected.
type ConnHandle uint16

// ValueHandle is the attribute handle of a characteristic value.
type ValueHandle uint16

// Property is a set of characteristic properties.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropNotify
)

func (p Property) String() string {
	var parts []string
	if p&PropRead != 0 {
		parts = append(parts, "read")
	}
	if p&PropWrite != 0 {
		parts = append(parts, "write")
	}
	if p&PropNotify != 0 {
		parts = append(parts, "notify")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseProperties converts flag names ("read", "write", "notify").
func ParseProperties(names []string) (Property, error) {
	var p Property
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "read":
			p |= PropRead
		case "write":
			p |= PropWrite
		case "notify":
			p |= PropNotify
		default:
			return 0, fmt.Errorf("ble: unknown characteristic flag %q", n)
		}
	}
	return p, nil
}

// ServiceDefinition describes the single service and characteristic the
// peripheral exposes.
type ServiceDefinition struct {
	Service        uuid.UUID
	Characteristic uuid.UUID
	Properties     Property
}

// DefaultServiceDefinition returns the Nordic UART layout with read, write
// and notify enabled.
func DefaultServiceDefinition() ServiceDefinition {
	return ServiceDefinition{
		Service:        uuid.MustParse(ServiceUUID),
		Characteristic: uuid.MustParse(CharUUID),
		Properties:     PropRead | PropWrite | PropNotify,
	}
}

func (d ServiceDefinition) validate() error {
	if d.Service == uuid.Nil {
		return fmt.Errorf("ble: service UUID must be set")
	}
	if d.Characteristic == uuid.Nil {
		return fmt.Errorf("ble: characteristic UUID must be set")
	}
	if d.Properties == 0 {
		return fmt.Errorf("ble: characteristic needs at least one property")
	}
	return nil
}

// EventKind is the type of a stack event.
type EventKind int

const (
	EventConnect EventKind = iota + 1
	EventDisconnect
	EventWrite
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventWrite:
		return "write"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is raised by a Stack. Value is only set for EventWrite.
type Event struct {
	Kind  EventKind
	Conn  ConnHandle
	Value ValueHandle
}

// Stack abstracts the radio driver so the peripheral can be tested with a
// fake.
type Stack interface {
	// Enable powers on the adapter.
	Enable() error
	// SetEventHandler installs the callback for connect, disconnect and
	// write events. It must be called before Enable.
	SetEventHandler(h func(Event))
	// RegisterService adds the GATT service and returns the value handle
	// of its characteristic.
	RegisterService(def ServiceDefinition) (ValueHandle, error)
	// Advertise (re)starts advertising payload every interval.
	Advertise(interval time.Duration, payload []byte) error
	// StopAdvertising stops advertising.
	StopAdvertising() error
	// Notify pushes payload for value handle h to one central.
	Notify(conn ConnHandle, h ValueHandle, payload []byte) error
	// Read returns the value a central last wrote to h.
	Read(h ValueHandle) ([]byte, error)
}

// Broadcaster is implemented by stacks whose Notify reaches every
// subscribed central at once. BeginBroadcast is called before each fan-out
// of one payload over h.
type Broadcaster interface {
	BeginBroadcast(h ValueHandle)
}
