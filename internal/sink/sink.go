// Package sink consumes the bytes centrals write to the peripheral's
// characteristic.
package sink

import (
	"log/slog"
	"unicode/utf8"

	"github.com/chaz8081/blesense/internal/ble"
)

// Observer is the combined interface the controller recognises.
type Observer interface {
	ble.WriteObserver
	ble.DisconnectObserver
}

// Logger logs every write it sees.
type Logger struct{}

var _ ble.WriteObserver = Logger{}

// HandleWrite logs the size of every write. The written text is only logged
// at debug level since provisioning writes carry passwords.
func (Logger) HandleWrite(conn ble.ConnHandle, value []byte) {
	slog.Info("[SINK] write received", "conn", conn, "bytes", len(value))
	if utf8.Valid(value) {
		slog.Debug("[SINK] write contents", "conn", conn, "text", string(value))
	}
}

// Fanout delivers every event to each observer in order.
type Fanout []ble.WriteObserver

var _ Observer = Fanout(nil)

// NewFanout drops nil observers.
func NewFanout(observers ...ble.WriteObserver) Fanout {
	f := make(Fanout, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			f = append(f, o)
		}
	}
	return f
}

// HandleWrite passes the same bytes to every observer.
func (f Fanout) HandleWrite(conn ble.ConnHandle, value []byte) {
	for _, o := range f {
		o.HandleWrite(conn, value)
	}
}

// HandleDisconnect forwards to observers that track connections.
func (f Fanout) HandleDisconnect(conn ble.ConnHandle) {
	for _, o := range f {
		if d, ok := o.(ble.DisconnectObserver); ok {
			d.HandleDisconnect(conn)
		}
	}
}
