package ble

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/chaz8081/blesense/internal/ble/protocol"
)

// Channel fans a record out to every registered connection.
type Channel struct {
	stack    Stack
	registry *Registry
	value    ValueHandle
	codec    protocol.Codec

	// limits warnings for failed notifies; a stale handle fails on every send
	warn *rate.Limiter
}

// NewChannel returns a Channel that notifies value handle h on stack. A nil
// codec selects JSON.
func NewChannel(stack Stack, registry *Registry, h ValueHandle, codec protocol.Codec) *Channel {
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	return &Channel{
		stack:    stack,
		registry: registry,
		value:    h,
		codec:    codec,
		warn:     rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// NotifyAll encodes rec and sends it to every connection in the registry
// snapshot. A record that fails to encode is rejected before any notify.
// Per-connection failures are logged and skipped; delivered counts the
// connections that accepted the payload.
func (ch *Channel) NotifyAll(rec protocol.Record) (delivered int, err error) {
	payload, err := ch.codec.Encode(rec)
	if err != nil {
		return 0, fmt.Errorf("ble: encode record: %w", err)
	}

	conns := ch.registry.Snapshot()
	if len(conns) == 0 {
		return 0, nil
	}
	if b, ok := ch.stack.(Broadcaster); ok {
		b.BeginBroadcast(ch.value)
	}
	for _, conn := range conns {
		if err := ch.stack.Notify(conn, ch.value, payload); err != nil {
			ch.logFailure(conn, err)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		slog.Debug("[BLE] notified", "connections", delivered, "bytes", len(payload))
	}
	return delivered, nil
}

func (ch *Channel) logFailure(conn ConnHandle, err error) {
	if ch.warn.Allow() {
		slog.Warn("[BLE] notify failed, skipping connection", "conn", conn, "error", err)
		return
	}
	slog.Debug("[BLE] notify failed, skipping connection", "conn", conn, "error", err)
}
