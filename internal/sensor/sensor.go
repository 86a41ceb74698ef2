// Package sensor produces the records the peripheral streams to connected
// centrals: a Sensor yields one record per sample and a Sampler drives it on
// a cron schedule.
package sensor

import (
	"sync"

	"github.com/chaz8081/blesense/internal/ble/protocol"
)

// Sensor yields one record per call.
type Sensor interface {
	Sample() (protocol.Record, error)
}

// Starting readings of the simulated sensor.
const (
	SimulatedTemperature = 25.3
	SimulatedHumidity    = 60.5
	SimulatedStatus      = "active"
)

// Per-sample drift of the simulated sensor.
const (
	temperatureStep = 0.1
	humidityStep    = -0.2
)

// Simulated is a Sensor whose temperature rises by 0.1 and humidity falls by
// 0.2 on every sample. Readings drift before they are reported, so the first
// sample is already one step away from the starting values.
type Simulated struct {
	mu          sync.Mutex
	temperature float64
	humidity    float64
	status      string
}

var _ Sensor = (*Simulated)(nil)

// NewSimulated creates a Simulated sensor at the starting readings.
func NewSimulated() *Simulated {
	return &Simulated{
		temperature: SimulatedTemperature,
		humidity:    SimulatedHumidity,
		status:      SimulatedStatus,
	}
}

// Sample advances the readings one step and returns them.
func (s *Simulated) Sample() (protocol.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.temperature += temperatureStep
	s.humidity += humidityStep

	return protocol.Record{
		"temperature": s.temperature,
		"humidity":    s.humidity,
		"status":      s.status,
	}, nil
}
