package sensor

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/chaz8081/blesense/internal/ble/protocol"
)

// SendFunc delivers one record, typically ble.Controller.Send.
type SendFunc func(protocol.Record) error

// scheduleParser accepts standard five-field specs, an optional leading
// seconds field, and descriptors such as "@every 5s".
var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Sampler reads a Sensor on a cron schedule and hands each record to a
// SendFunc. A tick that is still sending when the next one fires causes the
// next one to be skipped.
type Sampler struct {
	sensor Sensor
	send   SendFunc
	c      *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewSampler creates a Sampler. It fails if schedule does not parse.
func NewSampler(schedule string, s Sensor, send SendFunc) (*Sampler, error) {
	if s == nil {
		return nil, fmt.Errorf("sensor: nil sensor")
	}
	if send == nil {
		return nil, fmt.Errorf("sensor: nil send func")
	}
	sched, err := scheduleParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("sensor: parse schedule %q: %w", schedule, err)
	}

	sm := &Sampler{sensor: s, send: send}
	sm.c = cron.New(
		cron.WithParser(scheduleParser),
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{})),
	)
	sm.c.Schedule(sched, cron.FuncJob(func() {
		if err := sm.Tick(); err != nil {
			slog.Warn("[SENSOR] tick failed", "error", err)
		}
	}))
	return sm, nil
}

// Start begins running ticks in the background. Calling Start on a running
// Sampler does nothing.
func (sm *Sampler) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.running {
		return
	}
	sm.running = true
	sm.c.Start()
	slog.Info("[SENSOR] sampler started")
}

// Stop halts the schedule and waits for an in-flight tick to finish.
func (sm *Sampler) Stop() {
	sm.mu.Lock()
	if !sm.running {
		sm.mu.Unlock()
		return
	}
	sm.running = false
	sm.mu.Unlock()

	<-sm.c.Stop().Done()
	slog.Info("[SENSOR] sampler stopped")
}

// Tick takes one sample and sends it.
func (sm *Sampler) Tick() error {
	rec, err := sm.sensor.Sample()
	if err != nil {
		return fmt.Errorf("sensor: sample: %w", err)
	}
	if err := sm.send(rec); err != nil {
		return fmt.Errorf("sensor: send: %w", err)
	}
	slog.Debug("[SENSOR] sample sent", "keys", rec.Keys())
	return nil
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct{}

var _ cron.Logger = cronLogger{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("[SENSOR] cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("[SENSOR] cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
