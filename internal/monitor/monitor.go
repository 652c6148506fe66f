// Package monitor samples CPU, memory, battery and temperature on a fixed interval
// and pushes every sample to registered subscribers.
//
// Subscribers run synchronously on the monitor goroutine, in registration order.
// A slow subscriber delays the next tick, so OnSample must not block indefinitely.
// A subscriber that returns an error or panics is logged and skipped; the loop keeps going.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/andresmejia3/stylizer/internal/logger"
	"github.com/andresmejia3/stylizer/internal/types"
)

const (
	DefaultInterval    = time.Second
	DefaultStopTimeout = 2 * time.Second
)

// ErrStopTimeout is returned by Stop when the sampling goroutine did not exit within the stop timeout.
var ErrStopTimeout = errors.New("monitor: sampling loop did not stop in time")

// ErrBusy is returned by Start while a loop that timed out in Stop is still inside a subscriber.
var ErrBusy = errors.New("monitor: previous sampling loop has not exited")

// Sampler reads the raw system metrics. Any method may fail independently.
type Sampler interface {
	CPUPercent() (float64, error)
	MemoryPercent() (float64, error)
	BatteryPercent() (float64, error)
	PeakTemperature() (float64, error)
}

// Subscriber receives every sample.
type Subscriber interface {
	OnSample(s types.PerformanceSample) error
}

// SubscriberFunc adapts a plain function to Subscriber.
type SubscriberFunc func(s types.PerformanceSample) error

func (f SubscriberFunc) OnSample(s types.PerformanceSample) error { return f(s) }

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithStopTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.stopTimeout = d
		}
	}
}

func WithSampler(s Sampler) Option {
	return func(m *Monitor) {
		if s != nil {
			m.sampler = s
		}
	}
}

type Monitor struct {
	interval    time.Duration
	stopTimeout time.Duration
	sampler     Sampler
	log         logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	subMu  sync.RWMutex
	subIDs []string
	subs   map[string]Subscriber

	// sampleMu serializes read-modify-write of latest between the loop and Refresh
	sampleMu sync.Mutex
	latestMu sync.RWMutex
	latest   types.PerformanceSample
}

// New returns a stopped monitor. Without WithSampler it reads the live system.
func New(log logger.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		interval:    DefaultInterval,
		stopTimeout: DefaultStopTimeout,
		sampler:     SystemSampler{},
		log:         log,
		subs:        make(map[string]Subscriber),
		// battery starts full until a battery is actually found
		latest: types.PerformanceSample{Battery: 100},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the sampling goroutine. It is a no-op if already running.
// If an earlier Stop timed out, Start waits up to the stop timeout for that
// loop to exit and returns ErrBusy if it is still stuck, so subscribers are
// never invoked from two loops at once.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	if m.done != nil {
		select {
		case <-m.done:
		case <-time.After(m.stopTimeout):
			return ErrBusy
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.loop(ctx, m.done)
	m.log.Debugf("monitor: started (interval %s)", m.interval)
	return nil
}

// Stop cancels the sampling goroutine and waits for it up to the stop timeout.
// Safe to call when not running.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		m.log.Debugf("monitor: stopped")
		return nil
	case <-time.After(m.stopTimeout):
		m.log.Warnf("monitor: sampling loop still busy after %s", m.stopTimeout)
		return ErrStopTimeout
	}
}

// Running reports whether the sampling goroutine is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Subscribe registers s under id. A duplicate id is a no-op and returns false.
func (m *Monitor) Subscribe(id string, s Subscriber) bool {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if _, exists := m.subs[id]; exists || s == nil {
		return false
	}
	m.subs[id] = s
	m.subIDs = append(m.subIDs, id)
	return true
}

// Unsubscribe removes id. It returns false if id was not registered.
func (m *Monitor) Unsubscribe(id string) bool {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if _, exists := m.subs[id]; !exists {
		return false
	}
	delete(m.subs, id)
	for i, sid := range m.subIDs {
		if sid == id {
			m.subIDs = append(m.subIDs[:i], m.subIDs[i+1:]...)
			break
		}
	}
	return true
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() types.PerformanceSample {
	m.latestMu.RLock()
	defer m.latestMu.RUnlock()
	return m.latest
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.tick()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick takes one sample, stores it and publishes it.
func (m *Monitor) tick() {
	m.publish(m.Refresh())
}

// Refresh takes one sample on the caller's goroutine and stores it as the
// latest, without notifying subscribers. Use it to seed decisions before the
// first tick arrives.
func (m *Monitor) Refresh() types.PerformanceSample {
	m.sampleMu.Lock()
	defer m.sampleMu.Unlock()

	s := m.Latest()

	if v, err := m.sampler.CPUPercent(); err == nil {
		s.CPU = v
	} else {
		m.log.Debugf("monitor: cpu usage unavailable: %v", err)
	}
	if v, err := m.sampler.MemoryPercent(); err == nil {
		s.Memory = v
	} else {
		m.log.Debugf("monitor: memory usage unavailable: %v", err)
	}
	if v, err := m.sampler.BatteryPercent(); err == nil {
		s.Battery = v
	}
	if v, err := m.sampler.PeakTemperature(); err == nil {
		s.Temperature = v
	}

	m.latestMu.Lock()
	m.latest = s
	m.latestMu.Unlock()
	return s
}

func (m *Monitor) publish(s types.PerformanceSample) {
	m.subMu.RLock()
	ids := make([]string, len(m.subIDs))
	copy(ids, m.subIDs)
	subs := make([]Subscriber, len(ids))
	for i, id := range ids {
		subs[i] = m.subs[id]
	}
	m.subMu.RUnlock()

	for i, sub := range subs {
		m.notify(ids[i], sub, s)
	}
}

func (m *Monitor) notify(id string, sub Subscriber, s types.PerformanceSample) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorf("monitor: subscriber %q panicked: %v", id, r)
		}
	}()
	if err := sub.OnSample(s); err != nil {
		m.log.Warnf("monitor: subscriber %q failed: %v", id, err)
	}
}
