package monitor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/stylizer/internal/logger"
	"github.com/andresmejia3/stylizer/internal/types"
	"github.com/distatus/battery"
	"github.com/shirou/gopsutil/host"
)

// fakeSampler returns fixed readings. A non-nil error makes that reading unavailable.
type fakeSampler struct {
	mu         sync.Mutex
	cpu, mem   float64
	batt, temp float64
	battErr    error
	tempErr    error
}

func (f *fakeSampler) CPUPercent() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cpu, nil
}

func (f *fakeSampler) MemoryPercent() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mem, nil
}

func (f *fakeSampler) BatteryPercent() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batt, f.battErr
}

func (f *fakeSampler) PeakTemperature() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.temp, f.tempErr
}

func (f *fakeSampler) set(fn func(f *fakeSampler)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func TestTickOverwritesLatest(t *testing.T) {
	s := &fakeSampler{cpu: 42, mem: 55, batt: 80, temp: 61}
	m := New(logger.NewNop(), WithSampler(s))

	if got := m.Latest(); got.Battery != 100 || got.CPU != 0 {
		t.Fatalf("initial sample = %+v, want battery 100 and zero load", got)
	}

	m.tick()
	want := types.PerformanceSample{CPU: 42, Memory: 55, Battery: 80, Temperature: 61}
	if got := m.Latest(); got != want {
		t.Errorf("Latest() = %+v, want %+v", got, want)
	}
}

func TestTickRetainsUnavailableReadings(t *testing.T) {
	s := &fakeSampler{cpu: 10, mem: 20, batt: 50, temp: 65}
	m := New(logger.NewNop(), WithSampler(s))
	m.tick()

	s.set(func(f *fakeSampler) {
		f.cpu = 30
		f.battErr = errors.New("no battery")
		f.tempErr = errors.New("no sensors")
		f.batt = 0
		f.temp = 0
	})
	m.tick()

	got := m.Latest()
	if got.CPU != 30 {
		t.Errorf("CPU = %v, want 30", got.CPU)
	}
	if got.Battery != 50 {
		t.Errorf("Battery = %v, want previous value 50", got.Battery)
	}
	if got.Temperature != 65 {
		t.Errorf("Temperature = %v, want previous value 65", got.Temperature)
	}
}

func TestSubscriberFailuresAreIsolated(t *testing.T) {
	m := New(logger.NewNop(), WithSampler(&fakeSampler{cpu: 5}))

	var order []string
	m.Subscribe("failing", SubscriberFunc(func(types.PerformanceSample) error {
		order = append(order, "failing")
		return errors.New("boom")
	}))
	m.Subscribe("panicking", SubscriberFunc(func(types.PerformanceSample) error {
		order = append(order, "panicking")
		panic("subscriber bug")
	}))
	m.Subscribe("healthy", SubscriberFunc(func(s types.PerformanceSample) error {
		order = append(order, "healthy")
		if s.CPU != 5 {
			t.Errorf("healthy subscriber saw CPU %v, want 5", s.CPU)
		}
		return nil
	}))

	m.tick()

	want := []string{"failing", "panicking", "healthy"}
	if len(order) != len(want) {
		t.Fatalf("called %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	m := New(logger.NewNop(), WithSampler(&fakeSampler{}))

	var calls int
	sub := SubscriberFunc(func(types.PerformanceSample) error { calls++; return nil })

	if !m.Subscribe("a", sub) {
		t.Fatal("first Subscribe should register")
	}
	if m.Subscribe("a", sub) {
		t.Error("duplicate Subscribe should be a no-op")
	}
	m.tick()
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (duplicate must not double-deliver)", calls)
	}

	if !m.Unsubscribe("a") {
		t.Error("Unsubscribe should report removal")
	}
	if m.Unsubscribe("a") {
		t.Error("second Unsubscribe should report nothing removed")
	}
	m.tick()
	if calls != 1 {
		t.Errorf("calls = %d after unsubscribe, want 1", calls)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	m := New(logger.NewNop(), WithSampler(&fakeSampler{cpu: 1}), WithInterval(10*time.Millisecond))

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop on a stopped monitor: %v", err)
	}

	var ticks atomic.Int32
	m.Subscribe("count", SubscriberFunc(func(types.PerformanceSample) error {
		ticks.Add(1)
		return nil
	}))

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(); err != nil { // idempotent
		t.Fatalf("second Start: %v", err)
	}
	if !m.Running() {
		t.Fatal("monitor should be running")
	}

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ticks.Load() < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", ticks.Load())
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.Running() {
		t.Error("monitor should not be running after Stop")
	}

	after := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	if ticks.Load() != after {
		t.Errorf("ticks kept arriving after Stop: %d -> %d", after, ticks.Load())
	}
}

func TestStopTimesOutOnStuckSubscriber(t *testing.T) {
	m := New(logger.NewNop(),
		WithSampler(&fakeSampler{}),
		WithInterval(time.Millisecond),
		WithStopTimeout(50*time.Millisecond),
	)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	m.Subscribe("stuck", SubscriberFunc(func(types.PerformanceSample) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	}))

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	<-entered

	if err := m.Stop(); !errors.Is(err, ErrStopTimeout) {
		t.Errorf("Stop() = %v, want ErrStopTimeout", err)
	}
	close(release)
}

func TestStartWaitsForStuckLoop(t *testing.T) {
	m := New(logger.NewNop(),
		WithSampler(&fakeSampler{}),
		WithInterval(time.Millisecond),
		WithStopTimeout(30*time.Millisecond),
	)

	var active, overlap atomic.Int32
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	m.Subscribe("slow", SubscriberFunc(func(types.PerformanceSample) error {
		if active.Add(1) > 1 {
			overlap.Add(1)
		}
		defer active.Add(-1)
		select {
		case entered <- struct{}{}:
			<-release
		default:
		}
		return nil
	}))

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	<-entered
	if err := m.Stop(); !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("Stop() = %v, want ErrStopTimeout", err)
	}

	// the first loop is still inside the subscriber
	if err := m.Start(); !errors.Is(err, ErrBusy) {
		t.Fatalf("Start() = %v, want ErrBusy", err)
	}
	if m.Running() {
		t.Fatal("a refused Start must not mark the monitor running")
	}

	close(release)
	if err := m.Start(); err != nil {
		t.Fatalf("Start after the old loop exited: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if overlap.Load() != 0 {
		t.Errorf("subscriber was invoked from two loops at once %d times", overlap.Load())
	}
}

func TestRefreshDoesNotNotify(t *testing.T) {
	m := New(logger.NewNop(), WithSampler(&fakeSampler{cpu: 93, mem: 20, batt: 60, temp: 50}))

	var calls int
	m.Subscribe("count", SubscriberFunc(func(types.PerformanceSample) error {
		calls++
		return nil
	}))

	got := m.Refresh()
	if got.CPU != 93 || got.Battery != 60 {
		t.Errorf("Refresh() = %+v", got)
	}
	if m.Latest() != got {
		t.Errorf("Latest() = %+v, want %+v", m.Latest(), got)
	}
	if calls != 0 {
		t.Errorf("subscribers called %d times, want 0", calls)
	}
}

func TestPeakTemperature(t *testing.T) {
	peak, ok := peakTemperature([]host.TemperatureStat{
		{SensorKey: "coretemp_core0", Temperature: 55},
		{SensorKey: "coretemp_core1", Temperature: 81},
		{SensorKey: "acpitz", Temperature: 40},
	})
	if !ok || peak != 81 {
		t.Errorf("peakTemperature = %v, %v; want 81, true", peak, ok)
	}

	if _, ok := peakTemperature(nil); ok {
		t.Error("no sensors should report unavailable")
	}
}

func TestChargeLevel(t *testing.T) {
	level, ok := chargeLevel([]*battery.Battery{
		{Current: 30, Full: 50},
		nil,
		{Current: 20, Full: 50},
	})
	if !ok || level != 50 {
		t.Errorf("chargeLevel = %v, %v; want 50, true", level, ok)
	}

	if _, ok := chargeLevel([]*battery.Battery{{Current: 10, Full: 0}}); ok {
		t.Error("battery without capacity should report unavailable")
	}
}
