package adaptive

import (
	"sync"
	"testing"

	"github.com/andresmejia3/stylizer/internal/logger"
	"github.com/andresmejia3/stylizer/internal/monitor"
	"github.com/andresmejia3/stylizer/internal/types"
)

func TestModeFor(t *testing.T) {
	tests := []struct {
		name string
		s    types.PerformanceSample
		want types.QualityMode
	}{
		{"cpu saturated", types.PerformanceSample{CPU: 95, Memory: 10, Battery: 100, Temperature: 30}, types.QualityLow},
		{"memory saturated", types.PerformanceSample{CPU: 10, Memory: 90, Battery: 100, Temperature: 30}, types.QualityLow},
		{"overheating", types.PerformanceSample{CPU: 10, Memory: 10, Battery: 100, Temperature: 80}, types.QualityLow},
		{"low battery", types.PerformanceSample{CPU: 50, Memory: 50, Battery: 15, Temperature: 30}, types.QualityMedium},
		{"battery exactly 20", types.PerformanceSample{CPU: 10, Memory: 10, Battery: 20, Temperature: 30}, types.QualityMedium},
		{"busy cpu", types.PerformanceSample{CPU: 70, Memory: 10, Battery: 100, Temperature: 30}, types.QualityMedium},
		{"warm", types.PerformanceSample{CPU: 10, Memory: 10, Battery: 100, Temperature: 70}, types.QualityMedium},
		{"idle", types.PerformanceSample{CPU: 10, Memory: 10, Battery: 100, Temperature: 20}, types.QualityHigh},
		{"low beats medium", types.PerformanceSample{CPU: 91, Memory: 75, Battery: 5, Temperature: 75}, types.QualityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ModeFor(tt.s); got != tt.want {
				t.Errorf("ModeFor(%+v) = %s, want %s", tt.s, got, tt.want)
			}
		})
	}
}

func TestDerivedKnobs(t *testing.T) {
	tests := []struct {
		sample      types.PerformanceSample
		mode        types.QualityMode
		scale       float64
		accelerator bool
		workers     map[int]int // base -> expected
	}{
		{
			sample: types.PerformanceSample{CPU: 95, Battery: 100},
			mode:   types.QualityLow, scale: 0.5, accelerator: false,
			workers: map[int]int{1: 1, 2: 1, 7: 3, 8: 4},
		},
		{
			sample: types.PerformanceSample{CPU: 75, Battery: 100},
			mode:   types.QualityMedium, scale: 0.75, accelerator: true,
			workers: map[int]int{1: 1, 2: 2, 7: 5, 8: 6},
		},
		{
			sample: types.PerformanceSample{CPU: 5, Battery: 100},
			mode:   types.QualityHigh, scale: 1.0, accelerator: true,
			workers: map[int]int{1: 1, 7: 7, 8: 8},
		},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			c := New(nil, logger.NewNop())
			c.OnSample(tt.sample)

			if c.Mode() != tt.mode {
				t.Fatalf("Mode() = %s, want %s", c.Mode(), tt.mode)
			}
			if c.FrameScale() != tt.scale {
				t.Errorf("FrameScale() = %v, want %v", c.FrameScale(), tt.scale)
			}
			if c.AcceleratorEnabled() != tt.accelerator {
				t.Errorf("AcceleratorEnabled() = %v, want %v", c.AcceleratorEnabled(), tt.accelerator)
			}
			for base, want := range tt.workers {
				if got := c.WorkerMultiplier(base); got != want {
					t.Errorf("WorkerMultiplier(%d) = %d, want %d", base, got, want)
				}
			}
		})
	}
}

func TestDefaultModeIsMedium(t *testing.T) {
	c := New(nil, logger.NewNop())
	if c.Mode() != types.QualityMedium {
		t.Errorf("default mode = %s, want medium", c.Mode())
	}
}

type scriptedSampler struct {
	mu sync.Mutex
	s  types.PerformanceSample
}

func (f *scriptedSampler) CPUPercent() (float64, error)      { f.mu.Lock(); defer f.mu.Unlock(); return f.s.CPU, nil }
func (f *scriptedSampler) MemoryPercent() (float64, error)   { f.mu.Lock(); defer f.mu.Unlock(); return f.s.Memory, nil }
func (f *scriptedSampler) BatteryPercent() (float64, error)  { f.mu.Lock(); defer f.mu.Unlock(); return f.s.Battery, nil }
func (f *scriptedSampler) PeakTemperature() (float64, error) { f.mu.Lock(); defer f.mu.Unlock(); return f.s.Temperature, nil }

func TestControllerFollowsMonitor(t *testing.T) {
	sampler := &scriptedSampler{s: types.PerformanceSample{CPU: 10, Memory: 10, Battery: 100, Temperature: 20}}
	mon := monitor.New(logger.NewNop(), monitor.WithSampler(sampler))
	c := New(mon, logger.NewNop())

	seen := make(chan types.QualityMode, 1)
	mon.Subscribe("observer", monitor.SubscriberFunc(func(types.PerformanceSample) error {
		// registered after the controller, so the mode is already updated
		select {
		case seen <- c.Mode():
		default:
		}
		return nil
	}))

	if err := mon.Start(); err != nil {
		t.Fatal(err)
	}
	defer mon.Stop()

	if got := <-seen; got != types.QualityHigh {
		t.Errorf("mode after idle sample = %s, want high", got)
	}

	c.Close()
	if !mon.Subscribe(SubscriberID, c) {
		t.Error("Close should have released the subscriber id")
	}
}
