// Package adaptive maps the latest performance sample to a quality mode and
// derives the knobs the conversion uses from it.
package adaptive

import (
	"math"
	"sync/atomic"

	"github.com/andresmejia3/stylizer/internal/logger"
	"github.com/andresmejia3/stylizer/internal/monitor"
	"github.com/andresmejia3/stylizer/internal/types"
)

// SubscriberID is the id the controller registers under on the monitor.
const SubscriberID = "adaptive"

type Controller struct {
	mode atomic.Int32
	mon  *monitor.Monitor
	log  logger.Logger
}

// New returns a controller in MEDIUM mode. If mon is non-nil the controller subscribes to it.
func New(mon *monitor.Monitor, log logger.Logger) *Controller {
	c := &Controller{mon: mon, log: log}
	c.mode.Store(int32(types.QualityMedium))
	if mon != nil {
		mon.Subscribe(SubscriberID, c)
	}
	return c
}

// Close detaches the controller from its monitor.
func (c *Controller) Close() {
	if c.mon != nil {
		c.mon.Unsubscribe(SubscriberID)
	}
}

// OnSample recomputes the mode. It runs on the monitor goroutine.
func (c *Controller) OnSample(s types.PerformanceSample) error {
	next := ModeFor(s)
	prev := types.QualityMode(c.mode.Swap(int32(next)))
	if prev != next {
		c.log.Infof("adaptive: quality %s -> %s (cpu %.0f%%, mem %.0f%%, battery %.0f%%, temp %.0f°)",
			prev, next, s.CPU, s.Memory, s.Battery, s.Temperature)
	}
	return nil
}

// ModeFor applies the thresholds in order; the first match wins.
func ModeFor(s types.PerformanceSample) types.QualityMode {
	switch {
	case s.CPU >= 90 || s.Memory >= 90 || s.Temperature >= 80:
		return types.QualityLow
	case s.CPU >= 70 || s.Memory >= 70 || s.Temperature >= 70 || s.Battery <= 20:
		return types.QualityMedium
	default:
		return types.QualityHigh
	}
}

func (c *Controller) Mode() types.QualityMode {
	return types.QualityMode(c.mode.Load())
}

// FrameScale is the fraction of native resolution to process at.
func (c *Controller) FrameScale() float64 {
	switch c.Mode() {
	case types.QualityLow:
		return 0.5
	case types.QualityMedium:
		return 0.75
	default:
		return 1.0
	}
}

// WorkerMultiplier scales a base worker count down under load. The result is always >= 1.
func (c *Controller) WorkerMultiplier(base int) int {
	switch c.Mode() {
	case types.QualityLow:
		return max(1, base/2)
	case types.QualityMedium:
		return max(1, int(math.Round(float64(base)*0.75)))
	default:
		return max(1, base)
	}
}

// AcceleratorEnabled is false only in LOW mode.
func (c *Controller) AcceleratorEnabled() bool {
	return c.Mode() != types.QualityLow
}
