package monitor

import (
	"errors"

	"github.com/distatus/battery"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
)

var (
	errNoBattery = errors.New("no battery reported")
	errNoSensors = errors.New("no temperature sensors reported")
)

// SystemSampler reads live metrics through gopsutil and the battery package.
type SystemSampler struct{}

func (SystemSampler) CPUPercent() (float64, error) {
	// interval 0 compares against the previous call, so the first reading covers process start-up
	usage, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(usage) == 0 {
		return 0, errors.New("no cpu usage reported")
	}
	return usage[0], nil
}

func (SystemSampler) MemoryPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func (SystemSampler) BatteryPercent() (float64, error) {
	batteries, err := battery.GetAll()
	level, ok := chargeLevel(batteries)
	if !ok {
		if err == nil {
			err = errNoBattery
		}
		return 0, err
	}
	return level, nil
}

func (SystemSampler) PeakTemperature() (float64, error) {
	// gopsutil returns partial readings together with a warning error; keep whatever came back
	temps, err := host.SensorsTemperatures()
	peak, ok := peakTemperature(temps)
	if !ok {
		if err == nil {
			err = errNoSensors
		}
		return 0, err
	}
	return peak, nil
}

// chargeLevel combines every battery into one percentage.
func chargeLevel(batteries []*battery.Battery) (float64, bool) {
	var current, full float64
	for _, b := range batteries {
		if b == nil || b.Full <= 0 {
			continue
		}
		current += b.Current
		full += b.Full
	}
	if full <= 0 {
		return 0, false
	}
	return current / full * 100, true
}

// peakTemperature is the hottest sensor, not the average.
func peakTemperature(temps []host.TemperatureStat) (float64, bool) {
	if len(temps) == 0 {
		return 0, false
	}
	peak := temps[0].Temperature
	for _, t := range temps[1:] {
		if t.Temperature > peak {
			peak = t.Temperature
		}
	}
	return peak, true
}
