// Package capability turns the machine's free memory and core count into a worker count.
package capability

import (
	"fmt"

	"github.com/andresmejia3/stylizer/internal/types"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

const megabyte = 1024 * 1024

// Resources reads the two resources the worker count depends on.
type Resources interface {
	AvailableMemoryMB() (float64, error)
	LogicalCores() (int, error)
}

// SystemResources reads the live values through gopsutil.
type SystemResources struct{}

func (SystemResources) AvailableMemoryMB() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return float64(vm.Available) / megabyte, nil
}

func (SystemResources) LogicalCores() (int, error) {
	return cpu.Counts(true)
}

// Detector derives the recommended worker count from a Resources.
type Detector struct {
	res Resources
}

// New returns a Detector. A nil Resources means SystemResources.
func New(r Resources) *Detector {
	if r == nil {
		r = SystemResources{}
	}
	return &Detector{res: r}
}

// RecommendedWorkerCount returns a value >= 1, or ErrResourceQuery if a resource read failed.
func (d *Detector) RecommendedWorkerCount() (int, error) {
	memMB, err := d.res.AvailableMemoryMB()
	if err != nil {
		return 0, fmt.Errorf("%w: available memory: %v", types.ErrResourceQuery, err)
	}
	cores, err := d.res.LogicalCores()
	if err != nil {
		return 0, fmt.Errorf("%w: logical cores: %v", types.ErrResourceQuery, err)
	}
	if cores < 1 {
		return 0, fmt.Errorf("%w: reported %d logical cores", types.ErrResourceQuery, cores)
	}
	return WorkerCountFor(memMB, cores), nil
}

// WorkerCountOrDefault is RecommendedWorkerCount with the documented fallback of 1.
func (d *Detector) WorkerCountOrDefault() int {
	n, err := d.RecommendedWorkerCount()
	if err != nil {
		return 1
	}
	return n
}

// WorkerCountFor is the sizing table.
func WorkerCountFor(availableMB float64, cores int) int {
	switch {
	case availableMB < 1000:
		return clamp(cores/4, 1, 2)
	case availableMB < 2000:
		return clamp(cores/2, 1, 4)
	default:
		return clamp(cores-1, 1, 8)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
