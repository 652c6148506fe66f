package types

import (
	"errors"
	"fmt"
	"image"
	"time"
)

// Frame is a single decoded frame tagged with its position in decode order.
// It is the pipeline's work item; a nil Image marks worker shutdown.
type Frame struct {
	Index int
	Image *image.RGBA
}

// Result is what a pipeline worker hands back for one frame.
// Exactly one of Image and Err is set.
type Result struct {
	Index int
	Image *image.RGBA
	Err   error
}

// Failed reports whether the frame could not be processed.
func (r Result) Failed() bool { return r.Err != nil }

// VideoInfo is what a frame source knows before the first read.
type VideoInfo struct {
	TotalFrames int
	FPS         float64
	Width       int
	Height      int
}

// PerformanceSample is the monitor's latest snapshot. Nothing older is kept.
type PerformanceSample struct {
	CPU         float64 `json:"cpu_usage"`
	Memory      float64 `json:"memory_usage"`
	Battery     float64 `json:"battery_level"`
	Temperature float64 `json:"temperature"`
}

// QualityMode is the adaptive policy level derived from system load.
type QualityMode int32

const (
	QualityLow QualityMode = iota
	QualityMedium
	QualityHigh
)

func (m QualityMode) String() string {
	switch m {
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	case QualityHigh:
		return "high"
	default:
		return fmt.Sprintf("QualityMode(%d)", int32(m))
	}
}

var (
	// ErrResourceQuery means memory or core count could not be read. Callers fall back to 1 worker.
	ErrResourceQuery = errors.New("resource query failed")
	// ErrSourceUnavailable means the video could not be opened.
	ErrSourceUnavailable = errors.New("video source unavailable")
	// ErrSinkWrite means the encoder rejected a frame or could not be opened/closed.
	ErrSinkWrite = errors.New("video sink write failed")
)

// ProcessingError is a single frame whose inference failed.
type ProcessingError struct {
	Index int
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("frame %d: processing failed: %v", e.Index, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// FrameTimeoutError is reported when the next frame to write never came back.
type FrameTimeoutError struct {
	Index  int
	Waited time.Duration
}

func (e *FrameTimeoutError) Error() string {
	return fmt.Sprintf("frame %d: no result after %s", e.Index, e.Waited)
}
