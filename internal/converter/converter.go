// Package converter drives one video through the frame pipeline and writes the
// results back out in decode order.
package converter

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/stylizer/internal/adaptive"
	"github.com/andresmejia3/stylizer/internal/capability"
	"github.com/andresmejia3/stylizer/internal/logger"
	"github.com/andresmejia3/stylizer/internal/pipeline"
	"github.com/andresmejia3/stylizer/internal/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Source yields decoded frames in order. Read returns io.EOF after the last frame.
type Source interface {
	Open(ctx context.Context) (types.VideoInfo, error)
	Read() (*image.RGBA, error)
	Close() error
}

// Sink accepts frames at the source's dimensions, strictly in index order.
type Sink interface {
	Open(ctx context.Context, info types.VideoInfo) error
	Write(frame *image.RGBA) error
	Close() error
	Path() string
}

// Notifier receives progress (0-100) and human-readable status lines.
// Both are called from the converter's goroutines.
type Notifier interface {
	OnProgress(percent int)
	OnStatus(msg string)
}

type nopNotifier struct{}

func (nopNotifier) OnProgress(int)   {}
func (nopNotifier) OnStatus(string) {}

// MissingFramePolicy decides what happens to a frame that failed or never came back.
type MissingFramePolicy string

const (
	SkipMissing MissingFramePolicy = "skip"
	FailMissing MissingFramePolicy = "fail"
)

func ParsePolicy(s string) (MissingFramePolicy, error) {
	switch MissingFramePolicy(s) {
	case SkipMissing, FailMissing:
		return MissingFramePolicy(s), nil
	case "":
		return SkipMissing, nil
	}
	return "", fmt.Errorf("unknown missing-frame policy %q (want skip or fail)", s)
}

const (
	DefaultPollTimeout  = time.Second
	DefaultFrameTimeout = 30 * time.Second
)

type Options struct {
	// Workers overrides the adaptive worker count when > 0.
	Workers      int
	PollTimeout  time.Duration
	FrameTimeout time.Duration
	StopTimeout  time.Duration
	Missing      MissingFramePolicy
	Notifier     Notifier
}

// Summary describes a finished, failed or cancelled conversion.
type Summary struct {
	OutputPath    string
	TotalFrames   int // as reported by the source before reading
	FramesRead    int
	FramesWritten int
	Skipped       []int
	Workers       int
	Mode          types.QualityMode
	PeakBuffered  int
	Cancelled     bool
	Duration      time.Duration
}

type Converter struct {
	opts       Options
	capability *capability.Detector
	adaptive   *adaptive.Controller
	log        logger.Logger
}

func New(det *capability.Detector, ctl *adaptive.Controller, log logger.Logger, opts Options) *Converter {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = DefaultFrameTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = pipeline.DefaultStopTimeout
	}
	if opts.Missing == "" {
		opts.Missing = SkipMissing
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if det == nil {
		det = capability.New(nil)
	}
	if ctl == nil {
		ctl = adaptive.New(nil, log)
	}
	return &Converter{opts: opts, capability: det, adaptive: ctl, log: log}
}

// WorkerCount is the pool size the next conversion will use.
func (c *Converter) WorkerCount() int {
	if c.opts.Workers > 0 {
		return c.opts.Workers
	}
	return c.adaptive.WorkerMultiplier(c.capability.WorkerCountOrDefault())
}

// run is the state of one Convert call.
type run struct {
	*Converter
	info   types.VideoInfo
	src    Source
	sink   Sink
	pipe   *pipeline.Pipeline
	window *semaphore.Weighted

	submitted  atomic.Int64
	readerDone chan struct{}

	buf          *reorderBuffer
	sum          *Summary
	lastProgress int
}

// Convert reads every frame from src, runs it through process on a worker
// pool and writes the results to sink in index order.
//
// Frames that fail or exceed the frame timeout are skipped or abort the
// conversion according to the MissingFramePolicy. Cancelling ctx stops the
// conversion within one poll interval; the partial output is left in place
// and ctx.Err() is returned with Summary.Cancelled set.
func (c *Converter) Convert(ctx context.Context, src Source, sink Sink, process pipeline.ProcessFunc) (sum Summary, err error) {
	start := time.Now()
	sum.Mode = c.adaptive.Mode()
	defer func() { sum.Duration = time.Since(start) }()

	// everything spawned for this conversion dies with cctx
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	info, err := src.Open(cctx)
	if err != nil {
		err = fmt.Errorf("%w: %v", types.ErrSourceUnavailable, err)
		c.fatal(err)
		return sum, err
	}
	sum.TotalFrames = info.TotalFrames

	if err := sink.Open(cctx, info); err != nil {
		src.Close()
		err = fmt.Errorf("%w: open: %v", types.ErrSinkWrite, err)
		c.fatal(err)
		return sum, err
	}
	sum.OutputPath = sink.Path()

	workers := c.WorkerCount()
	sum.Workers = workers
	pipe := pipeline.New(process, workers, c.log, pipeline.WithStopTimeout(c.opts.StopTimeout))
	if err := pipe.Start(cctx); err != nil {
		src.Close()
		sink.Close()
		c.fatal(err)
		return sum, err
	}

	r := &run{
		Converter:  c,
		info:       info,
		src:        src,
		sink:       sink,
		pipe:       pipe,
		window:     semaphore.NewWeighted(int64(pipe.Capacity() + pipe.Workers())),
		readerDone: make(chan struct{}),
		buf:        newReorderBuffer(),
		sum:        &sum,
	}

	c.log.Infof("converter: %d frames at %dx%d, %.2f fps, %d workers, %s quality",
		info.TotalFrames, info.Width, info.Height, info.FPS, workers, sum.Mode)
	c.opts.Notifier.OnStatus(fmt.Sprintf("Processing video with %d frames using %d workers", info.TotalFrames, workers))
	c.opts.Notifier.OnProgress(0)

	g, gctx := errgroup.WithContext(cctx)
	g.Go(func() error { return r.read(gctx) })

	err = r.orchestrate(cctx)

	if err != nil {
		// kill the decoder/encoder first so a reader blocked on the source returns
		cancel()
	}
	if stopErr := pipe.Stop(); stopErr != nil {
		c.log.Warnf("converter: %v", stopErr)
	}
	g.Wait()
	sum.FramesRead = int(r.submitted.Load())
	sum.PeakBuffered = r.buf.peak

	if cerr := src.Close(); cerr != nil {
		c.log.Debugf("converter: closing source: %v", cerr)
	}
	if cerr := sink.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("%w: finalize: %v", types.ErrSinkWrite, cerr)
	}

	switch {
	case err == nil:
		if r.lastProgress != 100 {
			c.opts.Notifier.OnProgress(100)
		}
		c.log.Infof("converter: wrote %d/%d frames to %s (%d skipped)",
			sum.FramesWritten, sum.FramesRead, sum.OutputPath, len(sum.Skipped))
		c.opts.Notifier.OnStatus("Conversion completed! Saved to: " + sum.OutputPath)
		return sum, nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		sum.Cancelled = true
		c.log.Warnf("converter: cancelled after %d frames", sum.FramesWritten)
		c.opts.Notifier.OnStatus("Conversion cancelled")
		return sum, err
	default:
		c.fatal(err)
		return sum, err
	}
}

func (c *Converter) fatal(err error) {
	c.log.Errorf("converter: %v", err)
	c.opts.Notifier.OnStatus("Error: " + err.Error())
}

// read pulls frames in order and submits them. Each frame takes one credit
// from the window; the orchestrator returns it once the index is resolved.
func (r *run) read(ctx context.Context) error {
	defer close(r.readerDone)

	total := r.info.TotalFrames
	for idx := 0; total <= 0 || idx < total; idx++ {
		if err := r.window.Acquire(ctx, 1); err != nil {
			return nil
		}
		img, err := r.src.Read()
		if err != nil {
			r.window.Release(1)
			if !errors.Is(err, io.EOF) {
				r.log.Warnf("converter: decoding stopped at frame %d: %v", idx, err)
			}
			if total > 0 && idx < total {
				r.log.Warnf("converter: source ended after %d of %d reported frames", idx, total)
			}
			return nil
		}
		if err := r.pipe.Submit(ctx, idx, img); err != nil {
			r.window.Release(1)
			return nil
		}
		r.submitted.Store(int64(idx + 1))
	}
	return nil
}

func (r *run) readerFinished() bool {
	select {
	case <-r.readerDone:
		return true
	default:
		return false
	}
}

func (r *run) orchestrate(ctx context.Context) error {
	waitingSince := time.Now()

	for {
		done := r.readerFinished()
		submitted := int(r.submitted.Load())
		if done && r.buf.next >= submitted {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := r.pipe.Poll(ctx, r.opts.PollTimeout)
		switch {
		case err == nil:
			if !r.buf.insert(res) {
				r.log.Debugf("converter: dropping late result for frame %d", res.Index)
				break
			}
			advanced, err := r.drain()
			if err != nil {
				return err
			}
			if advanced {
				waitingSince = time.Now()
			}
		case errors.Is(err, pipeline.ErrPollTimeout):
		default:
			return err
		}

		// the clock only runs for a frame the reader has already handed over
		if r.buf.next >= int(r.submitted.Load()) {
			waitingSince = time.Now()
			continue
		}
		if waited := time.Since(waitingSince); waited >= r.opts.FrameTimeout {
			terr := &types.FrameTimeoutError{Index: r.buf.next, Waited: waited}
			if r.opts.Missing == FailMissing {
				return terr
			}
			r.log.Warnf("converter: %v, skipping", terr)
			r.resolve(r.buf.skip(), false)
			if _, err := r.drain(); err != nil {
				return err
			}
			waitingSince = time.Now()
		}
	}
}

// drain writes every contiguous result starting at next.
func (r *run) drain() (bool, error) {
	var advanced bool
	for {
		res, ok := r.buf.pop()
		if !ok {
			return advanced, nil
		}
		advanced = true

		if res.Failed() {
			if r.opts.Missing == FailMissing {
				return advanced, res.Err
			}
			r.log.Warnf("converter: %v, skipping", res.Err)
			r.resolve(res.Index, false)
			continue
		}

		img := fit(res.Image, r.info.Width, r.info.Height)
		if err := r.sink.Write(img); err != nil {
			return advanced, fmt.Errorf("%w: frame %d: %v", types.ErrSinkWrite, res.Index, err)
		}
		r.resolve(res.Index, true)
	}
}

// resolve returns the index's credit and reports progress.
func (r *run) resolve(index int, written bool) {
	if written {
		r.sum.FramesWritten++
	} else {
		r.sum.Skipped = append(r.sum.Skipped, index)
	}
	r.window.Release(1)
	r.progress()
}

func (r *run) progress() {
	total := r.info.TotalFrames
	if r.readerFinished() {
		// the source may have under-delivered
		total = int(r.submitted.Load())
	}
	if total <= 0 {
		return
	}
	pct := min(100, 100*r.buf.next/total)
	if pct != r.lastProgress {
		r.lastProgress = pct
		r.opts.Notifier.OnProgress(pct)
	}
}
