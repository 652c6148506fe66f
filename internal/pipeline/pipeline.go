// Package pipeline runs a fixed pool of workers over index-tagged frames.
//
// Frames go in through a bounded queue (capacity 2N) so a stalled consumer
// blocks the producer instead of buffering the whole video. Results come out
// of an unbounded queue in completion order; putting them back in index order
// is the caller's job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/stylizer/internal/logger"
	"github.com/andresmejia3/stylizer/internal/types"
)

// DefaultStopTimeout bounds the join of each worker in Stop.
const DefaultStopTimeout = 2 * time.Second

var (
	ErrNotStarted      = errors.New("pipeline: not started")
	ErrAlreadyStarted  = errors.New("pipeline: already started")
	ErrPipelineStopped = errors.New("pipeline: stopped")
	ErrPollTimeout     = errors.New("pipeline: no result within poll timeout")
	ErrStopTimeout     = errors.New("pipeline: worker did not exit within stop timeout")
)

// ProcessFunc turns one frame into its stylized version. It is called from
// every worker at once and must be safe for concurrent use.
type ProcessFunc func(ctx context.Context, frame *image.RGBA) (*image.RGBA, error)

type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Option func(*Pipeline)

func WithStopTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.stopTimeout = d
		}
	}
}

type Pipeline struct {
	process     ProcessFunc
	workers     int
	stopTimeout time.Duration
	log         logger.Logger

	input  chan types.Frame
	output *resultQueue
	live   atomic.Int64 // non-sentinel items sitting in input

	// Submit holds mu for reading while it blocks; Stop takes it for writing
	// after closing `closing`, so no submit can land once Stop has started draining.
	mu        sync.RWMutex
	state     State
	closing   chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      []chan struct{}
	stopErr   error
}

// New builds a pipeline with the given worker count (at least 1). It does not start any goroutines.
func New(process ProcessFunc, workers int, log logger.Logger, opts ...Option) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	p := &Pipeline{
		process:     process,
		workers:     workers,
		stopTimeout: DefaultStopTimeout,
		log:         log,
		input:       make(chan types.Frame, 2*workers),
		output:      newResultQueue(),
		closing:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Workers is the size of the pool.
func (p *Pipeline) Workers() int { return p.workers }

// Capacity is the size of the bounded input queue.
func (p *Pipeline) Capacity() int { return cap(p.input) }

func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Queued reports the live items waiting in the input queue and the results waiting in the output queue.
func (p *Pipeline) Queued() (input, output int) {
	return int(p.live.Load()), p.output.len()
}

// Start spawns the workers. A pipeline can only be started once.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateRunning:
		return ErrAlreadyStarted
	case StateStopped:
		return ErrPipelineStopped
	}

	wctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make([]chan struct{}, p.workers)
	for i := range p.done {
		p.done[i] = make(chan struct{})
		go p.work(wctx, i, p.done[i])
	}
	p.state = StateRunning
	p.log.Debugf("pipeline: started %d workers (input capacity %d)", p.workers, p.Capacity())
	return nil
}

// Submit queues one frame, blocking while the input queue is full.
func (p *Pipeline) Submit(ctx context.Context, index int, frame *image.RGBA) error {
	if frame == nil {
		return fmt.Errorf("pipeline: frame %d is nil", index)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	switch p.state {
	case StateCreated:
		return ErrNotStarted
	case StateStopped:
		return ErrPipelineStopped
	}

	p.live.Add(1)
	select {
	case p.input <- types.Frame{Index: index, Image: frame}:
		return nil
	case <-p.closing:
		p.live.Add(-1)
		return ErrPipelineStopped
	case <-ctx.Done():
		p.live.Add(-1)
		return ctx.Err()
	}
}

// Poll waits up to timeout for the next finished result, in completion order.
func (p *Pipeline) Poll(ctx context.Context, timeout time.Duration) (types.Result, error) {
	if r, ok := p.output.pop(); ok {
		return r, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-p.output.notify:
			if r, ok := p.output.pop(); ok {
				return r, nil
			}
		case <-p.closing:
			return types.Result{}, ErrPipelineStopped
		case <-timer.C:
			return types.Result{}, ErrPollTimeout
		case <-ctx.Done():
			return types.Result{}, ctx.Err()
		}
	}
}

// Stop shuts the workers down and discards anything still queued. It waits at
// most the stop timeout per worker and is safe to call more than once.
func (p *Pipeline) Stop() error {
	p.closeOnce.Do(func() { close(p.closing) })

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateStopped:
		return p.stopErr
	case StateCreated:
		p.state = StateStopped
		p.output.close()
		return nil
	}
	p.state = StateStopped

	dropped := p.drainInput()
	for i := 0; i < p.workers; i++ {
		p.input <- types.Frame{Index: -1}
	}
	p.cancel()

	var stuck int
	for i, done := range p.done {
		select {
		case <-done:
		case <-time.After(p.stopTimeout):
			p.log.Warnf("pipeline: worker %d still busy after %s", i, p.stopTimeout)
			stuck++
		}
	}
	discarded := p.output.close()

	if dropped > 0 || discarded > 0 {
		p.log.Debugf("pipeline: stop discarded %d queued frames and %d results", dropped, discarded)
	}
	if stuck > 0 {
		p.stopErr = fmt.Errorf("%w (%d of %d workers)", ErrStopTimeout, stuck, p.workers)
	}
	return p.stopErr
}

func (p *Pipeline) drainInput() int {
	var n int
	for {
		select {
		case item := <-p.input:
			if item.Image != nil {
				p.live.Add(-1)
				n++
			}
		default:
			return n
		}
	}
}

func (p *Pipeline) work(ctx context.Context, id int, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.input:
			if item.Image == nil {
				return
			}
			p.live.Add(-1)
			p.output.push(p.run(ctx, id, item))
		}
	}
}

// run invokes the processing function for one item. Errors and panics become a failed Result.
func (p *Pipeline) run(ctx context.Context, id int, item types.Frame) (res types.Result) {
	res.Index = item.Index

	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("pipeline: worker %d panicked on frame %d: %v", id, item.Index, r)
			res.Image = nil
			res.Err = &types.ProcessingError{Index: item.Index, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	img, err := p.process(ctx, item.Image)
	if err == nil && img == nil {
		err = errors.New("no image returned")
	}
	if err != nil {
		p.log.Warnf("pipeline: worker %d failed frame %d: %v", id, item.Index, err)
		res.Err = &types.ProcessingError{Index: item.Index, Err: err}
		return res
	}
	res.Image = img
	return res
}
