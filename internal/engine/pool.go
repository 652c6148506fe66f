package engine

import (
	"context"
	"image"
	"sync"

	"github.com/andresmejia3/stylizer/internal/logger"
	"github.com/andresmejia3/stylizer/internal/utils"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrPoolClosed is returned by Infer after Close.
	ErrPoolClosed = errors.New("engine pool closed")
	// ErrPoolExhausted is returned by Infer once every engine has crashed and none could be restarted.
	ErrPoolExhausted = errors.New("engine pool exhausted: no engine left")
)

// StartFunc launches engine id. Start is the production implementation.
type StartFunc func(ctx context.Context, id int) (*Engine, error)

// Pool owns a fixed number of engine processes. Each Infer call checks one
// out, so the pool can be shared by every pipeline worker. An engine that
// crashes is replaced before it is returned to the pool.
type Pool struct {
	ctx   context.Context
	start StartFunc
	log   logger.Logger

	idle      chan *Engine
	done      chan struct{}
	exhausted chan struct{}

	mu     sync.Mutex
	all    map[int]*Engine
	live   int // engines alive, idle or checked out
	nextID int
	closed bool

	inputSize  image.Point
	outputSize image.Point
}

// NewPool starts size engines in parallel and waits for all of them to finish
// their handshake. The engines live until ctx is cancelled or Close is called.
func NewPool(ctx context.Context, size int, cfg Config, log logger.Logger) (*Pool, error) {
	return newPool(ctx, size, func(ctx context.Context, id int) (*Engine, error) {
		return Start(ctx, id, cfg)
	}, log)
}

func newPool(ctx context.Context, size int, start StartFunc, log logger.Logger) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		ctx:   ctx,
		start: start,
		log:   log,
		idle:  make(chan *Engine, size),
		done:      make(chan struct{}),
		exhausted: make(chan struct{}),
		all:       make(map[int]*Engine, size),
	}

	engines := make([]*Engine, size)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < size; i++ {
		i := i
		g.Go(func() error {
			e, err := start(gctx, i)
			if err != nil {
				return err
			}
			engines[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, e := range engines {
			if e != nil {
				e.Close()
			}
		}
		return nil, errors.Wrap(err, "warming up engines")
	}

	p.inputSize, p.outputSize = engines[0].InputSize, engines[0].OutputSize
	for _, e := range engines {
		if e.InputSize != p.inputSize || e.OutputSize != p.outputSize {
			p.closeAll(engines)
			return nil, errors.Errorf("engines disagree on model dimensions: %v/%v vs %v/%v",
				p.inputSize, p.outputSize, e.InputSize, e.OutputSize)
		}
		p.all[e.ID] = e
		p.idle <- e
	}
	p.live = size
	p.nextID = size
	log.Debugf("engine: %d engines ready, model %v -> %v", size, p.inputSize, p.outputSize)
	return p, nil
}

// InputSize is the model's fixed input (width, height).
func (p *Pool) InputSize() image.Point { return p.inputSize }

// OutputSize is the model's fixed output (width, height).
func (p *Pool) OutputSize() image.Point { return p.outputSize }

// Size is the number of engines in the pool.
func (p *Pool) Size() int { return cap(p.idle) }

// Infer runs in through any idle engine, waiting for one if all are busy.
func (p *Pool) Infer(ctx context.Context, in Tensor) (Tensor, error) {
	var e *Engine
	select {
	case e = <-p.idle:
	case <-p.done:
		return Tensor{}, ErrPoolClosed
	case <-p.exhausted:
		return Tensor{}, ErrPoolExhausted
	case <-ctx.Done():
		return Tensor{}, ctx.Err()
	}

	out, err := e.Infer(in)
	if err == nil || recoverable(err) {
		p.checkin(e)
		return out, err
	}

	// the process is gone or out of sync; log its stderr and start a fresh one
	utils.ShowError("Engine crashed", err, e.Cmd)
	p.replace(e)
	return Tensor{}, errors.Wrapf(err, "engine %d", e.ID)
}

func recoverable(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote) || errors.Is(err, ErrShape)
}

func (p *Pool) checkin(e *Engine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		e.Close()
		return
	}
	p.idle <- e
}

func (p *Pool) replace(dead *Engine) {
	dead.Close()

	p.mu.Lock()
	delete(p.all, dead.ID)
	id := p.nextID
	p.nextID++
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}

	fresh, err := p.start(p.ctx, id)
	if err == nil && (fresh.InputSize != p.inputSize || fresh.OutputSize != p.outputSize) {
		fresh.Close()
		err = errors.Errorf("replacement engine reports %v/%v", fresh.InputSize, fresh.OutputSize)
	}
	if err != nil {
		// the pool shrinks; with no engine left every waiting Infer fails
		p.log.Errorf("engine: could not replace engine %d: %v", dead.ID, err)
		p.mu.Lock()
		p.live--
		if p.live == 0 {
			close(p.exhausted)
			p.log.Errorf("engine: no engines left")
		}
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		fresh.Close()
		return
	}
	p.all[fresh.ID] = fresh
	p.idle <- fresh
	p.log.Warnf("engine: replaced crashed engine %d with %d", dead.ID, fresh.ID)
}

// Close stops every engine, including ones currently checked out once they are returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	n := len(p.all)
	p.mu.Unlock()

	close(p.done)

	// drain idle engines; busy ones are closed by checkin
	var firstErr error
drain:
	for {
		select {
		case e := <-p.idle:
			if err := e.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		default:
			break drain
		}
	}
	p.log.Debugf("engine: pool closed (%d engines)", n)
	return firstErr
}

func (p *Pool) closeAll(engines []*Engine) {
	for _, e := range engines {
		e.Close()
	}
}
