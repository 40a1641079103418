// Package worker runs blocking repository work off the reactor goroutine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/peerctl/internal/observability"
	"github.com/danmuck/peerctl/internal/queue"
	"github.com/rs/zerolog/log"
)

// Executor performs one item. Implementations may block.
type Executor interface {
	Execute(ctx context.Context, item Item) Result
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, item Item) Result

func (f ExecutorFunc) Execute(ctx context.Context, item Item) Result {
	return f(ctx, item)
}

// Waker is signalled after every delivered result.
type Waker interface {
	Wake() error
}

type Config struct {
	Units          int
	QueueCapacity  int
	QueuePolicy    queue.Policy
	ResultCapacity int
}

func DefaultConfig() Config {
	return Config{
		Units:          4,
		QueueCapacity:  256,
		QueuePolicy:    queue.PolicyReject,
		ResultCapacity: 256,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Units <= 0 {
		c.Units = d.Units
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.ResultCapacity <= 0 {
		c.ResultCapacity = d.ResultCapacity
	}
	return c
}

// Pool is a fixed set of units fed by a bounded work queue.
type Pool struct {
	cfg      Config
	exec     Executor
	work     *queue.Bounded[Item]
	results  *queue.Bounded[Result]
	waker    Waker
	restarts atomic.Uint64
}

func NewPool(cfg Config, exec Executor) *Pool {
	cfg = cfg.WithDefaults()
	return &Pool{
		cfg:     cfg,
		exec:    exec,
		work:    queue.New[Item](cfg.QueueCapacity, cfg.QueuePolicy),
		results: queue.New[Result](cfg.ResultCapacity, queue.PolicyBlock),
	}
}

// SetWaker installs the result waker. Call before Run.
func (p *Pool) SetWaker(w Waker) {
	p.waker = w
}

// Submit enqueues item under the configured full-queue policy. With the
// reject policy it returns queue.ErrFull instead of blocking.
func (p *Pool) Submit(ctx context.Context, item Item) error {
	err := p.work.Push(ctx, item)
	if errors.Is(err, queue.ErrFull) {
		observability.RecordQueueRejected(item.Kind.String())
	}
	return err
}

// Results is drained by the reactor.
func (p *Pool) Results() *queue.Bounded[Result] {
	return p.results
}

func (p *Pool) Restarts() uint64 {
	return p.restarts.Load()
}

func (p *Pool) Config() Config {
	return p.cfg
}

// Run starts the units and blocks until ctx is cancelled and every unit
// has returned.
func (p *Pool) Run(ctx context.Context) error {
	log.Info().Msgf("worker.Pool.Run units=%d queue=%d policy=%s", p.cfg.Units, p.cfg.QueueCapacity, p.cfg.QueuePolicy)
	var wg sync.WaitGroup
	for id := 0; id < p.cfg.Units; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.supervise(ctx, id)
		}(id)
	}
	<-ctx.Done()
	p.work.Close()
	wg.Wait()
	p.results.Close()
	log.Info().Msgf("worker.Pool.Run stopped restarts=%d", p.Restarts())
	return nil
}

// supervise keeps unit id alive, replacing it after a crash.
func (p *Pool) supervise(ctx context.Context, id int) {
	for {
		if !p.unit(ctx, id) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		p.restarts.Add(1)
		observability.RecordUnitRestart()
		log.Warn().Msgf("worker.Pool.supervise restarting unit=%d restarts=%d", id, p.Restarts())
	}
}

// unit serves items until the pool stops. It reports true when it crashed.
func (p *Pool) unit(ctx context.Context, id int) (crashed bool) {
	var inflight *Item
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		crashed = true
		log.Error().Msgf("worker.Pool.unit panic unit=%d err=%v", id, r)
		if inflight != nil {
			res := resultFor(*inflight)
			res.Err = fmt.Errorf("%w: %v", ErrUnitFailed, r)
			p.deliver(ctx, res)
		}
	}()

	for {
		item, err := p.work.Pop(ctx)
		if err != nil {
			return false
		}
		inflight = &item
		start := time.Now()
		res := p.exec.Execute(ctx, item)
		observability.RecordWork(item.Kind.String(), res.Err, time.Since(start))
		inflight = nil
		if !p.deliver(ctx, res) {
			return false
		}
	}
}

func (p *Pool) deliver(ctx context.Context, res Result) bool {
	if err := p.results.Push(ctx, res); err != nil {
		log.Debug().Msgf("worker.Pool.deliver dropped kind=%s err=%v", res.Item.Kind, err)
		return false
	}
	if p.waker != nil {
		if err := p.waker.Wake(); err != nil {
			log.Warn().Msgf("worker.Pool.deliver wake failed err=%v", err)
		}
	}
	return true
}
