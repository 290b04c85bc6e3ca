package worker

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

var ErrStarted = errors.New("worker: pool already started")

// Pool owns the goroutines of a reactor and its queues.
type Pool struct {
	reactor *Reactor
	queues  []*Queue

	mu     sync.Mutex
	cancel context.CancelFunc
	g      *errgroup.Group
}

func NewPool(r *Reactor, queues ...*Queue) *Pool {
	return &Pool{reactor: r, queues: queues}
}

// Start launches one goroutine for the reactor and one per queue.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.g != nil {
		return ErrStarted
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.g, ctx = errgroup.WithContext(ctx)
	if p.reactor != nil {
		p.g.Go(func() error { return p.reactor.Run(ctx) })
	}
	for _, q := range p.queues {
		q := q
		p.g.Go(func() error { return q.Run(ctx) })
	}
	return nil
}

// Stop cancels every worker and waits for them to return.
func (p *Pool) Stop() error {
	p.mu.Lock()
	g, cancel := p.g, p.cancel
	p.g, p.cancel = nil, nil
	p.mu.Unlock()
	if g == nil {
		return nil
	}
	cancel()
	return g.Wait()
}
