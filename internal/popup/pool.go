package popup

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Ask after Close.
var ErrPoolClosed = errors.New("popup pool closed")

type job struct {
	ctx   context.Context
	req   Request
	reply chan result
}

type result struct {
	resp *Response
	err  error
}

// Pool runs a Prompter on a fixed set of worker goroutines. Callers block
// on their own reply channel, so a popup that stays open never holds up
// the relay or monitor loops that merely publish events.
type Pool struct {
	inner Prompter
	jobs  chan job
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewPool starts workers goroutines serving inner.
func NewPool(inner Prompter, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		inner: inner,
		jobs:  make(chan job),
		quit:  make(chan struct{}),
	}
	for range workers {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case j := <-p.jobs:
			resp, err := p.inner.Ask(j.ctx, j.req)
			j.reply <- result{resp: resp, err: err}
		}
	}
}

// Ask hands req to a free worker and waits for the answer.
func (p *Pool) Ask(ctx context.Context, req Request) (*Response, error) {
	j := job{ctx: ctx, req: req, reply: make(chan result, 1)}
	select {
	case p.jobs <- j:
	case <-p.quit:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-j.reply:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the workers. Questions already being asked run to completion.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}
