package api

import (
	"context"
	"time"
)

// ==========================
// Per-IP rate limiting logic
// ==========================

// RequestKind separates cheap reads from writes that mutate the shared map.
// Reads only queue behind other requests from the same IP; writes additionally
// pay a cooldown so one client cannot flood the store with submissions.
type RequestKind int

const (
	// RequestRead marks list/stats style lookups that still benefit from the
	// per-IP queue so clients cannot overwhelm the server with concurrent
	// requests.
	RequestRead RequestKind = iota
	// RequestWrite marks endpoints that insert records. We enforce a cooldown
	// after each write so duplicate submissions from a stuck client arrive
	// spaced out instead of as a burst.
	RequestWrite
)

// RateLimiter coordinates per-IP request sequencing without relying on
// mutexes. Each IP gets its own goroutine so the design follows "Do not
// communicate by sharing memory; share memory by communicating".
type RateLimiter struct {
	writeCooldown time.Duration
	requests      chan keyedRequest
	now           func() time.Time
}

type keyedRequest struct {
	ip  string
	req ipRequest
}

type ipRequest struct {
	ctx      context.Context
	kind     RequestKind
	arrived  time.Time
	response chan acquireResponse
}

type acquireResponse struct {
	release      chan struct{}
	wait         bool
	waitDuration time.Duration
	err          error
}

// Permit represents an acquired slot for a particular request. Call Release
// when the handler finished processing so the next queued request can proceed.
type Permit struct {
	release      chan struct{}
	WaitNotice   bool
	WaitDuration time.Duration
}

// Release signals the associated limiter goroutine that the request is done.
// We set the channel to nil so double releases are harmless.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	close(p.release)
	p.release = nil
}

// NewRateLimiter constructs a limiter with the provided cooldown for write
// endpoints. The limiter immediately starts its coordination goroutine so the
// caller can use it without additional plumbing.
func NewRateLimiter(writeCooldown time.Duration) *RateLimiter {
	limiter := &RateLimiter{
		writeCooldown: writeCooldown,
		requests:      make(chan keyedRequest),
		now:           time.Now,
	}

	go limiter.loop()

	return limiter
}

// Acquire reserves a slot for the given IP and request kind. The returned
// Permit must be released once the handler is done. If the context is
// cancelled before the permit becomes available an error is returned.
// A nil limiter grants everything, which keeps tests and small deployments
// free of extra wiring.
func (l *RateLimiter) Acquire(ctx context.Context, ip string, kind RequestKind) (*Permit, error) {
	if l == nil {
		return nil, nil
	}

	respCh := make(chan acquireResponse, 1)
	req := ipRequest{
		ctx:      ctx,
		kind:     kind,
		arrived:  l.now(),
		response: respCh,
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l.requests <- keyedRequest{ip: ip, req: req}:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		if resp.err != nil {
			return nil, resp.err
		}
		return &Permit{
			release:      resp.release,
			WaitNotice:   resp.wait,
			WaitDuration: resp.waitDuration,
		}, nil
	}
}

func (l *RateLimiter) loop() {
	queues := make(map[string]chan ipRequest)

	for keyed := range l.requests {
		ch, ok := queues[keyed.ip]
		if !ok {
			ch = make(chan ipRequest)
			queues[keyed.ip] = ch
			worker := make(chan ipRequest)
			go runIPQueue(ch, worker)
			go l.runIPWorker(worker)
		}

		// The queue goroutine is always ready to receive, so one IP with a
		// busy worker never stalls dispatch for every other IP.
		ch <- keyed.req
	}
}

// runIPQueue holds one IP's pending requests between the dispatcher and the
// worker, draining them in arrival order. It accepts new requests even while
// the worker is busy, which keeps the dispatcher loop non-blocking.
func runIPQueue(in <-chan ipRequest, out chan<- ipRequest) {
	var pending []ipRequest
	for {
		var deliver chan<- ipRequest
		var head ipRequest
		if len(pending) > 0 {
			deliver = out
			head = pending[0]
		}

		select {
		case req := <-in:
			pending = append(pending, req)
		case deliver <- head:
			pending = pending[1:]
		}
	}
}

func (l *RateLimiter) runIPWorker(requests <-chan ipRequest) {
	var lastWriteFinish time.Time

	for req := range requests {
		select {
		case <-req.ctx.Done():
			req.response <- acquireResponse{err: req.ctx.Err()}
			continue
		default:
		}

		now := l.now()
		queueWait := now.Sub(req.arrived)
		if queueWait < 0 {
			queueWait = 0
		}
		totalWait := queueWait

		if req.kind == RequestWrite && !lastWriteFinish.IsZero() {
			readyAt := lastWriteFinish.Add(l.writeCooldown)
			now = l.now()
			if now.Before(readyAt) {
				cooldownWait := readyAt.Sub(now)
				timer := time.NewTimer(cooldownWait)
				select {
				case <-req.ctx.Done():
					if !timer.Stop() {
						<-timer.C
					}
					req.response <- acquireResponse{err: req.ctx.Err()}
					continue
				case <-timer.C:
					totalWait += cooldownWait
				}
			}
		}

		release := make(chan struct{})
		resp := acquireResponse{
			release:      release,
			wait:         totalWait > 0,
			waitDuration: totalWait,
		}

		select {
		case <-req.ctx.Done():
			req.response <- acquireResponse{err: req.ctx.Err()}
			continue
		case req.response <- resp:
		}

		select {
		case <-release:
		case <-req.ctx.Done():
			<-release
		}

		if req.kind == RequestWrite {
			lastWriteFinish = l.now()
		}
	}
}
