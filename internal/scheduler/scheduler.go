package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/notectx/notectx-mcp/internal/embedder"
	"github.com/notectx/notectx-mcp/pkg/types"
)

// Priority selects the scheduling lane for a request.
type Priority int

const (
	// PriorityLow is for bulk background work; subject to the queue bound.
	PriorityLow Priority = iota
	// PriorityHigh is for interactive requests; drawn before queued low work.
	PriorityHigh
)

// RequestType discriminates pool request messages.
type RequestType string

const (
	TypeEmbed     RequestType = "embed"
	TypeConfigure RequestType = "configure"
)

// Status values for terminal responses and progress notifications.
const (
	StatusSuccess     = "success"
	StatusError       = "error"
	StatusInitiate    = "initiate"
	StatusDownloading = "downloading"
	StatusProgress    = "progress"
	StatusDone        = "done"
	StatusReady       = "ready"
)

// ErrPoolClosed is returned for submissions after Close.
var ErrPoolClosed = errors.New("scheduler closed")

// Defaults.
const (
	DefaultWorkers     = 2
	DefaultQueueSize   = 256
	DefaultHighCeiling = 64
)

// Request is one unit of pool work. The id is unique for the lifetime of
// the pending request and is reused only after the response is delivered.
type Request struct {
	ID       string      `json:"id"`
	Type     RequestType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Priority Priority    `json:"-"`
}

// Response is the terminal message for a request.
type Response struct {
	ID     string              `json:"id"`
	Status string              `json:"status"` // success or error
	Output *embedder.Embedding `json:"output,omitempty"`
	Err    error               `json:"-"`
}

// Progress is an unsolicited notification, correlated by the absence of a
// terminal request id.
type Progress struct {
	Status   string  `json:"status"`
	File     string  `json:"file,omitempty"`
	Progress float64 `json:"progress,omitempty"`
}

// Options configures a pool.
type Options struct {
	Workers     int
	QueueSize   int // Low-priority queue bound
	HighCeiling int // Hard ceiling for the high lane
}

type job struct {
	req  Request
	ctx  context.Context
	resp chan Response
}

// Pool schedules embedding requests across a fixed set of workers.
type Pool struct {
	emb embedder.Embedder

	high chan *job
	low  chan *job

	progress chan Progress

	mu          sync.Mutex
	cond        *sync.Cond
	pending     int // Queued plus in-flight requests
	configuring bool
	closed      bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a pool over the given embedder and starts its workers.
func New(emb embedder.Embedder, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.HighCeiling <= 0 {
		opts.HighCeiling = DefaultHighCeiling
	}

	p := &Pool{
		emb:      emb,
		high:     make(chan *job, opts.HighCeiling),
		low:      make(chan *job, opts.QueueSize),
		progress: make(chan Progress, 16),
		done:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go p.worker()
	}

	return p
}

// Submit enqueues an embedding request and returns its id plus a channel
// that delivers exactly one terminal response. Low-priority submissions
// fail with types.ErrQueueFull when the queue bound is reached;
// high-priority submissions fail the same way only at the hard ceiling.
// Submissions during reconfiguration are rejected so migration starts from
// a quiet pool.
func (p *Pool) Submit(ctx context.Context, text string, prio Priority) (string, <-chan Response, error) {
	j := &job{
		req: Request{
			ID:       uuid.NewString(),
			Type:     TypeEmbed,
			Text:     text,
			Priority: prio,
		},
		ctx:  ctx,
		resp: make(chan Response, 1),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", nil, ErrPoolClosed
	}
	if p.configuring {
		p.mu.Unlock()
		return "", nil, fmt.Errorf("%w: model reconfiguration in progress", types.ErrQueueFull)
	}

	lane := p.low
	if prio == PriorityHigh {
		lane = p.high
	}

	select {
	case lane <- j:
		p.pending++
		p.mu.Unlock()
		return j.req.ID, j.resp, nil
	default:
		p.mu.Unlock()
		return "", nil, fmt.Errorf("%w: %s lane at capacity", types.ErrQueueFull, laneName(prio))
	}
}

// Configure runs fn with the pool quiesced: it waits for every queued and
// in-flight request to finish, blocks new submissions, and only then calls
// fn. The report callback routes progress notifications onto the pool's
// progress stream. fn's error is returned unchanged; the pool accepts work
// again either way.
func (p *Pool) Configure(ctx context.Context, fn func(report func(Progress)) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	for p.configuring && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.configuring = true
	for p.pending > 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		p.configuring = false
		p.cond.Broadcast()
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.configuring = false
		p.cond.Broadcast()
		p.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	return fn(p.emitProgress)
}

// SwapEmbedder replaces the backing embedder. Only meaningful while the
// pool is quiesced inside Configure; callers own closing the old backend.
func (p *Pool) SwapEmbedder(emb embedder.Embedder) {
	p.mu.Lock()
	p.emb = emb
	p.mu.Unlock()
}

// Progress returns the unsolicited notification stream.
func (p *Pool) Progress() <-chan Progress {
	return p.progress
}

// Close stops the workers. Queued requests receive an error response.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	// Fail whatever is still queued.
	for {
		select {
		case j := <-p.high:
			p.deliver(j, Response{ID: j.req.ID, Status: StatusError, Err: ErrPoolClosed})
		case j := <-p.low:
			p.deliver(j, Response{ID: j.req.ID, Status: StatusError, Err: ErrPoolClosed})
		default:
			close(p.progress)
			return
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		// Shutdown wins over queued work; Close fails the remainder.
		select {
		case <-p.done:
			return
		default:
		}

		// Drain the high lane first so interactive work preempts queued
		// bulk work.
		select {
		case j := <-p.high:
			p.run(j)
			continue
		default:
		}

		select {
		case j := <-p.high:
			p.run(j)
		case j := <-p.low:
			p.run(j)
		case <-p.done:
			return
		}
	}
}

// run executes one request and delivers its terminal response. In-flight
// work is never aborted by higher-priority arrivals; only the request's own
// context cancels it.
func (p *Pool) run(j *job) {
	if err := j.ctx.Err(); err != nil {
		p.deliver(j, Response{ID: j.req.ID, Status: StatusError, Err: err})
		return
	}

	p.mu.Lock()
	backend := p.emb
	p.mu.Unlock()

	emb, err := backend.Embed(j.ctx, embedder.Request{Text: j.req.Text})
	if err != nil {
		p.deliver(j, Response{ID: j.req.ID, Status: StatusError, Err: err})
		return
	}

	p.deliver(j, Response{ID: j.req.ID, Status: StatusSuccess, Output: emb})
}

// deliver sends the terminal response and releases the request's pending
// slot. The response channel is buffered, so delivery never blocks even if
// the caller abandoned the request.
func (p *Pool) deliver(j *job, resp Response) {
	j.resp <- resp

	p.mu.Lock()
	p.pending--
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pool) emitProgress(pr Progress) {
	select {
	case p.progress <- pr:
	default:
		// Progress is advisory; drop rather than stall a migration.
	}
}

func laneName(prio Priority) string {
	if prio == PriorityHigh {
		return "high"
	}
	return "low"
}
