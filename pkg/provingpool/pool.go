// Package provingpool runs zswap proof generation on a background worker
// pool so the single-threaded VM and partitioner never block on it (spec.md
// §5 "Scheduling model"). Grounded in the teacher's core/connection_pool.go
// (mutex-guarded map, ticker-driven reaper goroutine, closeOnce shutdown),
// generalized from idle-connection reaping to pending/processing job
// accounting with cancellation and deadline sweeping.
package provingpool

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	logrus "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"midnight-ledger/internal/zswap"
)

// JobState is a proof job's lifecycle stage (spec.md §5 "Cancellation").
type JobState int

const (
	JobPending JobState = iota
	JobProcessing
	JobDone
	JobFailed
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobProcessing:
		return "processing"
	case JobDone:
		return "done"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Job is one submitted proving request and its eventual result.
type Job struct {
	ID       uuid.UUID
	Deadline time.Time

	mu       sync.Mutex
	state    JobState
	result   zswap.Proof
	skips    int
	err      error
	watchers []chan JobState
}

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	j.state = s
	watchers := j.watchers
	j.mu.Unlock()
	for _, w := range watchers {
		select {
		case w <- s:
		default:
		}
	}
}

// State returns the job's current lifecycle stage.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Result returns the proof, pi_skips and error once the job has reached a
// terminal state; ok is false while still pending or processing.
func (j *Job) Result() (proof zswap.Proof, skips int, err error, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	terminal := j.state == JobDone || j.state == JobFailed || j.state == JobCancelled
	return j.result, j.skips, j.err, terminal
}

// Subscribe returns a channel receiving every future state transition
// exactly once (spec.md §5 "A subscriber to a job receives every status
// transition exactly once"). The channel is buffered (8 slots) to avoid
// blocking the pool on a slow subscriber; if the buffer is full, the new
// transition is dropped for that subscriber rather than stalling job
// processing, matching the teacher's fire-and-forget notification style
// elsewhere in the pack.
func (j *Job) Subscribe() <-chan JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	ch := make(chan JobState, 8)
	j.watchers = append(j.watchers, ch)
	return ch
}

type jobRequest struct {
	job      *Job
	ctx      context.Context
	preimage zswap.ProofPreimage
}

// Pool is a capacity-bounded proof worker pool (spec.md §5 "Back-pressure").
// capacity bounds both the queue depth (pending_count) and the number of
// concurrent worker goroutines draining it, so back-pressure reflects
// actual contention rather than a transient scheduling artifact.
type Pool struct {
	capacity int
	prover   zswap.ProvingProvider
	resolver zswap.KeyResolver
	limiter  *rate.Limiter
	log      *logrus.Logger

	mu         sync.Mutex
	pending    map[uuid.UUID]*Job
	processing map[uuid.UUID]*Job

	queue           chan jobRequest
	janitorInterval time.Duration
	closing         chan struct{}
	closeOnce       sync.Once
}

// New wires a Pool with the given capacity and janitor sweep interval,
// starts capacity worker goroutines plus the janitor goroutine.
func New(capacity int, janitorInterval time.Duration, prover zswap.ProvingProvider, resolver zswap.KeyResolver, log *logrus.Logger) *Pool {
	if log == nil {
		log = logrus.New()
	}
	if capacity < 0 {
		capacity = 0
	}
	p := &Pool{
		capacity:        capacity,
		prover:          prover,
		resolver:        resolver,
		limiter:         rate.NewLimiter(rate.Limit((capacity+1)*4), (capacity+1)*4),
		log:             log,
		pending:         make(map[uuid.UUID]*Job),
		processing:      make(map[uuid.UUID]*Job),
		queue:           make(chan jobRequest, capacity),
		janitorInterval: janitorInterval,
		closing:         make(chan struct{}),
	}
	for i := 0; i < capacity; i++ {
		go p.worker()
	}
	go p.janitor()
	return p
}

// Submit enqueues a proof job, rejecting it with ErrJobQueueFull if the
// pool's queue is at capacity and ErrSubmissionThrottled if the rate
// limiter is exhausted.
func (p *Pool) Submit(ctx context.Context, preimage zswap.ProofPreimage, deadline time.Time) (*Job, error) {
	if !p.limiter.Allow() {
		return nil, ErrSubmissionThrottled
	}

	job := &Job{ID: uuid.New(), Deadline: deadline, state: JobPending}

	p.mu.Lock()
	p.pending[job.ID] = job
	p.mu.Unlock()

	select {
	case p.queue <- jobRequest{job: job, ctx: ctx, preimage: preimage}:
		return job, nil
	default:
		p.mu.Lock()
		delete(p.pending, job.ID)
		p.mu.Unlock()
		return nil, ErrJobQueueFull
	}
}

func (p *Pool) worker() {
	for {
		select {
		case req := <-p.queue:
			p.process(req)
		case <-p.closing:
			return
		}
	}
}

func (p *Pool) process(req jobRequest) {
	job := req.job

	p.mu.Lock()
	if _, stillPending := p.pending[job.ID]; !stillPending {
		p.mu.Unlock()
		return // cancelled before a worker picked it up
	}
	delete(p.pending, job.ID)
	p.processing[job.ID] = job
	p.mu.Unlock()
	job.setState(JobProcessing)

	proof, skips, err := p.prover.Prove(req.ctx, req.preimage, io.Reader(nil), p.resolver)

	p.mu.Lock()
	delete(p.processing, job.ID)
	p.mu.Unlock()

	job.mu.Lock()
	job.result, job.skips, job.err = proof, skips, err
	job.mu.Unlock()

	if err != nil {
		job.setState(JobFailed)
		return
	}
	job.setState(JobDone)
}

// Cancel transitions a Pending job directly to Cancelled (spec.md §5); a
// Processing job cannot be cancelled.
func (p *Pool) Cancel(id uuid.UUID) error {
	p.mu.Lock()
	if _, processing := p.processing[id]; processing {
		p.mu.Unlock()
		return ErrCannotCancelActive
	}
	job, pending := p.pending[id]
	if !pending {
		p.mu.Unlock()
		return ErrJobNotFound
	}
	delete(p.pending, id)
	p.mu.Unlock()

	job.setState(JobCancelled)
	return nil
}

// Status reports the live pending/processing counts for the readiness
// endpoint (spec.md §6 "GET /ready").
func (p *Pool) Status() (processing, pending, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.processing), len(p.pending), p.capacity
}

// Busy reports whether pending has reached capacity (spec.md §5 "a server
// is busy iff pending >= C").
func (p *Pool) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) >= p.capacity
}

func (p *Pool) janitor() {
	interval := p.janitorInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweepExpired()
		case <-p.closing:
			return
		}
	}
}

func (p *Pool) sweepExpired() {
	now := time.Now()
	var expired []*Job

	p.mu.Lock()
	for id, job := range p.pending {
		if job.Deadline.IsZero() || job.Deadline.After(now) {
			continue
		}
		delete(p.pending, id)
		expired = append(expired, job)
	}
	for id, job := range p.processing {
		if job.Deadline.IsZero() || job.Deadline.After(now) {
			continue
		}
		delete(p.processing, id)
		expired = append(expired, job)
	}
	p.mu.Unlock()

	for _, job := range expired {
		job.mu.Lock()
		job.err = context.DeadlineExceeded
		job.mu.Unlock()
		job.setState(JobFailed)
		p.log.WithFields(logrus.Fields{"job_id": job.ID}).Warn("provingpool: job expired before completion")
	}
}

// Close stops the janitor goroutine. In-flight jobs are left to finish on
// their own goroutines; callers that need to drain them first should poll
// Status until pending and processing both reach zero.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closing)
	})
}

// WorkerPoolProver adapts a Pool to zswap.ProvingProvider: Prove submits
// the preimage to the pool and blocks until the resulting job reaches a
// terminal state or ctx is done (spec.md §4.G' "a WorkerPoolProver that
// submits to the proof worker pool").
type WorkerPoolProver struct {
	Pool     *Pool
	Deadline time.Duration // job deadline relative to submission time
}

// Prove implements zswap.ProvingProvider.
func (w WorkerPoolProver) Prove(ctx context.Context, preimage zswap.ProofPreimage, rng io.Reader, resolver zswap.KeyResolver) (zswap.Proof, int, error) {
	deadline := time.Time{}
	if w.Deadline > 0 {
		deadline = time.Now().Add(w.Deadline)
	}
	job, err := w.Pool.Submit(ctx, preimage, deadline)
	if err != nil {
		return zswap.Proof{}, 0, err
	}

	ch := job.Subscribe()
	for {
		if proof, skips, jerr, ok := job.Result(); ok {
			return proof, skips, jerr
		}
		select {
		case <-ctx.Done():
			return zswap.Proof{}, 0, ctx.Err()
		case <-ch:
			continue
		}
	}
}
