package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/angelmondragon/splitledger-backend/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultDeferQueueSize   = 256
	defaultDeferMaxAttempts = 8
	defaultDeferBaseBackoff = 500 * time.Millisecond
	defaultDeferMaxBackoff  = 30 * time.Second
	deferJitterWindow       = 100 * time.Millisecond
	drainTimeout            = 10 * time.Second
)

var (
	// ErrDeferQueueFull is returned when a connectivity failure cannot be
	// parked because the retry queue is saturated.
	ErrDeferQueueFull = errors.New("deferred write queue is full")
	// ErrDeferShutdown resolves writes that were still queued when the worker stopped.
	ErrDeferShutdown = errors.New("deferred write abandoned on shutdown")
)

// WriteStatus describes where a unit of work stands.
type WriteStatus string

const (
	WriteCommitted WriteStatus = "committed"
	WriteDeferred  WriteStatus = "deferred"
	WriteFailed    WriteStatus = "failed"
)

// PendingWrite is the observable outcome of a submitted unit of work. A
// committed or failed write is final; a deferred one resolves later to either.
type PendingWrite struct {
	id     uuid.UUID
	mu     sync.Mutex
	status WriteStatus
	err    error
	done   chan struct{}
}

// CommittedWrite returns an already resolved successful write.
func CommittedWrite() *PendingWrite {
	p := &PendingWrite{status: WriteCommitted, done: make(chan struct{})}
	close(p.done)
	return p
}

func newDeferredWrite() *PendingWrite {
	return &PendingWrite{id: uuid.New(), status: WriteDeferred, done: make(chan struct{})}
}

// ID identifies a write that was deferred. Writes committed on the first
// attempt have no ID.
func (p *PendingWrite) ID() uuid.UUID {
	if p == nil {
		return uuid.Nil
	}
	return p.id
}

func (p *PendingWrite) Status() WriteStatus {
	if p == nil {
		return WriteCommitted
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Err returns the terminal failure of a deferred write, if any.
func (p *PendingWrite) Err() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed once the write is no longer deferred.
func (p *PendingWrite) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the write resolves or ctx ends.
func (p *PendingWrite) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PendingWrite) resolve(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != WriteDeferred {
		return
	}
	if err != nil {
		p.status = WriteFailed
		p.err = err
	} else {
		p.status = WriteCommitted
	}
	close(p.done)
}

// Job is one unit of work. Run may execute more than once, each time in a
// fresh transaction, so it must read whatever state it depends on inside tx.
type Job struct {
	Name string
	Run  func(tx *gorm.DB) error
	// Applied reports whether an earlier attempt already committed even
	// though its acknowledgement was lost. Retries consult it inside the
	// transaction and skip Run when it returns true.
	Applied func(tx *gorm.DB) (bool, error)
	// OnCommit fires after a successful commit, synchronous or deferred.
	OnCommit func()
	// OnFailure maps the terminal error of a deferred write to what the
	// PendingWrite reports.
	OnFailure func(error) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// DeferredGauge receives the current number of parked writes.
type DeferredGauge interface {
	SetDeferred(n int)
}

type DeferrerParams struct {
	Runner      txRunner
	Logger      *logger.Logger
	Enabled     bool
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Gauge       DeferredGauge
}

type queuedJob struct {
	job     Job
	pending *PendingWrite
	lastErr error
}

// Deferrer runs units of work in a transaction and, when enabled, parks the
// ones that failed on connectivity for background retry.
type Deferrer struct {
	runner      txRunner
	logg        *logger.Logger
	enabled     bool
	queue       chan *queuedJob
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	gauge       DeferredGauge
	jitter      *rand.Rand

	mu     sync.Mutex
	parked int
}

func NewDeferrer(params DeferrerParams) (*Deferrer, error) {
	if params.Runner == nil {
		return nil, errors.New("transaction runner is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	size := params.QueueSize
	if size <= 0 {
		size = defaultDeferQueueSize
	}
	attempts := params.MaxAttempts
	if attempts <= 0 {
		attempts = defaultDeferMaxAttempts
	}
	base := params.BaseBackoff
	if base <= 0 {
		base = defaultDeferBaseBackoff
	}
	max := params.MaxBackoff
	if max <= 0 {
		max = defaultDeferMaxBackoff
	}
	return &Deferrer{
		runner:      params.Runner,
		logg:        params.Logger,
		enabled:     params.Enabled,
		queue:       make(chan *queuedJob, size),
		maxAttempts: attempts,
		baseBackoff: base,
		maxBackoff:  max,
		gauge:       params.Gauge,
		jitter:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Submit runs job once synchronously. Errors other than parked connectivity
// failures are returned as-is and nothing is applied.
func (d *Deferrer) Submit(ctx context.Context, job Job) (*PendingWrite, error) {
	if job.Run == nil {
		return nil, errors.New("job run func is required")
	}
	err := d.runner.WithTx(ctx, job.Run)
	if err == nil {
		if job.OnCommit != nil {
			job.OnCommit()
		}
		return CommittedWrite(), nil
	}
	if !d.enabled || !IsConnectivityError(err) {
		return nil, err
	}

	queued := &queuedJob{job: job, pending: newDeferredWrite(), lastErr: err}
	select {
	case d.queue <- queued:
	default:
		return nil, fmt.Errorf("%w: %v", ErrDeferQueueFull, err)
	}
	d.adjustParked(1)

	logCtx := d.logg.WithFields(ctx, map[string]any{"job": job.Name})
	logCtx = d.logg.WithField(logCtx, "error", err.Error())
	d.logg.Warn(logCtx, "database unreachable, write deferred")
	return queued.pending, nil
}

// Run drains the retry queue until ctx is canceled, then makes one last
// attempt at every job still parked.
func (d *Deferrer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			d.drain(context.WithoutCancel(ctx))
			return nil
		}
		select {
		case <-ctx.Done():
		case queued := <-d.queue:
			d.retry(ctx, queued)
		}
	}
}

func (d *Deferrer) retry(ctx context.Context, queued *queuedJob) {
	backoff := d.baseBackoff
	attempt := 1
	for {
		if attempt >= d.maxAttempts {
			d.finish(ctx, queued, fmt.Errorf("giving up after %d attempts: %w", attempt, queued.lastErr))
			return
		}
		if err := sleepCtx(ctx, d.withJitter(backoff)); err != nil {
			// Shutdown; the job gets a final attempt during drain.
			d.requeueForDrain(queued)
			return
		}
		attempt++
		err := d.rerun(ctx, queued.job)
		if err == nil {
			d.finish(ctx, queued, nil)
			return
		}
		queued.lastErr = err
		if !IsConnectivityError(err) {
			d.finish(ctx, queued, err)
			return
		}
		backoff = nextDeferBackoff(backoff, d.maxBackoff)
	}
}

// rerun repeats a parked job. The first attempt may have committed before the
// connection dropped, so Applied gets the last word before Run.
func (d *Deferrer) rerun(ctx context.Context, job Job) error {
	return d.runner.WithTx(ctx, func(tx *gorm.DB) error {
		if job.Applied != nil {
			done, err := job.Applied(tx)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
		return job.Run(tx)
	})
}

func (d *Deferrer) requeueForDrain(queued *queuedJob) {
	select {
	case d.queue <- queued:
	default:
		d.finish(context.Background(), queued, ErrDeferShutdown)
	}
}

func (d *Deferrer) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	for {
		select {
		case queued := <-d.queue:
			if ctx.Err() != nil {
				d.finish(ctx, queued, ErrDeferShutdown)
				continue
			}
			d.finish(ctx, queued, d.rerun(ctx, queued.job))
		default:
			return
		}
	}
}

func (d *Deferrer) finish(ctx context.Context, queued *queuedJob, err error) {
	d.adjustParked(-1)
	logCtx := d.logg.WithField(ctx, "job", queued.job.Name)
	if err == nil {
		if queued.job.OnCommit != nil {
			queued.job.OnCommit()
		}
		queued.pending.resolve(nil)
		d.logg.Info(logCtx, "deferred write committed")
		return
	}
	d.logg.Error(logCtx, "deferred write failed", err)
	if queued.job.OnFailure != nil {
		err = queued.job.OnFailure(err)
	}
	queued.pending.resolve(err)
}

// Pending reports how many writes are parked.
func (d *Deferrer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parked
}

func (d *Deferrer) adjustParked(delta int) {
	d.mu.Lock()
	d.parked += delta
	n := d.parked
	d.mu.Unlock()
	if d.gauge != nil {
		d.gauge.SetDeferred(n)
	}
}

func (d *Deferrer) withJitter(base time.Duration) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return base + time.Duration(d.jitter.Int63n(int64(deferJitterWindow)))
}

func nextDeferBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
