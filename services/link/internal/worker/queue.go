package worker

import (
	"context"
	"sync/atomic"
)

// Job is a unit of blocking work. A job is queued at most once: submitting it
// again while it is pending is a no-op. Pending is cleared just before the job
// runs, so it may be re-queued from inside its own body.
type Job struct {
	name    string
	fn      func(Blocking) error
	pending atomic.Bool
}

func NewJob(name string, fn func(Blocking) error) *Job {
	return &Job{name: name, fn: fn}
}

func (j *Job) Name() string  { return j.name }
func (j *Job) Pending() bool { return j.pending.Load() }

// Queue runs jobs one at a time in submission order, urgent jobs first.
type Queue struct {
	name  string
	hi    chan *Job
	lo    chan *Job
	onErr func(queue, job string, err error)
	drops atomic.Uint32
	runs  atomic.Uint64
}

func NewQueue(name string, depth int, onErr func(queue, job string, err error)) *Queue {
	if depth <= 0 {
		depth = 16
	}
	return &Queue{
		name:  name,
		hi:    make(chan *Job, depth),
		lo:    make(chan *Job, depth),
		onErr: onErr,
	}
}

func (q *Queue) Name() string { return q.name }

// Submit queues j. It returns false when j was already pending or the queue was full.
func (q *Queue) Submit(j *Job) bool { return q.submit(q.lo, j) }

// SubmitUrgent queues j ahead of normal jobs.
func (q *Queue) SubmitUrgent(j *Job) bool { return q.submit(q.hi, j) }

func (q *Queue) submit(c chan *Job, j *Job) bool {
	if !j.pending.CompareAndSwap(false, true) {
		return false
	}
	select {
	case c <- j:
		return true
	default:
		j.pending.Store(false)
		q.drops.Add(1)
		return false
	}
}

// Drops counts submissions refused because the queue was full.
func (q *Queue) Drops() uint32 { return q.drops.Load() }

// Runs counts executed jobs.
func (q *Queue) Runs() uint64 { return q.runs.Load() }

// Run executes jobs until ctx is done. Jobs still queued are abandoned.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-q.hi:
			q.exec(j)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return nil
		case j := <-q.hi:
			q.exec(j)
		case j := <-q.lo:
			q.exec(j)
		}
	}
}

func (q *Queue) exec(j *Job) {
	j.pending.Store(false)
	err := j.fn(blockingCtx{queue: q.name})
	q.runs.Add(1)
	if err != nil && q.onErr != nil {
		q.onErr(q.name, j.name, err)
	}
}
