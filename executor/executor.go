// Package executor implements the shared task scheduler every blocking
// or long-running piece of work in the core runs through: front-end
// request goroutines never block on storage I/O, they hand a Task to
// the Pool and either complete synchronously against in-memory state
// or return WouldBlock. Tasks are class-partitioned and priority-bucketed
// rather than modeled as a thread-per-task hierarchy, and cancellation
// is cooperative — a task observes its own dead state on next
// scheduling rather than being killed outright, the same polled-signal
// idiom a staged sync loop uses to check for a stop request between
// units of work.
package executor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ledgerwatch/ep-core/core/clock"
	"github.com/ledgerwatch/ep-core/log"
)

// Class partitions the worker pool: Reader and Writer handle storage
// I/O, AuxIO handles ancillary I/O (access log, warmup), NonIO never
// blocks on disk.
type Class int

const (
	Reader Class = iota
	Writer
	AuxIO
	NonIO
	numClasses
)

func (c Class) String() string {
	switch c {
	case Reader:
		return "Reader"
	case Writer:
		return "Writer"
	case AuxIO:
		return "AuxIO"
	case NonIO:
		return "NonIO"
	default:
		return "Unknown"
	}
}

// Priority is a bucket's workload priority, used in capacity mode to
// pick which per-class queue (high or low) its tasks enter.
type Priority int

const (
	High Priority = iota
	Low
)

type state int32

const (
	runnable state = iota
	snoozed
	dead
)

// Task is a schedulable unit of work. Run returns false if the task
// should not be rescheduled ("do not reschedule"), true if it should
// be requeued. A task that wants a specific delay before its next run
// calls self.Snooze from within Run; otherwise it is requeued
// immediately.
type Task interface {
	Run(ctx context.Context, self *Handle) bool
	Describe() string
}

// Handle is the identity a Task uses to act on itself (snooze, wake,
// read its own id) without holding a reference to the whole Pool.
type Handle struct {
	pool *Pool
	id   uint64
}

func (h *Handle) ID() uint64                  { return h.id }
func (h *Handle) Snooze(d time.Duration) bool { return h.pool.Snooze(h.id, d) }
func (h *Handle) Wake() bool                  { return h.pool.Wake(h.id) }
func (h *Handle) Cancel(erase bool) bool      { return h.pool.Cancel(h.id, erase) }

// Bucket groups every task belonging to one owning engine/vBucket
// handle, for aggregate cancellation on shutdown.
type Bucket struct {
	name     string
	priority Priority
}

func (b *Bucket) Name() string { return b.name }

type taskEntry struct {
	id            uint64
	class         Class
	useHP         bool
	task          Task
	bucket        *Bucket
	blockShutdown bool
	state         state
	wakeAt        time.Time
	running       bool
	eraseOnFinish bool
}

type classQueue struct {
	hp        []*taskEntry
	lp        []*taskEntry
	sem       *semaphore.Weighted
	pollCount uint64
	notify    chan struct{}
}

func newClassQueue(workers int) *classQueue {
	return &classQueue{sem: semaphore.NewWeighted(int64(workers)), notify: make(chan struct{}, 1)}
}

func (q *classQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Config bundles the per-class worker counts and the global thread cap
// that switches the pool into capacity mode: once total configured
// threads exceed GlobalCap, a bucket's workload priority decides which
// queue its tasks enter instead of everything sharing the high-priority
// queue.
type Config struct {
	Readers   int
	Writers   int
	AuxIO     int
	NonIO     int
	GlobalCap int
}

// Pool is the cross-bucket, cross-vBucket task scheduler.
type Pool struct {
	mu           sync.Mutex
	tasks        map[uint64]*taskEntry
	queues       [numClasses]*classQueue
	nextID       uint64
	clk          clock.Clock
	log          log.Logger
	buckets      map[*Bucket]struct{}
	capacityMode bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewPool starts cfg's worker goroutines and returns a ready Pool.
func NewPool(cfg Config, clk clock.Clock) *Pool {
	total := cfg.Readers + cfg.Writers + cfg.AuxIO + cfg.NonIO
	p := &Pool{
		tasks:        make(map[uint64]*taskEntry),
		clk:          clk,
		log:          log.New("component", "executor"),
		buckets:      make(map[*Bucket]struct{}),
		capacityMode: cfg.GlobalCap > 0 && total > cfg.GlobalCap,
		stopCh:       make(chan struct{}),
	}
	p.queues[Reader] = newClassQueue(cfg.Readers)
	p.queues[Writer] = newClassQueue(cfg.Writers)
	p.queues[AuxIO] = newClassQueue(cfg.AuxIO)
	p.queues[NonIO] = newClassQueue(cfg.NonIO)

	counts := [numClasses]int{cfg.Readers, cfg.Writers, cfg.AuxIO, cfg.NonIO}
	for c := Class(0); c < numClasses; c++ {
		if counts[c] <= 0 {
			// No capacity configured for this class: tasks scheduled
			// onto it simply queue until the pool is reconfigured: no
			// dispatcher is started, so semaphore.Acquire(1) on a
			// zero-weight semaphore never blocks a goroutine forever.
			continue
		}
		p.wg.Add(1)
		go p.dispatchLoop(c)
	}
	return p
}

// Stop signals every worker to exit once idle and waits for them.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// RegisterBucket associates a workload priority with a new bucket
// handle, used to classify the tasks scheduled under it.
func (p *Pool) RegisterBucket(name string, prio Priority) *Bucket {
	b := &Bucket{name: name, priority: prio}
	p.mu.Lock()
	p.buckets[b] = struct{}{}
	p.mu.Unlock()
	return b
}

// UnregisterBucket cancels every task owned by b — skipping
// blockShutdown tasks unless force is set — then blocks until every
// one of the bucket's tasks (cancelled or left to finish naturally)
// has drained out of the pool.
func (p *Pool) UnregisterBucket(b *Bucket, force bool) {
	p.mu.Lock()
	var owned []*taskEntry
	for _, e := range p.tasks {
		if e.bucket != b {
			continue
		}
		owned = append(owned, e)
		if force || !e.blockShutdown {
			p.cancelLocked(e, true)
		}
	}
	p.mu.Unlock()

	for {
		p.mu.Lock()
		remaining := 0
		for _, e := range owned {
			if _, ok := p.tasks[e.id]; ok {
				remaining++
			}
		}
		p.mu.Unlock()
		if remaining == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	p.mu.Lock()
	delete(p.buckets, b)
	p.mu.Unlock()
}

// Schedule registers task under class, returning a stable task id.
// blockShutdown tasks are allowed to finish in-flight work even on a
// non-forced UnregisterBucket.
func (p *Pool) Schedule(task Task, class Class, bucket *Bucket, blockShutdown bool) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	prio := High
	if bucket != nil {
		prio = bucket.priority
	}
	e := &taskEntry{
		id:            id,
		class:         class,
		useHP:         !p.capacityMode || prio == High,
		task:          task,
		bucket:        bucket,
		blockShutdown: blockShutdown,
		state:         runnable,
		wakeAt:        p.clk.Now(),
	}
	p.tasks[id] = e
	q := p.queues[class]
	if e.useHP {
		q.hp = append(q.hp, e)
	} else {
		q.lp = append(q.lp, e)
	}
	q.signal()
	return id
}

// Wake moves a snoozed (or future-scheduled) task to the ready
// position immediately. Returns false if id is unknown.
func (p *Pool) Wake(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.tasks[id]
	if !ok || e.state == dead {
		return false
	}
	e.wakeAt = p.clk.Now()
	e.state = runnable
	p.queues[e.class].signal()
	return true
}

// Snooze reschedules id for at least d in the future.
func (p *Pool) Snooze(id uint64, d time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.tasks[id]
	if !ok || e.state == dead {
		return false
	}
	e.wakeAt = p.clk.Now().Add(d)
	e.state = snoozed
	return true
}

// Cancel marks id dead so it will not execute again. If erase, its
// registration is removed once the in-flight invocation (if any)
// completes.
func (p *Pool) Cancel(id uint64, erase bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.tasks[id]
	if !ok {
		return false
	}
	return p.cancelLocked(e, erase)
}

func (p *Pool) cancelLocked(e *taskEntry, erase bool) bool {
	wasDead := e.state == dead
	e.state = dead
	if e.running {
		if erase {
			e.eraseOnFinish = true
		}
		return !wasDead
	}
	removeFromQueue(p.queues[e.class], e)
	if erase {
		delete(p.tasks, e.id)
	}
	return !wasDead
}

func removeFromQueue(q *classQueue, e *taskEntry) {
	q.hp = removeEntry(q.hp, e)
	q.lp = removeEntry(q.lp, e)
}

func removeEntry(s []*taskEntry, e *taskEntry) []*taskEntry {
	for i, c := range s {
		if c == e {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// pick selects the next ready entry for this class, alternating
// between the high- and low-priority queues at roughly 4:1 to prevent
// starvation of the low-priority bucket. Dead entries encountered
// along the way are spliced out.
func (q *classQueue) pick(now time.Time) *taskEntry {
	q.pollCount++
	primary, secondary := &q.hp, &q.lp
	if q.pollCount%5 == 0 {
		primary, secondary = &q.lp, &q.hp
	}
	if e := pickFrom(primary, now); e != nil {
		return e
	}
	return pickFrom(secondary, now)
}

func pickFrom(s *[]*taskEntry, now time.Time) *taskEntry {
	for i := 0; i < len(*s); {
		e := (*s)[i]
		if e.state == dead {
			*s = append((*s)[:i], (*s)[i+1:]...)
			continue
		}
		if !e.running && !e.wakeAt.After(now) {
			*s = append((*s)[:i], (*s)[i+1:]...)
			return e
		}
		i++
	}
	return nil
}

// dispatchLoop is the sole goroutine that picks ready tasks for class;
// it bounds how many run concurrently by acquiring one unit of the
// class's semaphore per dispatch and handing the actual Run call off
// to its own goroutine, so a slow task never stalls the picker.
func (p *Pool) dispatchLoop(class Class) {
	defer p.wg.Done()
	q := p.queues[class]
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		if err := q.sem.Acquire(context.Background(), 1); err != nil {
			return
		}

		p.mu.Lock()
		e := q.pick(p.clk.Now())
		if e == nil {
			p.mu.Unlock()
			q.sem.Release(1)
			select {
			case <-p.stopCh:
				return
			case <-q.notify:
			case <-time.After(20 * time.Millisecond):
			}
			continue
		}
		e.running = true
		p.mu.Unlock()

		p.wg.Add(1)
		go p.runEntry(q, e)
	}
}

func (p *Pool) runEntry(q *classQueue, e *taskEntry) {
	defer p.wg.Done()
	defer q.sem.Release(1)

	handle := &Handle{pool: p, id: e.id}
	reschedule := e.task.Run(context.Background(), handle)

	p.mu.Lock()
	defer p.mu.Unlock()
	e.running = false
	switch {
	case e.state == dead:
		if e.eraseOnFinish {
			delete(p.tasks, e.id)
		}
	case !reschedule:
		delete(p.tasks, e.id)
	default:
		if e.state == runnable {
			e.wakeAt = p.clk.Now()
		}
		if e.useHP {
			q.hp = append(q.hp, e)
		} else {
			q.lp = append(q.lp, e)
		}
		q.signal()
	}
}

// NumTasks reports how many tasks are currently registered, live or
// awaiting cleanup.
func (p *Pool) NumTasks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}
