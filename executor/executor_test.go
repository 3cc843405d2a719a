package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/ep-core/core/clock"
)

type countingTask struct {
	runs    int32
	reqeues int32
	after   func(h *Handle)
}

func (t *countingTask) Run(ctx context.Context, h *Handle) bool {
	atomic.AddInt32(&t.runs, 1)
	if t.after != nil {
		t.after(h)
	}
	return atomic.LoadInt32(&t.runs) < 3
}

func (t *countingTask) Describe() string { return "counting-task" }

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "condition never became true")
}

func TestScheduleRunsTaskToCompletion(t *testing.T) {
	p := NewPool(Config{Readers: 1, Writers: 1, AuxIO: 1, NonIO: 1}, clock.System{})
	defer p.Stop()

	task := &countingTask{}
	id := p.Schedule(task, NonIO, nil, false)
	require.NotZero(t, id)

	waitUntil(t, time.Second, func() bool { return atomic.LoadInt32(&task.runs) == 3 })
	waitUntil(t, time.Second, func() bool { return p.NumTasks() == 0 })
}

func TestCancelStopsRescheduling(t *testing.T) {
	p := NewPool(Config{NonIO: 1}, clock.System{})
	defer p.Stop()

	task := &countingTask{}
	task.after = func(h *Handle) {
		if atomic.LoadInt32(&task.runs) == 1 {
			h.Cancel(true)
		}
	}
	id := p.Schedule(task, NonIO, nil, false)

	waitUntil(t, time.Second, func() bool { return p.NumTasks() == 0 })
	require.False(t, p.Wake(id), "a cancelled, erased task id must no longer be known")
}

func TestSnoozeDelaysNextRun(t *testing.T) {
	p := NewPool(Config{NonIO: 1}, clock.System{})
	defer p.Stop()

	var firstRun time.Time
	task := &countingTask{}
	task.after = func(h *Handle) {
		if atomic.LoadInt32(&task.runs) == 1 {
			firstRun = time.Now()
			h.Snooze(100 * time.Millisecond)
		}
	}
	p.Schedule(task, NonIO, nil, false)

	waitUntil(t, time.Second, func() bool { return atomic.LoadInt32(&task.runs) == 2 })
	require.GreaterOrEqual(t, time.Since(firstRun), 90*time.Millisecond)
}

func TestUnregisterBucketWaitsForDrain(t *testing.T) {
	p := NewPool(Config{NonIO: 1}, clock.System{})
	defer p.Stop()

	b := p.RegisterBucket("bucket-a", High)
	task := &countingTask{}
	p.Schedule(task, NonIO, b, false)

	p.UnregisterBucket(b, true)
	require.Equal(t, 0, p.NumTasks())
}
