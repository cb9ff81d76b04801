package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	passes [][]string
}

func (r *recorder) reconcile(reasons []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes = append(r.passes, reasons)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.passes)
}

func newTestScheduler(rec *recorder) *Scheduler {
	return New(Config{Reconcile: rec.reconcile, Logger: zerolog.Nop()})
}

func TestSchedule_CoalescesReasons(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(rec)

	// Hold the deferred flush off by bracketing with a tick.
	s.EnterTick()
	s.Schedule("state-a")
	s.Schedule("state-b")
	s.Schedule("state-c")
	assert.True(t, s.Pending())
	s.ExitTick()

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"state-a", "state-b", "state-c"}, rec.passes[0])
}

func TestFlush_Idempotent(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(rec)

	s.Flush()
	s.Flush()
	assert.Equal(t, 0, rec.count())

	s.EnterTick()
	s.Schedule("x")
	s.Flush()
	s.Flush()
	s.ExitTick()
	assert.Equal(t, 1, rec.count())
}

func TestFlush_MidTickRecorded(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(rec)

	s.EnterTick()
	s.Schedule("dirty-signal")
	s.Flush()
	s.ExitTick()

	pass, ok := s.LastPass()
	require.True(t, ok)
	assert.True(t, pass.MidTick)
	assert.Equal(t, uint64(1), pass.Number)
	assert.Equal(t, []string{"dirty-signal"}, pass.Reasons)
}

func TestExitTick_SchedulesPendingWork(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(rec)

	s.EnterTick()
	s.Schedule("queued-during-tick")
	// No pass while the tick owns reconciliation.
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, StateInTick, s.State())
	s.ExitTick()

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	pass, ok := s.LastPass()
	require.True(t, ok)
	assert.False(t, pass.MidTick)
}

func TestState_Transitions(t *testing.T) {
	s := New(Config{Logger: zerolog.Nop()})
	assert.Equal(t, StateIdle, s.State())

	s.EnterTick()
	assert.Equal(t, StateInTick, s.State())
	s.Schedule("r")
	assert.Equal(t, StateInTick, s.State())
	s.ExitTick()

	assert.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), s.Passes())
}

func TestSchedule_ConcurrentCallers(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(rec)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Schedule("concurrent")
		}()
	}
	wg.Wait()
	s.Flush()

	require.Eventually(t, func() bool { return !s.Pending() }, time.Second, time.Millisecond)

	// Every reason is accounted for across however many passes ran.
	rec.mu.Lock()
	total := 0
	for _, p := range rec.passes {
		total += len(p)
	}
	rec.mu.Unlock()
	assert.Equal(t, 50, total)
}
