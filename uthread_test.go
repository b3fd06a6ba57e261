package uthread

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_invalidQuantum(t *testing.T) {
	t.Parallel()
	for _, q := range []int{0, -1} {
		s, err := New(q, WithTimer(NewManualTimer()))
		if s != nil {
			t.Errorf("New(%d) returned a scheduler", q)
		}
		if !errors.Is(err, ErrInvalidQuantum) {
			t.Errorf("New(%d) error = %v, want %v", q, err, ErrInvalidQuantum)
		}
	}
}

func TestNew_initialState(t *testing.T) {
	t.Parallel()
	s, timer := newTestScheduler(t)

	assert.Equal(t, MainThreadID, s.CurrentThreadID())
	assert.Equal(t, 1, s.TotalQuantums())
	n, err := s.QuantumsOf(MainThreadID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	state, err := s.StateOf(MainThreadID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, DefaultMaxThreads, s.MaxThreads())
	assert.Equal(t, timer.Quantum(), s.Quantum())
	assert.Equal(t, int64(100000000), s.Quantum().Nanoseconds())

	st := s.Stats()
	require.Len(t, st.Threads, 1)
	assert.Equal(t, ThreadStats{ID: MainThreadID, State: StateRunning, Quantums: 1}, st.Threads[0])
	assert.Empty(t, st.Ready)
	assert.Equal(t, 1, st.TotalQuantums)
}

func TestNew_isolatedInstances(t *testing.T) {
	t.Parallel()
	s1, _ := newTestScheduler(t)
	s2, _ := newTestScheduler(t)
	_, err := s1.Spawn(func() {})
	require.NoError(t, err)
	assert.Len(t, s1.Stats().Threads, 2)
	assert.Len(t, s2.Stats().Threads, 1)
}

// The two thread scenario: init, spawn A and B, then two ticks.
func TestScheduler_scenario(t *testing.T) {
	t.Parallel()
	s, timer := newTestScheduler(t)

	var (
		seenByA Stats
		seenByB Stats
		qa, qb  int
		total   int
	)

	a, err := s.Spawn(func() {
		seenByA = s.Stats()
		preempt(s, timer)
		for {
			preempt(s, timer)
		}
	})
	require.NoError(t, err)
	b, err := s.Spawn(func() {
		seenByB = s.Stats()
		qa, _ = s.QuantumsOf(1)
		qb, _ = s.QuantumsOf(2)
		total = s.TotalQuantums()
		for {
			preempt(s, timer)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, ThreadID(1), a)
	assert.Equal(t, ThreadID(2), b)
	assert.Equal(t, []ThreadID{a, b}, s.Stats().Ready)

	preempt(s, timer)

	// observed by A, after the first tick
	assert.Equal(t, a, seenByA.Current)
	assert.Equal(t, []ThreadID{b, MainThreadID}, seenByA.Ready)
	mainStats, _ := seenByA.Thread(MainThreadID)
	assert.Equal(t, StateReady, mainStats.State)

	// observed by B, after the second tick
	assert.Equal(t, b, seenByB.Current)
	assert.Equal(t, []ThreadID{MainThreadID, a}, seenByB.Ready)
	aStats, _ := seenByB.Thread(a)
	assert.Equal(t, StateReady, aStats.State)
	assert.Equal(t, 1, qa)
	assert.Equal(t, 1, qb)
	assert.Equal(t, 3, total)

	assert.Equal(t, 4, s.TotalQuantums())
}

func TestScheduler_fairness(t *testing.T) {
	t.Parallel()
	s, timer := newTestScheduler(t)

	var trace []ThreadID
	const k, cycles = 3, 5
	for i := 0; i < k; i++ {
		_, err := s.Spawn(func() {
			for {
				trace = append(trace, s.CurrentThreadID())
				preempt(s, timer)
			}
		})
		require.NoError(t, err)
	}
	for i := 0; i < cycles; i++ {
		trace = append(trace, s.CurrentThreadID())
		preempt(s, timer)
	}

	require.Len(t, trace, cycles*(k+1))
	for i, id := range trace {
		if want := ThreadID(i % (k + 1)); id != want {
			t.Fatalf("trace[%d] = %d, want %d (trace %v)", i, id, want, trace)
		}
	}

	// quantum accounting
	sum := 0
	for tid := ThreadID(0); tid <= k; tid++ {
		n, err := s.QuantumsOf(tid)
		require.NoError(t, err)
		want := cycles
		if tid == MainThreadID {
			want++
		}
		assert.Equal(t, want, n, "tid %d", tid)
		sum += n
	}
	assert.Equal(t, sum, s.TotalQuantums())
	assert.Equal(t, 1+cycles*(k+1), s.TotalQuantums())
}

func TestScheduler_tickWithEmptyReadyQueue(t *testing.T) {
	t.Parallel()
	s, timer := newTestScheduler(t)
	preempt(s, timer)
	preempt(s, timer)
	assert.Equal(t, 3, s.TotalQuantums())
	n, err := s.QuantumsOf(MainThreadID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, MainThreadID, s.CurrentThreadID())
}

func TestScheduler_tickCoalescing(t *testing.T) {
	t.Parallel()
	s, timer := newTestScheduler(t)
	timer.Fire()
	timer.Fire()
	timer.Fire()
	s.Checkpoint()
	s.Checkpoint()
	assert.Equal(t, 2, s.TotalQuantums())
}

func TestScheduler_tickDeliveredOnUnmask(t *testing.T) {
	t.Parallel()
	s, timer := newTestScheduler(t)
	var ran bool
	_, err := s.Spawn(func() {
		ran = true
		for {
			preempt(s, timer)
		}
	})
	require.NoError(t, err)
	timer.Fire()
	// any call delivers a pending tick on the way out
	state, err := s.StateOf(MainThreadID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)
	assert.True(t, ran)
	assert.Equal(t, 3, s.TotalQuantums())
}

func TestScheduler_timerRearmedOnEverySwitch(t *testing.T) {
	t.Parallel()
	s, timer := newTestScheduler(t)
	_, err := s.Spawn(func() {
		_ = s.Yield()
		_ = s.Sleep(0)
		for {
			preempt(s, timer)
		}
	})
	require.NoError(t, err)
	require.NoError(t, s.Yield())
	preempt(s, timer)
	preempt(s, timer)
	assert.Equal(t, s.TotalQuantums()-1, timer.Resets())
}

func TestScheduler_yield(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	var order []string
	_, err := s.Spawn(func() {
		order = append(order, "a")
		_ = s.Yield()
		order = append(order, "a again")
		_ = s.Yield()
	})
	require.NoError(t, err)
	require.NoError(t, s.Yield())
	order = append(order, "main")
	require.NoError(t, s.Yield())
	order = append(order, "main again")
	assert.Equal(t, []string{"a", "main", "a again", "main again"}, order)
}

func TestSpawn_invalidEntryPoint(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	tid, err := s.Spawn(nil)
	assert.Equal(t, ThreadID(-1), tid)
	assert.ErrorIs(t, err, ErrInvalidEntryPoint)
	assert.Len(t, s.Stats().Threads, 1)
}

func TestSpawn_capacity(t *testing.T) {
	t.Parallel()
	s, timer := newTestScheduler(t, WithMaxThreads(3))
	for i := 0; i < 2; i++ {
		_, err := s.Spawn(spin(s, timer))
		require.NoError(t, err)
	}
	before := s.Stats()
	tid, err := s.Spawn(spin(s, timer))
	assert.Equal(t, ThreadID(-1), tid)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, before, s.Stats())
	assert.Equal(t, 1, s.TotalQuantums())
}

func TestSpawn_idReuse(t *testing.T) {
	t.Parallel()
	s, timer := newTestScheduler(t)
	a, err := s.Spawn(spin(s, timer))
	require.NoError(t, err)
	b, err := s.Spawn(spin(s, timer))
	require.NoError(t, err)
	require.Equal(t, []ThreadID{1, 2}, []ThreadID{a, b})

	require.NoError(t, s.Terminate(a))
	_, err = s.QuantumsOf(a)
	assert.ErrorIs(t, err, ErrThreadNotFound)

	c, err := s.Spawn(spin(s, timer))
	require.NoError(t, err)
	assert.Equal(t, a, c)
	n, err := s.QuantumsOf(c)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	seen := map[ThreadID]bool{}
	for _, ts := range s.Stats().Threads {
		assert.False(t, seen[ts.ID], "duplicate id %d", ts.ID)
		seen[ts.ID] = true
	}
	assert.Len(t, seen, 3)
}

func TestBlock_mainThreadForbidden(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	err := s.Block(MainThreadID)
	assert.ErrorIs(t, err, ErrMainThreadForbidden)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, `block`, opErr.Op)
	assert.Equal(t, MainThreadID, opErr.TID)
}

func TestSleep_mainThreadForbidden(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	assert.ErrorIs(t, s.Sleep(1), ErrMainThreadForbidden)
	assert.ErrorIs(t, s.Sleep(-1), ErrMainThreadForbidden)
	assert.Equal(t, 1, s.TotalQuantums())
}

func TestScheduler_threadNotFound(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	for _, tid := range []ThreadID{-1, 1, 5, DefaultMaxThreads, DefaultMaxThreads + 1} {
		assert.ErrorIs(t, s.Block(tid), ErrThreadNotFound, "block %d", tid)
		assert.ErrorIs(t, s.Resume(tid), ErrThreadNotFound, "resume %d", tid)
		assert.ErrorIs(t, s.Terminate(tid), ErrThreadNotFound, "terminate %d", tid)
		_, err := s.QuantumsOf(tid)
		assert.ErrorIs(t, err, ErrThreadNotFound, "quantums %d", tid)
		_, err = s.StateOf(tid)
		assert.ErrorIs(t, err, ErrThreadNotFound, "state %d", tid)
		_, err = s.SleepRemaining(tid)
		assert.ErrorIs(t, err, ErrThreadNotFound, "sleep remaining %d", tid)
	}
	assert.Equal(t, 1, s.TotalQuantums())
}

func TestResume_idempotent(t *testing.T) {
	t.Parallel()
	s, timer := newTestScheduler(t)
	a, err := s.Spawn(spin(s, timer))
	require.NoError(t, err)
	b, err := s.Spawn(spin(s, timer))
	require.NoError(t, err)

	before := s.Stats()
	require.NoError(t, s.Resume(MainThreadID))
	require.NoError(t, s.Resume(a))
	require.NoError(t, s.Resume(b))
	assert.Equal(t, before, s.Stats())
	assert.Equal(t, []ThreadID{a, b}, s.Stats().Ready)
}

func TestBlock_readyThread(t *testing.T) {
	t.Parallel()
	s, timer := newTestScheduler(t)
	a, err := s.Spawn(spin(s, timer))
	require.NoError(t, err)
	b, err := s.Spawn(spin(s, timer))
	require.NoError(t, err)

	require.NoError(t, s.Block(a))
	require.NoError(t, s.Block(a))
	state, err := s.StateOf(a)
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, state)
	st := s.Stats()
	assert.Equal(t, []ThreadID{b}, st.Ready)
	assert.Equal(t, []ThreadID{a}, st.Blocked)
	// no scheduling event
	assert.Equal(t, 1, s.TotalQuantums())

	// only b and main alternate while a is blocked
	preempt(s, timer)
	preempt(s, timer)
	n, _ := s.QuantumsOf(a)
	assert.Equal(t, 0, n)

	require.NoError(t, s.Resume(a))
	assert.Equal(t, []ThreadID{b, a}, s.Stats().Ready)
}

func TestBlock_self(t *testing.T) {
	t.Parallel()
	s, timer := newTestScheduler(t)
	var stages []string
	a, err := s.Spawn(func() {
		stages = append(stages, "blocking")
		if err := s.Block(s.CurrentThreadID()); err != nil {
			t.Errorf("block self: %v", err)
		}
		stages = append(stages, "resumed")
		for {
			preempt(s, timer)
		}
	})
	require.NoError(t, err)

	preempt(s, timer)
	assert.Equal(t, []string{"blocking"}, stages)
	state, _ := s.StateOf(a)
	assert.Equal(t, StateBlocked, state)
	assert.Equal(t, 3, s.TotalQuantums())

	preempt(s, timer)
	assert.Equal(t, []string{"blocking"}, stages)

	require.NoError(t, s.Resume(a))
	state, _ = s.StateOf(a)
	assert.Equal(t, StateReady, state)
	preempt(s, timer)
	assert.Equal(t, []string{"blocking", "resumed"}, stages)
}

func TestOpError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  *OpError
		want string
	}{
		{"with tid", opError(`block`, 3, ErrThreadNotFound), "block 3: uthread: thread does not exist"},
		{"without tid", opError(`spawn`, -1, ErrCapacityExceeded), "spawn: uthread: maximum number of threads reached"},
		{"nil cause", &OpError{Op: `init`, TID: -1}, "init"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
			if got := tt.err.Unwrap(); got != tt.err.Err {
				t.Errorf("Unwrap() = %v, want %v", got, tt.err.Err)
			}
		})
	}
}

func TestThreadState_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Ready", StateReady.String())
	assert.Equal(t, "Running", StateRunning.String())
	assert.Equal(t, "Blocked", StateBlocked.String())
	assert.Equal(t, "Unknown(0)", ThreadState(0).String())
	assert.Equal(t, "Active", StateActive.String())
	assert.Equal(t, "Terminated", StateTerminated.String())
	assert.Equal(t, "sleep", ReasonSleep.String())
	assert.Equal(t, "unknown(9)", SwitchReason(9).String())
}
