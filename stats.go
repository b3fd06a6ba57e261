package uthread

// Stats is an immutable snapshot of a Scheduler, published whenever the
// running thread leaves a critical section having changed something.
type Stats struct {
	// Threads lists every occupied slot, in ascending id order.
	Threads []ThreadStats
	// Ready lists the ready queue, head first.
	Ready []ThreadID
	// Blocked lists the blocked set (threads blocked explicitly, via Block).
	Blocked []ThreadID
	// Sleeping lists the sleeping set, in the order threads went to sleep.
	Sleeping      []ThreadID
	TotalQuantums int
	Current       ThreadID
	State         LibraryState
}

// ThreadStats describes a single thread, see Stats.
type ThreadStats struct {
	ID       ThreadID
	State    ThreadState
	Quantums int
	// SleepRemaining is the countdown, valid only if Sleeping.
	SleepRemaining int
	Sleeping       bool
	Blocked        bool
}

// Thread returns the entry for tid, if present.
func (x *Stats) Thread(tid ThreadID) (ThreadStats, bool) {
	for _, t := range x.Threads {
		if t.ID == tid {
			return t, true
		}
	}
	return ThreadStats{}, false
}

func (s *Scheduler) snapshot() *Stats {
	st := &Stats{
		Threads:       make([]ThreadStats, 0, s.table.live),
		Ready:         s.ready.ids(),
		Blocked:       s.blocked.ids(),
		Sleeping:      s.sleeping.ids(),
		TotalQuantums: s.total,
		Current:       s.current,
		State:         s.state.Load(),
	}
	for _, t := range s.table.slots {
		if t == nil {
			continue
		}
		ts := ThreadStats{
			ID:       t.id,
			State:    t.state,
			Quantums: t.quantums,
			Sleeping: s.sleeping.contains(t.id),
			Blocked:  s.blocked.contains(t.id),
		}
		if ts.Sleeping {
			ts.SleepRemaining = t.sleep
		}
		st.Threads = append(st.Threads, ts)
	}
	return st
}

// publish stores a new snapshot if anything changed since the last one.
func (s *Scheduler) publish() {
	if !s.dirty {
		return
	}
	s.dirty = false
	st := s.snapshot()
	s.stats.Store(st)
	if s.observer != nil {
		s.observer.ObserveThreads(len(st.Threads), len(st.Ready), len(st.Blocked), len(st.Sleeping))
	}
}
