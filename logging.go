package uthread

import (
	"fmt"
	"time"
)

// fail builds the error returned by a failed call, and reports it. Error
// logs are rate limited per operation.
func (s *Scheduler) fail(op string, tid ThreadID, err error) error {
	e := opError(op, tid, err)
	if s.observer != nil {
		s.observer.ObserveError(op, e)
	}
	if b := s.logger.Err(); b.Enabled() {
		if _, ok := s.limiter.Allow(op); ok {
			if tid >= 0 {
				b = b.Int(`tid`, int(tid))
			}
			b.Str(`op`, op).
				Err(err).
				Log(`thread library error`)
		} else {
			b.Release()
		}
	}
	return e
}

func (s *Scheduler) logSwitch(from, to *thread, reason SwitchReason, held time.Duration) {
	if b := s.logger.Trace(); b.Enabled() {
		b.Int(`from`, int(from.id)).
			Int(`to`, int(to.id)).
			Str(`reason`, reason.String()).
			Dur(`held`, held).
			Int(`total`, s.total).
			Log(`switch`)
	}
}

func (s *Scheduler) logPanic(tid ThreadID, r any) {
	s.logger.Err().
		Int(`tid`, int(tid)).
		Str(`panic`, fmt.Sprint(r)).
		Log(`thread panicked, terminating it`)
}

func (s *Scheduler) logTimerError(op string, err error) {
	s.logger.Crit().
		Str(`op`, op).
		Err(err).
		Log(`preemption timer failure`)
}
