package uthread

import (
	"fmt"
	"os"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// schedulerOptions holds configuration options for Scheduler creation.
type schedulerOptions struct {
	timer          Timer
	logger         *logiface.Logger[logiface.Event]
	observer       Observer
	exit           func(code int)
	errorLogRates  map[time.Duration]int
	maxThreads     int
	metricsEnabled bool
	ownershipCheck bool
}

// Option configures a Scheduler instance.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *optionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithMaxThreads sets the capacity of the thread table, which includes the
// main thread. Defaults to DefaultMaxThreads.
func WithMaxThreads(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n < 1 {
			return fmt.Errorf("%w: max threads must be at least 1, got %d", ErrInvalidOption, n)
		}
		opts.maxThreads = n
		return nil
	}}
}

// WithTimer sets the preemption timer. Defaults to NewTimer().
func WithTimer(timer Timer) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if timer == nil {
			return fmt.Errorf("%w: nil timer", ErrInvalidOption)
		}
		opts.timer = timer
		return nil
	}}
}

// WithLogger attaches a logger. A nil logger (the default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics enables collection of SliceMetrics, accessed via
// Scheduler.Metrics. This adds a clock read and an estimator update to every
// context switch.
func WithMetrics(enabled bool) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithObserver attaches an Observer, which is called synchronously, by the
// running thread, while scheduler state is masked. Observers must not call
// back into the Scheduler.
func WithObserver(observer Observer) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.observer = observer
		return nil
	}}
}

// WithExitFunc replaces the process exit performed when the main thread is
// terminated. Defaults to os.Exit.
//
// If the hook returns, Terminate(MainThreadID) returns nil when called by the
// main thread. If called by any other thread, that thread's goroutine exits,
// and the main thread's pending call returns ErrTerminated.
func WithExitFunc(exit func(code int)) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if exit == nil {
			return fmt.Errorf("%w: nil exit func", ErrInvalidOption)
		}
		opts.exit = exit
		return nil
	}}
}

// WithOwnershipCheck enables rejection of calls that are not made by the
// running thread, with ErrForeignGoroutine. It costs a stack read per call.
func WithOwnershipCheck(enabled bool) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.ownershipCheck = enabled
		return nil
	}}
}

// WithErrorLogRate sets the rate limits, per operation, applied to error
// logs for failed calls. The rates use the same rules as
// [catrate.NewLimiter]. An empty map disables rate limiting.
func WithErrorLogRate(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *schedulerOptions) (err error) {
		if len(rates) != 0 {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrInvalidOption, r)
				}
			}()
			_ = catrate.NewLimiter(rates)
		}
		opts.errorLogRates = rates
		return nil
	}}
}

// resolveOptions applies Option instances to schedulerOptions.
func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		maxThreads: DefaultMaxThreads,
		exit:       os.Exit,
		errorLogRates: map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.timer == nil {
		cfg.timer = NewTimer()
	}
	return cfg, nil
}
