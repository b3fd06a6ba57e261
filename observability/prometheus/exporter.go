// Package prometheus exports scheduler activity as Prometheus metrics.
//
// Exporter is a uthread.Observer, recording events as they happen.
// SnapshotPoller periodically samples Scheduler.Stats and Scheduler.Metrics,
// from a goroutine of its own.
package prometheus

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-uthread"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	// SliceBuckets are the histogram buckets, in seconds, for the time
	// threads hold the CPU. Defaults to buckets from 10µs to ~1.3s.
	SliceBuckets []float64
}

// Exporter adapts uthread.Observer to Prometheus collectors.
type Exporter struct {
	switchesTotal *prom.CounterVec
	sliceSeconds  *prom.HistogramVec
	errorsTotal   *prom.CounterVec
	threads       *prom.GaugeVec
}

var _ uthread.Observer = (*Exporter)(nil)

// NewExporter creates and registers Prometheus collectors. Collectors that
// are already registered (e.g. by another Exporter) are shared.
func NewExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*Exporter, error) {
	if namespace == "" {
		namespace = "uthread"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.SliceBuckets
	if len(buckets) == 0 {
		buckets = prom.ExponentialBuckets(10e-6, 2, 18)
	}

	switchesVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "switches_total",
		Help:      "Total number of scheduling events, by reason.",
	}, []string{"reason"})
	sliceVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "slice_seconds",
		Help:      "Time a thread held the CPU, before a scheduling event.",
		Buckets:   buckets,
	}, []string{"reason"})
	errorsVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Total number of failed calls, by operation.",
	}, []string{"op", "error"})
	threadsVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "threads",
		Help:      "Number of threads, by set membership.",
	}, []string{"set"})

	var err error
	if switchesVec, err = registerCollector(reg, switchesVec); err != nil {
		return nil, err
	}
	if sliceVec, err = registerCollector(reg, sliceVec); err != nil {
		return nil, err
	}
	if errorsVec, err = registerCollector(reg, errorsVec); err != nil {
		return nil, err
	}
	if threadsVec, err = registerCollector(reg, threadsVec); err != nil {
		return nil, err
	}

	return &Exporter{
		switchesTotal: switchesVec,
		sliceSeconds:  sliceVec,
		errorsTotal:   errorsVec,
		threads:       threadsVec,
	}, nil
}

// ObserveSwitch records a scheduling event.
func (m *Exporter) ObserveSwitch(from, to uthread.ThreadID, reason uthread.SwitchReason, held time.Duration) {
	if m == nil {
		return
	}
	label := reason.String()
	m.switchesTotal.WithLabelValues(label).Inc()
	m.sliceSeconds.WithLabelValues(label).Observe(held.Seconds())
}

// ObserveThreads records the table occupancy.
func (m *Exporter) ObserveThreads(live, ready, blocked, sleeping int) {
	if m == nil {
		return
	}
	m.threads.WithLabelValues("live").Set(float64(live))
	m.threads.WithLabelValues("ready").Set(float64(ready))
	m.threads.WithLabelValues("blocked").Set(float64(blocked))
	m.threads.WithLabelValues("sleeping").Set(float64(sleeping))
}

// ObserveError records a failed call.
func (m *Exporter) ObserveError(op string, err error) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(normalizeLabel(op, "unknown"), errorLabel(err)).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// errorLabel maps err to a bounded set of label values.
func errorLabel(err error) string {
	for _, x := range [...]struct {
		err   error
		label string
	}{
		{uthread.ErrThreadNotFound, "thread_not_found"},
		{uthread.ErrMainThreadForbidden, "main_thread_forbidden"},
		{uthread.ErrCapacityExceeded, "capacity_exceeded"},
		{uthread.ErrInvalidEntryPoint, "invalid_entry_point"},
		{uthread.ErrNegativeSleep, "negative_sleep"},
		{uthread.ErrTerminated, "terminated"},
		{uthread.ErrForeignGoroutine, "foreign_goroutine"},
	} {
		if errors.Is(err, x.err) {
			return x.label
		}
	}
	return "other"
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
