package prometheus

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/joeycumines/go-uthread"
	prom "github.com/prometheus/client_golang/prometheus"
)

// SchedulerSnapshotProvider provides current scheduler snapshots.
// Implemented by *uthread.Scheduler.
type SchedulerSnapshotProvider interface {
	Stats() uthread.Stats
	Metrics() uthread.SliceMetrics
}

// SnapshotPoller periodically exports scheduler Stats() and Metrics()
// snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	schedulersMu sync.RWMutex
	schedulers   map[string]SchedulerSnapshotProvider

	totalQuantums  *prom.GaugeVec
	threadQuantums *prom.GaugeVec
	threadState    *prom.GaugeVec
	terminated     *prom.GaugeVec
	sliceQuantile  *prom.GaugeVec
	sliceMax       *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(namespace string, reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if namespace == "" {
		namespace = "uthread"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	totalQuantums := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "quantums",
		Help:      "Total quantums started, per scheduler.",
	}, []string{"scheduler"})
	threadQuantums := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "thread_quantums",
		Help:      "Quantums started per live thread.",
	}, []string{"scheduler", "tid"})
	threadState := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "thread_state",
		Help:      "Live threads per state.",
	}, []string{"scheduler", "state"})
	terminated := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "terminated",
		Help:      "Library state (1=terminated, 0=active).",
	}, []string{"scheduler"})
	sliceQuantile := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "slice_quantile_seconds",
		Help:      "Estimated quantiles of the time a thread held the CPU.",
	}, []string{"scheduler", "quantile"})
	sliceMax := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "slice_max_seconds",
		Help:      "Longest time a thread held the CPU.",
	}, []string{"scheduler"})

	var err error
	if totalQuantums, err = registerCollector(reg, totalQuantums); err != nil {
		return nil, err
	}
	if threadQuantums, err = registerCollector(reg, threadQuantums); err != nil {
		return nil, err
	}
	if threadState, err = registerCollector(reg, threadState); err != nil {
		return nil, err
	}
	if terminated, err = registerCollector(reg, terminated); err != nil {
		return nil, err
	}
	if sliceQuantile, err = registerCollector(reg, sliceQuantile); err != nil {
		return nil, err
	}
	if sliceMax, err = registerCollector(reg, sliceMax); err != nil {
		return nil, err
	}

	return &SnapshotPoller{
		interval:       interval,
		schedulers:     make(map[string]SchedulerSnapshotProvider),
		totalQuantums:  totalQuantums,
		threadQuantums: threadQuantums,
		threadState:    threadState,
		terminated:     terminated,
		sliceQuantile:  sliceQuantile,
		sliceMax:       sliceMax,
	}, nil
}

// AddScheduler adds or replaces a scheduler snapshot provider by name.
func (p *SnapshotPoller) AddScheduler(name string, provider SchedulerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "default")
	p.schedulersMu.Lock()
	p.schedulers[name] = provider
	p.schedulersMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	done := p.done
	p.stateMu.Unlock()

	go p.loop(pollCtx, done)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.schedulersMu.RLock()
	defer p.schedulersMu.RUnlock()
	for name, provider := range p.schedulers {
		p.collectScheduler(name, provider.Stats(), provider.Metrics())
	}
}

func (p *SnapshotPoller) collectScheduler(name string, stats uthread.Stats, metrics uthread.SliceMetrics) {
	p.totalQuantums.WithLabelValues(name).Set(float64(stats.TotalQuantums))

	if stats.State == uthread.StateActive {
		p.terminated.WithLabelValues(name).Set(0)
	} else {
		p.terminated.WithLabelValues(name).Set(1)
	}

	// threads come and go, drop series for ones that no longer exist
	p.threadQuantums.DeletePartialMatch(prom.Labels{"scheduler": name})
	states := map[uthread.ThreadState]int{
		uthread.StateRunning: 0,
		uthread.StateReady:   0,
		uthread.StateBlocked: 0,
	}
	for _, t := range stats.Threads {
		p.threadQuantums.WithLabelValues(name, strconv.Itoa(int(t.ID))).Set(float64(t.Quantums))
		states[t.State]++
	}
	for state, n := range states {
		p.threadState.WithLabelValues(name, state.String()).Set(float64(n))
	}

	if metrics.Count == 0 {
		return
	}
	p.sliceQuantile.WithLabelValues(name, "0.5").Set(metrics.P50.Seconds())
	p.sliceQuantile.WithLabelValues(name, "0.9").Set(metrics.P90.Seconds())
	p.sliceQuantile.WithLabelValues(name, "0.99").Set(metrics.P99.Seconds())
	p.sliceMax.WithLabelValues(name).Set(metrics.Max.Seconds())
}
