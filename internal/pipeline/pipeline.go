package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platformbuilds/teleroute/internal/selftelemetry"
)

// State is the pipeline lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// DeliveryPolicy decides when a batch counts as delivered.
type DeliveryPolicy int

const (
	// PolicyAtLeastOne marks a batch delivered if any exporter succeeds.
	PolicyAtLeastOne DeliveryPolicy = iota
	// PolicyAllRequired marks a batch delivered only if every exporter succeeds.
	PolicyAllRequired
)

// ParsePolicy maps the config string to a policy, defaulting to at_least_one.
func ParsePolicy(s string) DeliveryPolicy {
	if s == "all_required" {
		return PolicyAllRequired
	}
	return PolicyAtLeastOne
}

// Exporter transmits one batch to one downstream sink. Implementations make
// a single delivery attempt per Export call; the pipeline owns the retry
// loop around them.
type Exporter interface {
	Name() string
	Start(ctx context.Context) error
	Export(ctx context.Context, batch *Batch) error
	Shutdown(ctx context.Context) error
}

// ExporterBinding attaches delivery policy knobs to an exporter.
type ExporterBinding struct {
	Exporter Exporter
	Required bool
	Retry    RetryConfig
}

// Config wires one pipeline. The graph is resolved once; there is no
// runtime reconfiguration.
type Config struct {
	Signal       SignalType
	Batch        BatchConfig
	Exporters    []ExporterBinding
	Policy       DeliveryPolicy
	DrainTimeout time.Duration
}

type exporterState struct {
	exp      Exporter
	required bool
	retryer  *Retryer

	success atomic.Int64
	failure atomic.Int64
}

// Stats is a point-in-time snapshot of pipeline delivery counters.
type Stats struct {
	State            State
	Received         int64
	Dropped          int64
	BatchesDelivered int64
	BatchesFailed    int64
	Exporters        map[string]ExporterStats
}

type ExporterStats struct {
	Success int64
	Failure int64
}

// Pipeline binds one signal type to its batcher and exporter set and owns
// their lifecycle.
type Pipeline struct {
	cfg Config
	log *slog.Logger
	st  *selftelemetry.Registry

	batcher   *Batcher
	exporters []*exporterState

	state atomic.Int32

	received atomic.Int64
	dropped  atomic.Int64

	delivered atomic.Int64
	failed    atomic.Int64

	inflight   atomic.Int64
	dispatchWG sync.WaitGroup
	loopDone   chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates a pipeline from a resolved config.
func New(cfg Config, log *slog.Logger, st *selftelemetry.Registry) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	plog := log.With("component", "pipeline", "signal", string(cfg.Signal))
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}

	p := &Pipeline{
		cfg:      cfg,
		log:      plog,
		st:       st,
		batcher:  NewBatcher(cfg.Signal, cfg.Batch, log),
		loopDone: make(chan struct{}),
	}
	for _, b := range cfg.Exporters {
		p.exporters = append(p.exporters, &exporterState{
			exp:      b.Exporter,
			required: b.Required,
			retryer:  NewRetryer(b.Retry, plog.With("exporter", b.Exporter.Name())),
		})
	}
	return p
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Signal returns the signal type this pipeline carries.
func (p *Pipeline) Signal() SignalType { return p.cfg.Signal }

// Start connects exporters and begins the batch/dispatch loops. A required
// exporter that fails to start aborts the whole pipeline.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("pipeline %s: start from state %s", p.cfg.Signal, p.State())
	}
	p.log.Info("starting pipeline", "exporters", len(p.exporters))

	var started []*exporterState
	for _, es := range p.exporters {
		if err := es.exp.Start(ctx); err != nil {
			if es.required {
				for _, s := range started {
					_ = s.exp.Shutdown(ctx)
				}
				p.state.Store(int32(StateStopped))
				return fmt.Errorf("pipeline %s: required exporter %s: %w", p.cfg.Signal, es.exp.Name(), err)
			}
			// Non-required exporters stay in the set; their attempts will
			// fail and be reported per batch.
			p.log.Warn("exporter failed to start", "exporter", es.exp.Name(), "error", err)
			continue
		}
		started = append(started, es)
	}

	p.runCtx, p.runCancel = context.WithCancel(context.Background())
	go p.batcher.Run()
	go p.loop()

	p.state.Store(int32(StateRunning))
	p.log.Info("pipeline running")
	return nil
}

// Offer hands one received signal to the batching stage. Signals offered
// while the pipeline is not running are rejected.
func (p *Pipeline) Offer(sig Signal) error {
	if p.State() != StateRunning {
		if p.st != nil {
			p.st.Dropped.WithLabelValues(string(p.cfg.Signal), "not_running").Inc()
		}
		return ErrNotRunning
	}
	if err := p.batcher.Offer(sig); err != nil {
		p.dropped.Add(1)
		if p.st != nil {
			p.st.Dropped.WithLabelValues(string(p.cfg.Signal), "queue_full").Inc()
		}
		return err
	}
	p.received.Add(1)
	if p.st != nil {
		p.st.Received.WithLabelValues(string(p.cfg.Signal)).Inc()
	}
	return nil
}

// loop pulls flushed batches in trigger order and fans each one out. Batches
// dispatch concurrently; flush order is preserved by the batcher channel.
func (p *Pipeline) loop() {
	defer close(p.loopDone)
	for batch := range p.batcher.C() {
		if p.st != nil {
			p.st.BatchesFlushed.WithLabelValues(string(p.cfg.Signal)).Inc()
		}
		p.inflight.Add(1)
		p.dispatchWG.Add(1)
		go func(b *Batch) {
			defer p.dispatchWG.Done()
			defer p.inflight.Add(-1)
			p.dispatch(p.runCtx, b)
		}(batch)
	}
}

type exportResult struct {
	exporter string
	err      error
	latency  time.Duration
}

// dispatch delivers one batch to every exporter concurrently. Each exporter
// runs its own retry loop; results come back on a per-batch channel and one
// exporter's failure never blocks another.
func (p *Pipeline) dispatch(ctx context.Context, b *Batch) {
	results := make(chan exportResult, len(p.exporters))
	for _, es := range p.exporters {
		go func(es *exporterState) {
			start := time.Now()
			err := es.retryer.Do(ctx, func(ctx context.Context) error {
				return es.exp.Export(ctx, b)
			})
			results <- exportResult{exporter: es.exp.Name(), err: err, latency: time.Since(start)}
			if err == nil {
				es.success.Add(1)
			} else {
				es.failure.Add(1)
			}
		}(es)
	}

	succeeded := 0
	for range p.exporters {
		res := <-results
		if p.st != nil {
			p.st.ObserveLatency(string(p.cfg.Signal), res.exporter, res.latency)
		}
		if res.err == nil {
			succeeded++
			if p.st != nil {
				p.st.ExportSuccess.WithLabelValues(string(p.cfg.Signal), res.exporter).Inc()
			}
			continue
		}
		if p.st != nil {
			p.st.ExportFailures.WithLabelValues(string(p.cfg.Signal), res.exporter).Inc()
		}
		p.log.Warn("export failed",
			"exporter", res.exporter,
			"items", b.Items(),
			"error", res.err,
		)
	}

	delivered := succeeded > 0
	if p.cfg.Policy == PolicyAllRequired {
		delivered = succeeded == len(p.exporters)
	}
	if delivered {
		p.delivered.Add(1)
		if p.st != nil {
			p.st.BatchesDelivered.WithLabelValues(string(p.cfg.Signal)).Inc()
		}
		p.log.Debug("batch delivered", "items", b.Items(), "exporters_succeeded", succeeded)
	} else {
		p.failed.Add(1)
		if p.st != nil {
			p.st.BatchesFailed.WithLabelValues(string(p.cfg.Signal)).Inc()
		}
		p.log.Error("batch failed on all required exporters", "items", b.Items())
	}
}

// Drain stops intake, flushes the partial batch and waits for in-flight
// dispatches up to the drain timeout. Work still outstanding at the deadline
// is cancelled and reported via DrainTimeoutError.
func (p *Pipeline) Drain(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return nil
	}
	p.log.Info("draining pipeline")

	p.batcher.Drain()
	<-p.loopDone

	done := make(chan struct{})
	go func() {
		p.dispatchWG.Wait()
		close(done)
	}()

	var drainErr error
	select {
	case <-done:
	case <-time.After(p.cfg.DrainTimeout):
		pending := int(p.inflight.Load())
		drainErr = &DrainTimeoutError{Pipeline: p.cfg.Signal, Timeout: p.cfg.DrainTimeout, Pending: pending}
		if p.st != nil {
			p.st.DrainTimeouts.WithLabelValues(string(p.cfg.Signal)).Inc()
		}
		p.log.Error("drain timed out, abandoning outstanding exports", "pending", pending)
		p.runCancel()
		<-done
	}
	if drainErr == nil {
		p.runCancel()
	}

	for _, es := range p.exporters {
		if err := es.exp.Shutdown(ctx); err != nil {
			p.log.Warn("exporter shutdown", "exporter", es.exp.Name(), "error", err)
		}
	}

	p.state.Store(int32(StateStopped))
	p.log.Info("pipeline stopped")
	return drainErr
}

// Stats snapshots the pipeline's delivery counters.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		State:            p.State(),
		Received:         p.received.Load(),
		Dropped:          p.dropped.Load(),
		BatchesDelivered: p.delivered.Load(),
		BatchesFailed:    p.failed.Load(),
		Exporters:        make(map[string]ExporterStats, len(p.exporters)),
	}
	for _, es := range p.exporters {
		s.Exporters[es.exp.Name()] = ExporterStats{
			Success: es.success.Load(),
			Failure: es.failure.Load(),
		}
	}
	return s
}
