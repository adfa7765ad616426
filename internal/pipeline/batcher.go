package pipeline

import (
	"log/slog"
	"sync"
	"time"
)

// BatchConfig holds the dual-trigger batching policy: a batch is flushed when
// it reaches MaxBatchSize items or when FlushTimeout has elapsed since its
// first item, whichever comes first.
type BatchConfig struct {
	MaxBatchSize int
	FlushTimeout time.Duration
	QueueSize    int
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 1024
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	return c
}

// Batcher is the single accumulation point of a pipeline. Concurrent
// receiver connections enqueue signals; one consumer goroutine groups them
// into batches and emits them on C in trigger order. Signal order within a
// batch is receipt order.
type Batcher struct {
	signal SignalType
	cfg    BatchConfig
	log    *slog.Logger

	in  chan Signal
	out chan *Batch

	drainOnce sync.Once
	drainCh   chan struct{}
	done      chan struct{}
}

// NewBatcher creates a batcher. Run must be called before signals flow.
func NewBatcher(signal SignalType, cfg BatchConfig, log *slog.Logger) *Batcher {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Batcher{
		signal:  signal,
		cfg:     cfg,
		log:     log.With("component", "batcher", "signal", string(signal)),
		in:      make(chan Signal, cfg.QueueSize),
		out:     make(chan *Batch, 4),
		drainCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// C delivers flushed batches in the order their trigger fired. It is closed
// once the batcher has drained.
func (b *Batcher) C() <-chan *Batch { return b.out }

// Offer enqueues a signal without blocking. A saturated queue returns
// ErrQueueFull and the signal is dropped by the caller.
func (b *Batcher) Offer(sig Signal) error {
	select {
	case b.in <- sig:
		return nil
	default:
		return ErrQueueFull
	}
}

// Drain flushes the partial batch exactly once and stops the consumer.
// Signals already enqueued are still batched and emitted; Drain returns once
// C is closed.
func (b *Batcher) Drain() {
	b.drainOnce.Do(func() { close(b.drainCh) })
	<-b.done
}

// Run consumes the intake queue until drained. It owns the accumulator; no
// other goroutine touches a batch before it is flushed.
func (b *Batcher) Run() {
	defer close(b.done)
	defer close(b.out)

	var (
		cur    *Batch
		timer  *time.Timer
		timerC <-chan time.Time
	)

	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if cur == nil || cur.Signals() == 0 {
			cur = nil
			return
		}
		b.out <- cur
		cur = nil
	}

	add := func(sig Signal) {
		if cur == nil {
			cur = NewBatch(b.signal)
			timer = time.NewTimer(b.cfg.FlushTimeout)
			timerC = timer.C
		}
		cur.Append(sig)
		if cur.Items() >= b.cfg.MaxBatchSize {
			flush()
		}
	}

	for {
		select {
		case sig := <-b.in:
			add(sig)

		case <-timerC:
			timer, timerC = nil, nil
			flush()

		case <-b.drainCh:
			// Drain whatever is already queued, then flush the remainder.
			for {
				select {
				case sig := <-b.in:
					add(sig)
				default:
					flush()
					b.log.Debug("batcher drained")
					return
				}
			}
		}
	}
}
