package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bturcanu/OpenConduit/pkg/retry"
)

// EmitterConfig tunes buffering and delivery retries.
type EmitterConfig struct {
	Buffer         int           // queued records before load shedding
	Workers        int           // concurrent deliveries
	AttemptTimeout time.Duration // bound on one Sink.Append call
	Policy         retry.Policy  // per-record retry, independent of dispatch retries
	Logger         *slog.Logger
	Registerer     prometheus.Registerer
}

func DefaultEmitterConfig() EmitterConfig {
	return EmitterConfig{
		Buffer:         4096,
		Workers:        2,
		AttemptTimeout: 5 * time.Second,
		Policy:         retry.DefaultPolicy(),
	}
}

// Emitter delivers records to a sink in the background. Emit never blocks
// and never reports sink failures to its caller: a record that cannot be
// queued or delivered is dropped with a local fallback log line carrying the
// full record.
type Emitter struct {
	sink   Sink
	cfg    EmitterConfig
	log    *slog.Logger
	queue  chan Record
	wg     sync.WaitGroup
	mu     sync.RWMutex // guards queue close against concurrent Emit
	closed bool

	ctx    context.Context // cancelled when Close gives up waiting
	cancel context.CancelFunc

	emitted   atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	droppedC  *prometheus.CounterVec
}

// NewEmitter starts the delivery workers.
func NewEmitter(sink Sink, cfg EmitterConfig) *Emitter {
	def := DefaultEmitterConfig()
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = def.Policy
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		sink:   sink,
		cfg:    cfg,
		log:    log.With("component", "audit"),
		queue:  make(chan Record, cfg.Buffer),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.Registerer != nil {
		e.droppedC = promauto.With(cfg.Registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_audit_dropped_total",
			Help: "Audit records dropped by reason.",
		}, []string{"reason"})
	}

	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Emit queues r for delivery.
func (e *Emitter) Emit(r Record) {
	e.emitted.Add(1)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop(r, "emitter closed", nil, 0)
		return
	}
	select {
	case e.queue <- r:
	default:
		e.drop(r, "buffer full", nil, 0)
	}
}

// Close stops accepting records and waits for queued ones to be delivered.
// If ctx ends first, in-flight retries are abandoned and the remaining
// records are dropped with fallback log lines.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats reports lifetime counters.
func (e *Emitter) Stats() (emitted, delivered, dropped int64) {
	return e.emitted.Load(), e.delivered.Load(), e.dropped.Load()
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for r := range e.queue {
		e.deliver(r)
	}
}

func (e *Emitter) deliver(r Record) {
	_, attempts, err := retry.Do(e.ctx, e.cfg.Policy, func(ctx context.Context, _ int) (struct{}, error) {
		actx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		defer cancel()
		return struct{}{}, e.sink.Append(actx, r)
	}, nil)
	if err != nil {
		e.drop(r, "sink failed", err, attempts)
		return
	}
	e.delivered.Add(1)
}

func (e *Emitter) drop(r Record, reason string, err error, attempts int) {
	e.dropped.Add(1)
	if e.droppedC != nil {
		e.droppedC.WithLabelValues(reason).Inc()
	}
	attrs := append(r.LogAttrs(),
		slog.String("reason", reason),
		slog.Int("delivery_attempts", attempts),
	)
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	e.log.LogAttrs(context.Background(), slog.LevelError, "audit record dropped", attrs...)
}
