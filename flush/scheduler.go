// Package flush drains the operation log against the remote store.
package flush

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/asepindrak/commitflow/classify"
	"github.com/asepindrak/commitflow/domain"
	"github.com/asepindrak/commitflow/oplog"
	"github.com/asepindrak/commitflow/resolver"
)

const (
	DefaultInterval    = 7 * time.Second
	DefaultMaxPerCycle = 6

	triggerManual   = "manual"
	triggerInterval = "interval"
	triggerOnline   = "online"
	triggerStartup  = "startup"
)

// Decider maps a failure to what happens to the operation.
type Decider interface {
	Decide(err error, retryCount, limit int) classify.Outcome
}

type Config struct {
	Interval    time.Duration
	MaxPerCycle int
	RetryLimit  int
	// OperationTimeout bounds each executor call. Zero means no bound.
	OperationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxPerCycle <= 0 {
		c.MaxPerCycle = DefaultMaxPerCycle
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = classify.DefaultRetryLimit
	}
	return c
}

// Scheduler runs flush cycles. At most one cycle runs at a time; operations
// inside a cycle are applied strictly in log order.
type Scheduler struct {
	cfg         Config
	log         *oplog.Log
	dead        *oplog.DeadLetters
	executors   Executors
	decider     Decider
	resolver    *resolver.Resolver
	remapper    Remapper
	invalidator Invalidator
	active      func() domain.ActiveScope
	logger      *log.Logger
	tracer      trace.Tracer
	now         func() time.Time

	flushing atomic.Bool
	online   atomic.Bool
	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu   sync.Mutex
	last *Report
}

type Option func(*Scheduler)

func WithConfig(cfg Config) Option { return func(s *Scheduler) { s.cfg = cfg.withDefaults() } }

func WithDecider(d Decider) Option { return func(s *Scheduler) { s.decider = d } }

func WithResolver(r *resolver.Resolver) Option { return func(s *Scheduler) { s.resolver = r } }

func WithRemapper(r Remapper) Option { return func(s *Scheduler) { s.remapper = r } }

func WithInvalidator(i Invalidator) Option { return func(s *Scheduler) { s.invalidator = i } }

// WithActiveScope sets the function consulted for the user's current project
// and workspace.
func WithActiveScope(f func() domain.ActiveScope) Option {
	return func(s *Scheduler) { s.active = f }
}

func WithLogger(l *log.Logger) Option { return func(s *Scheduler) { s.logger = l } }

func WithTracer(t trace.Tracer) Option { return func(s *Scheduler) { s.tracer = t } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New creates a scheduler over the given log and dead-letter archive.
func New(l *oplog.Log, dead *oplog.DeadLetters, executors Executors, opts ...Option) *Scheduler {
	if l == nil || dead == nil {
		panic("flush.New: log and dead letters are required")
	}
	s := &Scheduler{
		cfg:       Config{}.withDefaults(),
		log:       l,
		dead:      dead,
		executors: executors,
		active:    func() domain.ActiveScope { return domain.ActiveScope{} },
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.decider == nil {
		s.decider = classify.New(nil, ErrNoExecutor)
	}
	if s.resolver == nil {
		s.resolver = resolver.New()
	}
	if s.logger == nil {
		s.logger = log.StandardLogger()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/asepindrak/commitflow/flush")
	}
	s.online.Store(true)
	return s
}

// AttemptFlush runs one cycle now. A call made while another cycle is running
// returns immediately with Skipped set. Failures never escape; they are
// classified and reflected in the report.
func (s *Scheduler) AttemptFlush(ctx context.Context) Report {
	return s.attempt(ctx, triggerManual)
}

func (s *Scheduler) attempt(ctx context.Context, trigger string) Report {
	if !s.flushing.CompareAndSwap(false, true) {
		s.logger.WithField("trigger", trigger).Debug("sync.flush skipped: already running")
		return Report{Skipped: true, Stopped: StopSkipped}
	}
	defer s.flushing.Store(false)

	rep := Report{StartedAt: s.now().UTC()}
	if s.log.Len() == 0 {
		rep.Stopped = StopEmpty
		return rep
	}

	ctx, span := s.tracer.Start(ctx, "flush.cycle", trace.WithAttributes(attribute.String("commitflow.flush.trigger", trigger)))
	defer span.End()
	metrics := newCycleMetrics(s.logger, trigger)

	for {
		if ctx.Err() != nil {
			rep.Stopped = StopCancelled
			break
		}
		if rep.Attempted >= s.cfg.MaxPerCycle {
			rep.Stopped = StopCap
			break
		}
		op, ok := s.log.Front()
		if !ok {
			rep.Stopped = StopDrained
			break
		}
		if stop := s.step(ctx, op, &rep, metrics); stop != StopNone {
			rep.Stopped = stop
			break
		}
	}
	rep.Remaining = s.log.Len()

	if s.invalidator != nil {
		start := time.Now()
		scopes := InvalidationScopes(s.active())
		if err := s.invalidator.Invalidate(ctx, scopes); err != nil {
			s.logger.WithError(err).Warn("sync.flush invalidate failed")
		}
		metrics.ObserveInvalidate(time.Since(start))
	}

	rep.Duration = s.now().Sub(rep.StartedAt)
	metrics.Log(rep, span)
	if rep.Stopped == StopPersistFailed {
		span.SetStatus(codes.Error, "persist failed")
	}

	s.mu.Lock()
	last := rep
	s.last = &last
	s.mu.Unlock()
	return rep
}

// step applies a single operation. It returns the reason to end the cycle, or
// StopNone to continue with the next operation.
func (s *Scheduler) step(ctx context.Context, op domain.Operation, rep *Report, m *cycleMetrics) StopReason {
	entry := s.logger.WithFields(log.Fields{"op_id": op.ID, "kind": op.Kind, "retry": op.RetryCount})

	if p, ok := op.Payload.(*domain.CreateProjectPayload); ok && p.WorkspaceID == "" {
		p.WorkspaceID = s.active().WorkspaceID
		if p.WorkspaceID == "" {
			entry.Info("sync.flush create_project deferred: no workspace")
			return StopDeferred
		}
	}

	exec := s.executors[op.Kind]
	if exec == nil {
		rep.Attempted++
		err := fmt.Errorf("%w: %s", ErrNoExecutor, op.Kind)
		entry.WithError(err).Error("sync.flush no executor")
		return s.archive(ctx, op, err, domain.ReasonUnrecoverable, rep, m)
	}

	rep.Attempted++
	serverID, err := s.execute(ctx, exec, op, m)
	if err == nil {
		return s.succeed(ctx, op, serverID, rep, m)
	}

	if errors.Is(err, domain.ErrNotReady) {
		entry.WithError(err).Info("sync.flush operation deferred")
		return StopDeferred
	}
	if ctx.Err() != nil {
		// the cycle itself was cancelled, the operation did not fail on its own
		return StopCancelled
	}

	switch outcome := s.decider.Decide(err, op.RetryCount, s.cfg.RetryLimit); outcome {
	case classify.Drop:
		entry.WithError(err).Warn("sync.flush unrecoverable, archiving")
		return s.archive(ctx, op, err, domain.ReasonUnrecoverable, rep, m)
	case classify.Exhaust:
		entry.WithError(err).Warn("sync.flush retry limit reached, archiving")
		return s.archive(ctx, op, err, domain.ReasonRetryExhausted, rep, m)
	default:
		start := time.Now()
		count, perr := s.log.IncrementFrontRetry(ctx, op.ID)
		m.ObservePersist(time.Since(start))
		if perr != nil {
			entry.WithError(perr).Error("sync.flush persist retry count failed")
			return StopPersistFailed
		}
		rep.Retried++
		entry.WithError(err).WithField("retry", count).Info("sync.flush recoverable failure, will retry")
		return StopRetry
	}
}

func (s *Scheduler) execute(ctx context.Context, exec ExecutorFunc, op domain.Operation, m *cycleMetrics) (string, error) {
	ctx, span := s.tracer.Start(ctx, "flush.operation", trace.WithAttributes(
		attribute.String("commitflow.op.id", op.ID),
		attribute.String("commitflow.op.kind", string(op.Kind)),
		attribute.Int("commitflow.op.retry_count", op.RetryCount),
	))
	defer span.End()
	if s.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.OperationTimeout)
		defer cancel()
	}

	start := time.Now()
	serverID, err := exec(ctx, op)
	m.ObserveExecute(time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return serverID, err
}

func (s *Scheduler) succeed(ctx context.Context, op domain.Operation, serverID string, rep *Report, m *cycleMetrics) StopReason {
	target := op.Kind.EntityKind()
	from := op.CorrelationID()
	remap := target != "" && from != "" && serverID != "" && serverID != from

	changed := 0
	var rewrite func([]domain.Operation)
	var record func()
	if remap {
		rewrite = func(rest []domain.Operation) {
			changed = resolver.Rewrite(rest, target, from, serverID)
		}
		record = func() { s.resolver.Record(target, from, serverID) }
	} else if target != "" && serverID == "" {
		s.logger.WithFields(log.Fields{"op_id": op.ID, "kind": op.Kind}).Warn("sync.flush create returned no server id")
	}

	start := time.Now()
	_, err := s.log.ResolveFront(ctx, op.ID, rewrite, record)
	m.ObservePersist(time.Since(start))
	if err != nil {
		// Left queued; the executor contract makes a repeat of this call safe.
		s.logger.WithError(err).WithField("op_id", op.ID).Error("sync.flush persist after success failed")
		return StopPersistFailed
	}
	rep.Succeeded++

	if remap {
		rep.Remapped += changed
		if s.remapper != nil {
			s.remapper.Remap(target, from, serverID)
		}
		s.logger.WithFields(log.Fields{
			"kind":      target,
			"from":      from,
			"to":        serverID,
			"rewritten": changed,
		}).Debug("sync.flush remapped temporary id")
	}
	return StopNone
}

func (s *Scheduler) archive(ctx context.Context, op domain.Operation, cause error, reason domain.DeadLetterReason, rep *Report, m *cycleMetrics) StopReason {
	entry := domain.DeadLetter{
		Operation:           op,
		Error:               cause.Error(),
		Reason:              reason,
		RetryCountAtFailure: op.RetryCount,
		Timestamp:           s.now().UTC(),
	}
	start := time.Now()
	defer func() { m.ObservePersist(time.Since(start)) }()

	// archive first: a crash before the pop duplicates the entry, never loses the op
	if err := s.dead.Add(ctx, entry); err != nil {
		s.logger.WithError(err).WithField("op_id", op.ID).Error("sync.flush dead-letter write failed")
		return StopPersistFailed
	}
	if _, err := s.log.ResolveFront(ctx, op.ID, nil, nil); err != nil {
		s.logger.WithError(err).WithField("op_id", op.ID).Error("sync.flush pop after dead-letter failed")
		return StopPersistFailed
	}
	rep.DeadLettered++
	return StopNone
}

// Trigger runs a cycle on behalf of an explicit user request.
func (s *Scheduler) Trigger(ctx context.Context) Report {
	return s.attempt(ctx, triggerManual)
}

// SetOnline records connectivity. Going from offline to online wakes the run
// loop for an immediate cycle.
func (s *Scheduler) SetOnline(online bool) {
	was := s.online.Swap(online)
	if online && !was {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (s *Scheduler) Online() bool { return s.online.Load() }

// Flushing reports whether a cycle is in progress.
func (s *Scheduler) Flushing() bool { return s.flushing.Load() }

// Run drives periodic and connectivity-triggered cycles until ctx is done or
// Stop is called. Ticks are skipped while offline.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	if s.Online() {
		s.attempt(ctx, triggerStartup)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.Online() {
				continue
			}
			s.attempt(ctx, triggerInterval)
		case <-s.wake:
			s.attempt(ctx, triggerOnline)
		}
	}
}

// Start runs the loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run(ctx)
	}()
}

// Stop ends the loop and waits for the current cycle to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Status returns the current queue and scheduler state.
func (s *Scheduler) Status() Status {
	st := Status{
		QueueLength:     s.log.Len(),
		DeadLetterCount: s.dead.Len(),
		Flushing:        s.Flushing(),
		Online:          s.Online(),
	}
	s.mu.Lock()
	if s.last != nil {
		last := *s.last
		st.LastReport = &last
		st.LastFlushAt = last.StartedAt
	}
	s.mu.Unlock()
	return st
}
