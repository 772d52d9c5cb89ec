package flush

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/asepindrak/commitflow/domain"
	"github.com/asepindrak/commitflow/oplog"
	"github.com/asepindrak/commitflow/resolver"
	"github.com/asepindrak/commitflow/storage"
)

type fixture struct {
	kv   oplog.KV
	log  *oplog.Log
	dead *oplog.DeadLetters
}

func newFixture(t *testing.T, kv oplog.KV) *fixture {
	t.Helper()
	if kv == nil {
		kv = storage.NewMemoryKV()
	}
	return &fixture{kv: kv, log: oplog.New(kv), dead: oplog.NewDeadLetters(kv)}
}

func (f *fixture) enqueue(t *testing.T, ops ...domain.Operation) {
	t.Helper()
	for _, op := range ops {
		if _, err := f.log.Enqueue(context.Background(), op); err != nil {
			t.Fatalf("enqueue %s: %v", op.Kind, err)
		}
	}
}

func quietLogger() *log.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

type recordingInvalidator struct {
	mu    sync.Mutex
	calls [][]domain.Scope
}

func (r *recordingInvalidator) Invalidate(_ context.Context, scopes []domain.Scope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]domain.Scope(nil), scopes...))
	return nil
}

type recordingRemapper struct {
	mu    sync.Mutex
	remap []string
}

func (r *recordingRemapper) Remap(kind domain.EntityKind, from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remap = append(r.remap, fmt.Sprintf("%s:%s->%s", kind, from, to))
}

func update(id string) domain.Operation {
	status := "done"
	return domain.NewOperation(&domain.UpdateTaskPayload{ID: id, Patch: domain.TaskPatch{Status: &status}})
}

func TestAttemptFlushEmptyLog(t *testing.T) {
	f := newFixture(t, nil)
	inv := &recordingInvalidator{}
	s := New(f.log, f.dead, Executors{}, WithInvalidator(inv), WithLogger(quietLogger()))

	rep := s.AttemptFlush(context.Background())
	if rep.Stopped != StopEmpty || rep.Attempted != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(inv.calls) != 0 {
		t.Fatalf("empty log should not invalidate caches")
	}
}

func TestAttemptFlushIsNotReentrant(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, update("t1"))

	entered := make(chan struct{})
	release := make(chan struct{})
	s := New(f.log, f.dead, Executors{
		domain.UpdateTask: func(ctx context.Context, op domain.Operation) (string, error) {
			close(entered)
			<-release
			return "", nil
		},
	}, WithLogger(quietLogger()))

	done := make(chan Report, 1)
	go func() { done <- s.AttemptFlush(context.Background()) }()
	<-entered

	if !s.Flushing() {
		t.Fatalf("expected flushing flag to be set")
	}
	if rep := s.AttemptFlush(context.Background()); !rep.Skipped {
		t.Fatalf("expected concurrent flush to be skipped, got %+v", rep)
	}
	close(release)

	rep := <-done
	if rep.Succeeded != 1 || rep.Stopped != StopDrained {
		t.Fatalf("unexpected first report: %+v", rep)
	}
	if s.Flushing() {
		t.Fatalf("flushing flag not cleared")
	}
}

func TestAttemptFlushRemapsDependentChain(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t,
		domain.NewOperation(&domain.CreateProjectPayload{CorrelationID: "tmp_p", Name: "Launch", WorkspaceID: "w1"}),
		domain.NewOperation(&domain.CreateTaskPayload{CorrelationID: "tmp_t", ProjectID: "tmp_p", Title: "Plan"}),
		domain.NewOperation(&domain.CreateCommentPayload{CorrelationID: "c_tmp_c", TaskID: "tmp_t", Body: "first"}),
		update("tmp_t"),
	)

	var seen []string
	exec := Executors{
		domain.CreateProject: func(ctx context.Context, op domain.Operation) (string, error) {
			return "srv_p", nil
		},
		domain.CreateTask: func(ctx context.Context, op domain.Operation) (string, error) {
			seen = append(seen, "task.projectId="+*op.Payload.Ref("projectId"))
			return "srv_t", nil
		},
		domain.CreateComment: func(ctx context.Context, op domain.Operation) (string, error) {
			seen = append(seen, "comment.taskId="+*op.Payload.Ref("taskId"))
			return "srv_c", nil
		},
		domain.UpdateTask: func(ctx context.Context, op domain.Operation) (string, error) {
			seen = append(seen, "update.id="+*op.Payload.Ref("id"))
			return "", nil
		},
	}
	remapper := &recordingRemapper{}
	s := New(f.log, f.dead, exec, WithRemapper(remapper), WithLogger(quietLogger()))

	rep := s.AttemptFlush(context.Background())
	if rep.Succeeded != 4 || rep.Remaining != 0 || rep.DeadLettered != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	want := []string{"task.projectId=srv_p", "comment.taskId=srv_t", "update.id=srv_t"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("executors saw %v, want %v", seen, want)
	}
	if f.log.Len() != 0 || f.dead.Len() != 0 {
		t.Fatalf("expected empty log and archive, got %d/%d", f.log.Len(), f.dead.Len())
	}
	if len(remapper.remap) != 3 || remapper.remap[0] != "project:tmp_p->srv_p" {
		t.Fatalf("unexpected remaps: %v", remapper.remap)
	}
	if to, ok := s.resolver.Lookup(domain.EntityTask, "tmp_t"); !ok || to != "srv_t" {
		t.Fatalf("alias not recorded")
	}
}

func TestAttemptFlushDropsUnrecoverableInOneStep(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, update("gone"), update("t2"))

	var calls []string
	s := New(f.log, f.dead, Executors{
		domain.UpdateTask: func(ctx context.Context, op domain.Operation) (string, error) {
			id := *op.Payload.Ref("id")
			calls = append(calls, id)
			if id == "gone" {
				return "", &domain.RemoteError{Status: http.StatusNotFound, Message: "task not found"}
			}
			return "", nil
		},
	}, WithLogger(quietLogger()))

	rep := s.AttemptFlush(context.Background())
	if rep.DeadLettered != 1 || rep.Succeeded != 1 || rep.Retried != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(calls) != 2 {
		t.Fatalf("expected cycle to continue past the drop, calls=%v", calls)
	}
	dead := f.dead.List()
	if len(dead) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dead))
	}
	if dead[0].RetryCountAtFailure != 0 || dead[0].Reason != domain.ReasonUnrecoverable {
		t.Fatalf("unexpected dead letter: %+v", dead[0])
	}
	if f.log.Len() != 0 {
		t.Fatalf("expected log drained, len=%d", f.log.Len())
	}
}

func TestAttemptFlushRetryBound(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, update("t1"), update("t2"))

	var attempts int
	s := New(f.log, f.dead, Executors{
		domain.UpdateTask: func(ctx context.Context, op domain.Operation) (string, error) {
			if *op.Payload.Ref("id") == "t1" {
				attempts++
				return "", &domain.RemoteError{Status: http.StatusServiceUnavailable}
			}
			return "", nil
		},
	}, WithLogger(quietLogger()))
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		rep := s.AttemptFlush(ctx)
		if rep.Stopped != StopRetry || rep.Retried != 1 {
			t.Fatalf("cycle %d: unexpected report %+v", i, rep)
		}
		front, _ := f.log.Front()
		if front.RetryCount != i {
			t.Fatalf("cycle %d: expected retry count %d, got %d", i, i, front.RetryCount)
		}
		if f.log.Len() != 2 {
			t.Fatalf("cycle %d: later operation processed out of order", i)
		}
	}

	rep := s.AttemptFlush(ctx)
	if rep.DeadLettered != 1 || rep.Succeeded != 1 {
		t.Fatalf("fifth cycle: unexpected report %+v", rep)
	}
	dead := f.dead.List()
	if len(dead) != 1 || dead[0].RetryCountAtFailure != 4 || dead[0].Reason != domain.ReasonRetryExhausted {
		t.Fatalf("unexpected dead letters: %+v", dead)
	}

	s.AttemptFlush(ctx)
	if attempts != 5 {
		t.Fatalf("expected exactly 5 attempts, got %d", attempts)
	}
}

func TestAttemptFlushRespectsCap(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 10; i++ {
		f.enqueue(t, update(fmt.Sprintf("t%d", i)))
	}
	s := New(f.log, f.dead, Executors{
		domain.UpdateTask: func(ctx context.Context, op domain.Operation) (string, error) { return "", nil },
	}, WithLogger(quietLogger()))

	rep := s.AttemptFlush(context.Background())
	if rep.Attempted != DefaultMaxPerCycle || rep.Stopped != StopCap || rep.Remaining != 4 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	front, _ := f.log.Front()
	if *front.Payload.Ref("id") != "t6" {
		t.Fatalf("unexpected front after cap: %s", *front.Payload.Ref("id"))
	}
}

func TestAttemptFlushDefersProjectWithoutWorkspace(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, domain.NewOperation(&domain.CreateProjectPayload{CorrelationID: "tmp_p", Name: "x"}))

	var workspace string
	active := domain.ActiveScope{}
	s := New(f.log, f.dead, Executors{
		domain.CreateProject: func(ctx context.Context, op domain.Operation) (string, error) {
			workspace = op.Payload.(*domain.CreateProjectPayload).WorkspaceID
			return "srv_p", nil
		},
	}, WithActiveScope(func() domain.ActiveScope { return active }), WithLogger(quietLogger()))

	rep := s.AttemptFlush(context.Background())
	if rep.Stopped != StopDeferred || rep.Attempted != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	front, _ := f.log.Front()
	if front.RetryCount != 0 {
		t.Fatalf("deferral must not spend a retry")
	}

	active.WorkspaceID = "w9"
	rep = s.AttemptFlush(context.Background())
	if rep.Succeeded != 1 || workspace != "w9" {
		t.Fatalf("expected workspace filled from active scope, got %q (%+v)", workspace, rep)
	}
}

func TestAttemptFlushNotReadyDefers(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, update("t1"))
	s := New(f.log, f.dead, Executors{
		domain.UpdateTask: func(ctx context.Context, op domain.Operation) (string, error) {
			return "", fmt.Errorf("waiting: %w", domain.ErrNotReady)
		},
	}, WithLogger(quietLogger()))

	rep := s.AttemptFlush(context.Background())
	if rep.Stopped != StopDeferred {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if front, _ := f.log.Front(); front.RetryCount != 0 {
		t.Fatalf("deferral must not spend a retry")
	}
}

func TestAttemptFlushArchivesKindWithoutExecutor(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, domain.NewOperation(&domain.DeleteTeamMemberPayload{ID: "m1"}))
	s := New(f.log, f.dead, Executors{}, WithLogger(quietLogger()))

	rep := s.AttemptFlush(context.Background())
	if rep.DeadLettered != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	dead := f.dead.List()
	if len(dead) != 1 || dead[0].Reason != domain.ReasonUnrecoverable {
		t.Fatalf("unexpected dead letters: %+v", dead)
	}
}

type flakyKV struct {
	*storage.MemoryKV
	mu   sync.Mutex
	fail bool
}

func (k *flakyKV) SetItem(ctx context.Context, key string, value []byte) error {
	k.mu.Lock()
	fail := k.fail
	k.mu.Unlock()
	if fail {
		return errors.New("storage unavailable")
	}
	return k.MemoryKV.SetItem(ctx, key, value)
}

// heldKV blocks the first write after arming until release is closed.
type heldKV struct {
	*storage.MemoryKV
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (k *heldKV) SetItem(ctx context.Context, key string, value []byte) error {
	if k.armed.CompareAndSwap(true, false) {
		close(k.entered)
		<-k.release
	}
	return k.MemoryKV.SetItem(ctx, key, value)
}

func TestAttemptFlushEnqueueDuringRemapUsesServerID(t *testing.T) {
	kv := &heldKV{MemoryKV: storage.NewMemoryKV(), entered: make(chan struct{}), release: make(chan struct{})}
	aliases := resolver.New()
	opLog := oplog.New(kv, oplog.WithAliaser(aliases))
	dead := oplog.NewDeadLetters(kv)
	if _, err := opLog.Enqueue(context.Background(), domain.NewOperation(&domain.CreateTaskPayload{CorrelationID: "tmp_t", ProjectID: "p1", Title: "Plan"})); err != nil {
		t.Fatalf("enqueue create: %v", err)
	}

	var mu sync.Mutex
	var seen []string
	s := New(opLog, dead, Executors{
		domain.CreateTask: func(ctx context.Context, op domain.Operation) (string, error) {
			kv.armed.Store(true)
			return "srv_t", nil
		},
		domain.UpdateTask: func(ctx context.Context, op domain.Operation) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, *op.Payload.Ref("id"))
			return "", nil
		},
	}, WithResolver(aliases), WithLogger(quietLogger()))

	done := make(chan Report, 1)
	go func() { done <- s.AttemptFlush(context.Background()) }()
	<-kv.entered

	enqueued := make(chan error, 1)
	go func() {
		_, err := opLog.Enqueue(context.Background(), update("tmp_t"))
		enqueued <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(kv.release)

	rep := <-done
	if err := <-enqueued; err != nil {
		t.Fatalf("enqueue update: %v", err)
	}
	if rep.Stopped == StopPersistFailed {
		t.Fatalf("unexpected report: %+v", rep)
	}

	mu.Lock()
	ids := append([]string(nil), seen...)
	mu.Unlock()
	for _, op := range opLog.Snapshot() {
		ids = append(ids, *op.Payload.Ref("id"))
	}
	if len(ids) != 1 || ids[0] != "srv_t" {
		t.Fatalf("update should target the server id, got %v", ids)
	}
}

func TestAttemptFlushPersistFailureKeepsOperation(t *testing.T) {
	kv := &flakyKV{MemoryKV: storage.NewMemoryKV()}
	f := newFixture(t, kv)
	f.enqueue(t, update("t1"))

	var calls int
	s := New(f.log, f.dead, Executors{
		domain.UpdateTask: func(ctx context.Context, op domain.Operation) (string, error) {
			calls++
			return "", nil
		},
	}, WithLogger(quietLogger()))

	kv.fail = true
	rep := s.AttemptFlush(context.Background())
	if rep.Stopped != StopPersistFailed || rep.Succeeded != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if f.log.Len() != 1 {
		t.Fatalf("operation lost after persist failure")
	}

	kv.fail = false
	rep = s.AttemptFlush(context.Background())
	if rep.Succeeded != 1 || calls != 2 {
		t.Fatalf("expected retry after storage recovered: %+v calls=%d", rep, calls)
	}
}

func TestAttemptFlushInvalidatesActiveScopes(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, update("t1"))
	inv := &recordingInvalidator{}
	s := New(f.log, f.dead, Executors{
		domain.UpdateTask: func(ctx context.Context, op domain.Operation) (string, error) { return "", nil },
	}, WithInvalidator(inv), WithLogger(quietLogger()),
		WithActiveScope(func() domain.ActiveScope { return domain.ActiveScope{ProjectID: "p1", WorkspaceID: "w1"} }))

	s.AttemptFlush(context.Background())
	if len(inv.calls) != 1 {
		t.Fatalf("expected one invalidation, got %d", len(inv.calls))
	}
	want := []domain.Scope{
		{Resource: domain.ResourceTasks, ID: "p1"},
		{Resource: domain.ResourceProjects, ID: "w1"},
		{Resource: domain.ResourceTeam, ID: "w1"},
	}
	if fmt.Sprint(inv.calls[0]) != fmt.Sprint(want) {
		t.Fatalf("unexpected scopes: %v", inv.calls[0])
	}
}

func TestInvalidationScopesWidenWithoutActiveIDs(t *testing.T) {
	for _, s := range InvalidationScopes(domain.ActiveScope{}) {
		if !s.All() {
			t.Fatalf("expected scope %s to cover all ids", s.Resource)
		}
	}
}

func TestAttemptFlushLogsMetricsAndSpans(t *testing.T) {
	logger, hook := test.NewNullLogger()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t, nil)
	f.enqueue(t, update("t1"))
	s := New(f.log, f.dead, Executors{
		domain.UpdateTask: func(ctx context.Context, op domain.Operation) (string, error) { return "", nil },
	}, WithLogger(logger), WithTracer(tp.Tracer("test")))

	s.AttemptFlush(context.Background())

	entry := hook.LastEntry()
	if entry == nil || entry.Message != "sync.flush.metrics" {
		t.Fatalf("expected metrics log entry, got %#v", entry)
	}
	if entry.Data["succeeded"] != 1 || entry.Data["stopped"] != string(StopDrained) {
		t.Fatalf("unexpected metrics fields: %#v", entry.Data)
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected cycle and operation spans, got %d", len(spans))
	}
	var cycle tracetest.SpanStub
	for _, sp := range spans {
		if sp.Name == "flush.cycle" {
			cycle = sp
		}
	}
	if cycle.Name == "" {
		t.Fatalf("cycle span missing")
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range cycle.Attributes {
		attrs[kv.Key] = kv.Value
	}
	if attrs["commitflow.flush.succeeded"].AsInt64() != 1 {
		t.Fatalf("unexpected span attributes: %v", cycle.Attributes)
	}
}

func TestSetOnlineWakesRunLoop(t *testing.T) {
	f := newFixture(t, nil)
	called := make(chan struct{}, 1)
	s := New(f.log, f.dead, Executors{
		domain.UpdateTask: func(ctx context.Context, op domain.Operation) (string, error) {
			select {
			case called <- struct{}{}:
			default:
			}
			return "", nil
		},
	}, WithConfig(Config{Interval: time.Hour}), WithLogger(quietLogger()))

	s.SetOnline(false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	f.enqueue(t, update("t1"))
	s.SetOnline(true)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected reconnect to trigger a flush")
	}
	if !s.Online() {
		t.Fatalf("expected online state")
	}
}

func TestExecutorsValidate(t *testing.T) {
	noop := func(ctx context.Context, op domain.Operation) (string, error) { return "", nil }
	exec := Executors{}
	if err := exec.Validate(); !errors.Is(err, ErrNoExecutor) {
		t.Fatalf("expected ErrNoExecutor, got %v", err)
	}
	for _, k := range domain.AllKinds() {
		exec[k] = noop
	}
	if err := exec.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
