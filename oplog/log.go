package oplog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/asepindrak/commitflow/domain"
)

var (
	ErrEmpty        = errors.New("operation log is empty")
	ErrFrontChanged = errors.New("front operation changed")
)

// Aliaser rewrites stale temporary ids in newly enqueued operations.
type Aliaser interface {
	Apply(op domain.Operation) int
}

// Log is an ordered, durable list of pending operations. Every mutation is
// built on a copy, persisted, and only then made visible, so a failed write
// leaves both memory and storage unchanged.
type Log struct {
	kv      KV
	key     string
	aliases Aliaser
	now     func() time.Time

	mu  sync.Mutex
	ops []domain.Operation
}

type Option func(*Log)

// WithKey overrides the storage key.
func WithKey(key string) Option {
	return func(l *Log) { l.key = key }
}

// WithAliaser sets the resolver applied on enqueue.
func WithAliaser(a Aliaser) Option {
	return func(l *Log) { l.aliases = a }
}

// WithClock overrides time.Now, used for CreatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates an empty log. Call Load to restore persisted state.
func New(kv KV, opts ...Option) *Log {
	if kv == nil {
		panic("oplog.New: kv is nil")
	}
	l := &Log{kv: kv, key: QueueKey, now: time.Now, ops: []domain.Operation{}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load replaces the in-memory log with the persisted one. A missing key is an
// empty log.
func (l *Log) Load(ctx context.Context) error {
	ops, err := l.read(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ops = ops
	l.mu.Unlock()
	return nil
}

func (l *Log) read(ctx context.Context) ([]domain.Operation, error) {
	data, ok, err := l.kv.GetItem(ctx, l.key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", l.key, err)
	}
	ops := []domain.Operation{}
	if !ok || len(data) == 0 {
		return ops, nil
	}
	if err := sonic.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("decode %s: %w", l.key, err)
	}
	if ops == nil {
		ops = []domain.Operation{}
	}
	return ops, nil
}

// Persist writes the current log to storage.
func (l *Log) Persist(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLocked(ctx, l.ops)
}

func (l *Log) writeLocked(ctx context.Context, ops []domain.Operation) error {
	data, err := sonic.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encode %s: %w", l.key, err)
	}
	if err := l.kv.SetItem(ctx, l.key, data); err != nil {
		return fmt.Errorf("persist %s: %w", l.key, err)
	}
	return nil
}

// commitLocked persists next and swaps it in.
func (l *Log) commitLocked(ctx context.Context, next []domain.Operation) error {
	if err := l.writeLocked(ctx, next); err != nil {
		return err
	}
	l.ops = next
	return nil
}

// Enqueue validates op, stamps its id and creation time, rewrites references
// to retired temporary ids, appends it and persists. The stored copy is
// returned.
func (l *Log) Enqueue(ctx context.Context, op domain.Operation) (domain.Operation, error) {
	op = op.Clone()
	if err := op.Validate(); err != nil {
		return domain.Operation{}, err
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.CreatedAt = l.now().UTC()
	op.RetryCount = 0

	l.mu.Lock()
	defer l.mu.Unlock()
	// aliases are recorded under l.mu by ResolveFront, so applying them here
	// sees every id retired before this append
	if l.aliases != nil {
		l.aliases.Apply(op)
	}
	next := make([]domain.Operation, len(l.ops), len(l.ops)+1)
	copy(next, l.ops)
	next = append(next, op)
	if err := l.commitLocked(ctx, next); err != nil {
		return domain.Operation{}, err
	}
	return op.Clone(), nil
}

// Front returns a copy of the oldest operation.
func (l *Log) Front() (domain.Operation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ops) == 0 {
		return domain.Operation{}, false
	}
	return l.ops[0].Clone(), true
}

// PopFront removes the oldest operation and persists.
func (l *Log) PopFront(ctx context.Context) (domain.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ops) == 0 {
		return domain.Operation{}, ErrEmpty
	}
	front := l.ops[0]
	next := append([]domain.Operation{}, l.ops[1:]...)
	if err := l.commitLocked(ctx, next); err != nil {
		return domain.Operation{}, err
	}
	return front.Clone(), nil
}

// ResolveFront removes the operation with the given id from the front, lets
// rewrite update copies of the remaining operations, and persists once.
// committed runs after the write succeeds and before the log is unlocked;
// an alias recorded there is visible to every later Enqueue.
func (l *Log) ResolveFront(ctx context.Context, id string, rewrite func(rest []domain.Operation), committed func()) (domain.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ops) == 0 {
		return domain.Operation{}, ErrEmpty
	}
	front := l.ops[0]
	if front.ID != id {
		return domain.Operation{}, fmt.Errorf("%w: want %s, have %s", ErrFrontChanged, id, front.ID)
	}
	next := make([]domain.Operation, 0, len(l.ops)-1)
	for _, op := range l.ops[1:] {
		next = append(next, op.Clone())
	}
	if rewrite != nil {
		rewrite(next)
	}
	if err := l.commitLocked(ctx, next); err != nil {
		return domain.Operation{}, err
	}
	if committed != nil {
		committed()
	}
	return front.Clone(), nil
}

// IncrementFrontRetry bumps the retry count of the front operation with the
// given id and persists. It returns the new count.
func (l *Log) IncrementFrontRetry(ctx context.Context, id string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ops) == 0 {
		return 0, ErrEmpty
	}
	if l.ops[0].ID != id {
		return 0, fmt.Errorf("%w: want %s, have %s", ErrFrontChanged, id, l.ops[0].ID)
	}
	next := make([]domain.Operation, len(l.ops))
	copy(next, l.ops)
	next[0] = next[0].Clone()
	next[0].RetryCount++
	if err := l.commitLocked(ctx, next); err != nil {
		return 0, err
	}
	return next[0].RetryCount, nil
}

// Len returns the number of pending operations.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ops)
}

// Snapshot returns copies of every pending operation in order.
func (l *Log) Snapshot() []domain.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Operation, len(l.ops))
	for i, op := range l.ops {
		out[i] = op.Clone()
	}
	return out
}

// Stats summarises the log for status endpoints.
type Stats struct {
	Depth     int           `json:"depth"`
	OldestAge time.Duration `json:"oldestAge"`
	Retrying  int           `json:"retrying"`
}

func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Stats{Depth: len(l.ops)}
	now := l.now()
	for _, op := range l.ops {
		if op.RetryCount > 0 {
			st.Retrying++
		}
		if op.CreatedAt.IsZero() {
			continue
		}
		if age := now.Sub(op.CreatedAt); age > st.OldestAge {
			st.OldestAge = age
		}
	}
	return st
}
