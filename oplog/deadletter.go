package oplog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/asepindrak/commitflow/domain"
)

// ErrNoDeadLetter is returned for an archive index that does not exist.
var ErrNoDeadLetter = errors.New("no dead letter at index")

// DeadLetters archives operations that were dropped from the log.
type DeadLetters struct {
	kv  KV
	key string

	mu      sync.Mutex
	entries []domain.DeadLetter
}

// NewDeadLetters creates an empty archive stored under DeadLetterKey.
func NewDeadLetters(kv KV) *DeadLetters {
	return NewDeadLettersWithKey(kv, DeadLetterKey)
}

func NewDeadLettersWithKey(kv KV, key string) *DeadLetters {
	if kv == nil {
		panic("oplog.NewDeadLetters: kv is nil")
	}
	return &DeadLetters{kv: kv, key: key, entries: []domain.DeadLetter{}}
}

func (d *DeadLetters) Load(ctx context.Context) error {
	data, ok, err := d.kv.GetItem(ctx, d.key)
	if err != nil {
		return fmt.Errorf("load %s: %w", d.key, err)
	}
	entries := []domain.DeadLetter{}
	if ok && len(data) > 0 {
		if err := sonic.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("decode %s: %w", d.key, err)
		}
	}
	if entries == nil {
		entries = []domain.DeadLetter{}
	}
	d.mu.Lock()
	d.entries = entries
	d.mu.Unlock()
	return nil
}

func (d *DeadLetters) commitLocked(ctx context.Context, next []domain.DeadLetter) error {
	data, err := sonic.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode %s: %w", d.key, err)
	}
	if err := d.kv.SetItem(ctx, d.key, data); err != nil {
		return fmt.Errorf("persist %s: %w", d.key, err)
	}
	d.entries = next
	return nil
}

// Add appends an entry and persists.
func (d *DeadLetters) Add(ctx context.Context, entry domain.DeadLetter) error {
	entry.Operation = entry.Operation.Clone()
	d.mu.Lock()
	defer d.mu.Unlock()
	next := make([]domain.DeadLetter, len(d.entries), len(d.entries)+1)
	copy(next, d.entries)
	next = append(next, entry)
	return d.commitLocked(ctx, next)
}

// List returns copies of every archived entry, oldest first.
func (d *DeadLetters) List() []domain.DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.DeadLetter, len(d.entries))
	for i, e := range d.entries {
		e.Operation = e.Operation.Clone()
		out[i] = e
	}
	return out
}

func (d *DeadLetters) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Clear drops every archived entry.
func (d *DeadLetters) Clear(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commitLocked(ctx, []domain.DeadLetter{})
}

// Requeue moves the entry at index back onto the tail of l with a fresh retry
// budget.
func (d *DeadLetters) Requeue(ctx context.Context, index int, l *Log) (domain.Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.entries) {
		return domain.Operation{}, fmt.Errorf("%w: %d", ErrNoDeadLetter, index)
	}
	op := d.entries[index].Operation.Clone()
	op.ID = ""
	queued, err := l.Enqueue(ctx, op)
	if err != nil {
		return domain.Operation{}, err
	}
	next := make([]domain.DeadLetter, 0, len(d.entries)-1)
	next = append(next, d.entries[:index]...)
	next = append(next, d.entries[index+1:]...)
	if err := d.commitLocked(ctx, next); err != nil {
		return queued, fmt.Errorf("requeued but archive not updated: %w", err)
	}
	return queued, nil
}
