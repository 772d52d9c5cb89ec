// Package resolver rewrites temporary ids to server ids in queued operations.
package resolver

import (
	"sync"

	"github.com/asepindrak/commitflow/domain"
)

// RewriteOne replaces every reference to from with to inside op. It returns
// the number of fields changed.
func RewriteOne(op domain.Operation, target domain.EntityKind, from, to string) int {
	if op.Payload == nil || from == "" || from == to {
		return 0
	}
	changed := 0
	for _, ref := range References[op.Kind] {
		if ref.Target != target {
			continue
		}
		field := op.Payload.Ref(ref.Field)
		if field != nil && *field == from {
			*field = to
			changed++
		}
	}
	return changed
}

// Rewrite applies RewriteOne to every operation. Payloads are modified in
// place, so callers pass copies they own.
func Rewrite(ops []domain.Operation, target domain.EntityKind, from, to string) int {
	changed := 0
	for _, op := range ops {
		changed += RewriteOne(op, target, from, to)
	}
	return changed
}

type aliasKey struct {
	kind domain.EntityKind
	id   string
}

// Resolver remembers which temporary ids have been replaced so operations
// enqueued later with a stale id are rewritten on the way in.
type Resolver struct {
	mu      sync.RWMutex
	aliases map[aliasKey]string
}

func New() *Resolver {
	return &Resolver{aliases: make(map[aliasKey]string)}
}

// Record stores the server id assigned to a temporary id.
func (r *Resolver) Record(kind domain.EntityKind, from, to string) {
	if from == "" || to == "" || from == to {
		return
	}
	r.mu.Lock()
	r.aliases[aliasKey{kind, from}] = to
	r.mu.Unlock()
}

// Lookup returns the server id recorded for a temporary id.
func (r *Resolver) Lookup(kind domain.EntityKind, id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	to, ok := r.aliases[aliasKey{kind, id}]
	return to, ok
}

// Apply rewrites every reference in op that names a retired temporary id.
func (r *Resolver) Apply(op domain.Operation) int {
	if op.Payload == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.aliases) == 0 {
		return 0
	}
	changed := 0
	for _, ref := range References[op.Kind] {
		field := op.Payload.Ref(ref.Field)
		if field == nil || !domain.IsTemporaryID(*field) {
			continue
		}
		if to, ok := r.aliases[aliasKey{ref.Target, *field}]; ok {
			*field = to
			changed++
		}
	}
	return changed
}

// Len returns the number of recorded aliases.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.aliases)
}
