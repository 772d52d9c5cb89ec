package flush

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/asepindrak/commitflow/domain"
)

// ErrNoExecutor is returned for operations whose kind has no registered
// executor. Such operations can never succeed and are archived.
var ErrNoExecutor = errors.New("no executor registered for operation kind")

// ExecutorFunc applies one operation remotely. Create operations return the
// server id of the new entity; other kinds return an empty id.
type ExecutorFunc func(ctx context.Context, op domain.Operation) (serverID string, err error)

// Executors maps each operation kind to its remote call.
type Executors map[domain.Kind]ExecutorFunc

// Validate reports every known kind without an executor.
func (e Executors) Validate() error {
	var missing []string
	for _, k := range domain.AllKinds() {
		if e[k] == nil {
			missing = append(missing, string(k))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s", ErrNoExecutor, strings.Join(missing, ", "))
}

// Invalidator is told which cached collections may be stale after a cycle.
type Invalidator interface {
	Invalidate(ctx context.Context, scopes []domain.Scope) error
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(ctx context.Context, scopes []domain.Scope) error

func (f InvalidatorFunc) Invalidate(ctx context.Context, scopes []domain.Scope) error {
	return f(ctx, scopes)
}

// Invalidators runs each invalidator in order and joins their errors.
type Invalidators []Invalidator

func (is Invalidators) Invalidate(ctx context.Context, scopes []domain.Scope) error {
	var errs []error
	for _, inv := range is {
		if inv == nil {
			continue
		}
		if err := inv.Invalidate(ctx, scopes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Remapper rewrites in-memory copies of an entity id once the server has
// assigned the permanent one.
type Remapper interface {
	Remap(kind domain.EntityKind, from, to string)
}

// InvalidationScopes returns the scopes refreshed after a cycle. Missing
// active ids widen the scope to every id of the resource.
func InvalidationScopes(active domain.ActiveScope) []domain.Scope {
	return []domain.Scope{
		{Resource: domain.ResourceTasks, ID: active.ProjectID},
		{Resource: domain.ResourceProjects, ID: active.WorkspaceID},
		{Resource: domain.ResourceTeam, ID: active.WorkspaceID},
	}
}
