package reconcile

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/asepindrak/commitflow/domain"
)

// SnapshotSource returns authoritative collections for one scope.
type SnapshotSource interface {
	FetchTasks(ctx context.Context, projectID string) ([]domain.Task, error)
	FetchProjects(ctx context.Context, workspaceID string) ([]domain.Project, error)
	FetchTeam(ctx context.Context, workspaceID string) ([]domain.TeamMember, error)
}

// Refresher refetches invalidated scopes and merges them into a WorkingSet.
type Refresher struct {
	source SnapshotSource
	ws     *WorkingSet
	logger *log.Logger
}

func NewRefresher(source SnapshotSource, ws *WorkingSet, logger *log.Logger) *Refresher {
	if source == nil || ws == nil {
		panic("reconcile.NewRefresher: source and working set are required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Refresher{source: source, ws: ws, logger: logger}
}

// Invalidate refetches each scope. A scope without an id resolves to the
// active project or workspace; when none is active the scope is skipped.
func (r *Refresher) Invalidate(ctx context.Context, scopes []domain.Scope) error {
	active := r.ws.Active()
	var errs []error
	for _, s := range scopes {
		if err := r.refresh(ctx, s, active); err != nil {
			r.logger.WithError(err).WithFields(log.Fields{"resource": s.Resource, "scope": s.ID}).Warn("reconcile refresh failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Refresh refetches everything the user is currently looking at.
func (r *Refresher) Refresh(ctx context.Context) error {
	return r.Invalidate(ctx, []domain.Scope{
		{Resource: domain.ResourceTasks},
		{Resource: domain.ResourceProjects},
		{Resource: domain.ResourceTeam},
	})
}

func (r *Refresher) refresh(ctx context.Context, s domain.Scope, active domain.ActiveScope) error {
	switch s.Resource {
	case domain.ResourceTasks:
		id := firstNonEmpty(s.ID, active.ProjectID)
		if id == "" {
			return nil
		}
		tasks, err := r.source.FetchTasks(ctx, id)
		if err != nil {
			return fmt.Errorf("fetch tasks %s: %w", id, err)
		}
		r.ws.ApplyTasks(id, tasks)
	case domain.ResourceProjects:
		id := firstNonEmpty(s.ID, active.WorkspaceID)
		if id == "" {
			return nil
		}
		projects, err := r.source.FetchProjects(ctx, id)
		if err != nil {
			return fmt.Errorf("fetch projects %s: %w", id, err)
		}
		r.ws.ApplyProjects(id, projects)
	case domain.ResourceTeam:
		id := firstNonEmpty(s.ID, active.WorkspaceID)
		if id == "" {
			return nil
		}
		team, err := r.source.FetchTeam(ctx, id)
		if err != nil {
			return fmt.Errorf("fetch team %s: %w", id, err)
		}
		r.ws.ApplyTeam(id, team)
	default:
		return fmt.Errorf("unknown resource %q", s.Resource)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
