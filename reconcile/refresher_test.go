package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/asepindrak/commitflow/domain"
)

type stubSource struct {
	tasks    map[string][]domain.Task
	projects map[string][]domain.Project
	team     map[string][]domain.TeamMember
	err      error
	calls    []string
}

func (s *stubSource) FetchTasks(_ context.Context, projectID string) ([]domain.Task, error) {
	s.calls = append(s.calls, "tasks:"+projectID)
	return s.tasks[projectID], s.err
}

func (s *stubSource) FetchProjects(_ context.Context, workspaceID string) ([]domain.Project, error) {
	s.calls = append(s.calls, "projects:"+workspaceID)
	return s.projects[workspaceID], s.err
}

func (s *stubSource) FetchTeam(_ context.Context, workspaceID string) ([]domain.TeamMember, error) {
	s.calls = append(s.calls, "team:"+workspaceID)
	return s.team[workspaceID], s.err
}

func TestRefresherInvalidateUsesActiveScope(t *testing.T) {
	src := &stubSource{
		tasks:    map[string][]domain.Task{"p1": {{ID: "t1", ProjectID: "p1"}}},
		projects: map[string][]domain.Project{"w1": {{ID: "p1", WorkspaceID: "w1"}}},
		team:     map[string][]domain.TeamMember{"w1": {{ID: "m1", WorkspaceID: "w1"}}},
	}
	ws := NewWorkingSet(domain.ActiveScope{ProjectID: "p1", WorkspaceID: "w1"})
	logger, _ := test.NewNullLogger()
	r := NewRefresher(src, ws, logger)

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !equalStrings(src.calls, []string{"tasks:p1", "projects:w1", "team:w1"}) {
		t.Fatalf("unexpected fetches: %v", src.calls)
	}
	if len(ws.Tasks()) != 1 || len(ws.Projects()) != 1 || len(ws.Team()) != 1 {
		t.Fatalf("snapshots not merged")
	}
}

func TestRefresherSkipsScopeWithoutID(t *testing.T) {
	src := &stubSource{}
	ws := NewWorkingSet(domain.ActiveScope{})
	logger, _ := test.NewNullLogger()
	r := NewRefresher(src, ws, logger)

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(src.calls) != 0 {
		t.Fatalf("expected no fetches, got %v", src.calls)
	}
}

func TestRefresherReportsFetchErrors(t *testing.T) {
	src := &stubSource{err: errors.New("backend down")}
	ws := NewWorkingSet(domain.ActiveScope{ProjectID: "p1"})
	logger, hook := test.NewNullLogger()
	r := NewRefresher(src, ws, logger)

	err := r.Invalidate(context.Background(), []domain.Scope{{Resource: domain.ResourceTasks, ID: "p1"}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if hook.LastEntry() == nil || hook.LastEntry().Message != "reconcile refresh failed" {
		t.Fatalf("expected warning to be logged")
	}
}
