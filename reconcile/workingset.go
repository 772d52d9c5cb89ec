package reconcile

import (
	"sync"
	"time"

	"github.com/asepindrak/commitflow/domain"
)

// WorkingSet is the in-memory application state: optimistic local edits
// folded together with the latest server snapshots.
type WorkingSet struct {
	mu       sync.RWMutex
	active   domain.ActiveScope
	tasks    []domain.Task
	projects []domain.Project
	team     []domain.TeamMember
	// remapped ids the server has not listed yet: kind -> server id -> temporary id
	pending map[domain.EntityKind]map[string]string
	now     func() time.Time
}

func NewWorkingSet(active domain.ActiveScope) *WorkingSet {
	return &WorkingSet{
		active:  active,
		pending: make(map[domain.EntityKind]map[string]string),
		now:     time.Now,
	}
}

func (w *WorkingSet) Active() domain.ActiveScope {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.active
}

func (w *WorkingSet) SetActive(a domain.ActiveScope) {
	w.mu.Lock()
	w.active = a
	w.mu.Unlock()
}

func (w *WorkingSet) Tasks() []domain.Task {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]domain.Task, len(w.tasks))
	for i, t := range w.tasks {
		out[i] = t.Clone()
	}
	return out
}

func (w *WorkingSet) Projects() []domain.Project {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]domain.Project(nil), w.projects...)
}

func (w *WorkingSet) Team() []domain.TeamMember {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]domain.TeamMember(nil), w.team...)
}

// ApplyTasks merges a task snapshot of one project. Remapped tasks and
// comments missing from the snapshot are kept until a snapshot lists them.
func (w *WorkingSet) ApplyTasks(projectID string, server []domain.Task) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range server {
		w.confirm(domain.EntityTask, t.ID, t.ClientID)
		for _, c := range t.Comments {
			w.confirm(domain.EntityComment, c.ID, "")
		}
	}
	w.tasks = mergeTasks(w.tasks, server, projectID,
		func(t domain.Task) bool { return w.isPending(domain.EntityTask, t.ID) },
		func(id string) bool { return w.isPending(domain.EntityComment, id) },
	)
}

// ApplyProjects merges a project snapshot of one workspace.
func (w *WorkingSet) ApplyProjects(workspaceID string, server []domain.Project) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range server {
		w.confirm(domain.EntityProject, p.ID, "")
	}
	w.projects = mergeKeeping(w.projects, server, workspaceID, nil, func(p domain.Project) bool {
		return w.isPending(domain.EntityProject, p.ID)
	})
}

// ApplyTeam merges a team snapshot of one workspace.
func (w *WorkingSet) ApplyTeam(workspaceID string, server []domain.TeamMember) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range server {
		w.confirm(domain.EntityTeamMember, m.ID, "")
	}
	w.team = mergeKeeping(w.team, server, workspaceID, nil, func(m domain.TeamMember) bool {
		return w.isPending(domain.EntityTeamMember, m.ID)
	})
}

// Pending reports how many remapped ids of kind await a snapshot listing them.
func (w *WorkingSet) Pending(kind domain.EntityKind) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.pending[kind])
}

func (w *WorkingSet) isPending(kind domain.EntityKind, id string) bool {
	_, ok := w.pending[kind][id]
	return ok
}

// confirm drops the pending entry for id, and for any entry created under
// clientID when the server echoes it.
func (w *WorkingSet) confirm(kind domain.EntityKind, id, clientID string) {
	ids := w.pending[kind]
	if len(ids) == 0 {
		return
	}
	delete(ids, id)
	if clientID == "" {
		return
	}
	for serverID, tmp := range ids {
		if tmp == clientID {
			delete(ids, serverID)
		}
	}
}

func (w *WorkingSet) forget(kind domain.EntityKind, id string) {
	delete(w.pending[kind], id)
}

// Remap replaces a temporary id with its server id everywhere it appears,
// including references held by tasks and the active scope.
func (w *WorkingSet) Remap(kind domain.EntityKind, from, to string) {
	if from == "" || to == "" || from == to {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending[kind] == nil {
		w.pending[kind] = make(map[string]string)
	}
	w.pending[kind][to] = from
	switch kind {
	case domain.EntityTask:
		for i := range w.tasks {
			if w.tasks[i].ID == from {
				w.tasks[i].ID = to
			}
		}
	case domain.EntityProject:
		for i := range w.projects {
			if w.projects[i].ID == from {
				w.projects[i].ID = to
			}
		}
		for i := range w.tasks {
			if w.tasks[i].ProjectID == from {
				w.tasks[i].ProjectID = to
			}
		}
		if w.active.ProjectID == from {
			w.active.ProjectID = to
		}
	case domain.EntityTeamMember:
		for i := range w.team {
			if w.team[i].ID == from {
				w.team[i].ID = to
			}
		}
		for i := range w.tasks {
			if w.tasks[i].AssigneeID == from {
				w.tasks[i].AssigneeID = to
			}
		}
	case domain.EntityComment:
		for i := range w.tasks {
			for j := range w.tasks[i].Comments {
				if w.tasks[i].Comments[j].ID == from {
					w.tasks[i].Comments[j].ID = to
				}
			}
		}
	}
}

// ApplyLocal reflects a just-enqueued operation in the working set so the
// user sees the change before it is flushed.
func (w *WorkingSet) ApplyLocal(op domain.Operation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch p := op.Payload.(type) {
	case *domain.CreateTaskPayload:
		w.tasks = append(w.tasks, domain.Task{
			ID:          p.CorrelationID,
			ClientID:    p.CorrelationID,
			ProjectID:   p.ProjectID,
			Title:       p.Title,
			Description: p.Description,
			Status:      p.Status,
			Priority:    p.Priority,
			StartDate:   p.StartDate,
			DueDate:     p.DueDate,
			AssigneeID:  p.AssigneeID,
		})
	case *domain.UpdateTaskPayload:
		for i := range w.tasks {
			if w.tasks[i].ID == p.ID {
				applyTaskPatch(&w.tasks[i], p.Patch)
			}
		}
	case *domain.DeleteTaskPayload:
		w.tasks = removeByID(w.tasks, p.ID)
		w.forget(domain.EntityTask, p.ID)
	case *domain.CreateProjectPayload:
		ws := p.WorkspaceID
		if ws == "" {
			ws = w.active.WorkspaceID
		}
		w.projects = append(w.projects, domain.Project{
			ID:          p.CorrelationID,
			Name:        p.Name,
			Description: p.Description,
			WorkspaceID: ws,
			CreatedAt:   w.now().UTC(),
		})
	case *domain.UpdateProjectPayload:
		for i := range w.projects {
			if w.projects[i].ID != p.ID {
				continue
			}
			if p.Patch.Name != nil {
				w.projects[i].Name = *p.Patch.Name
			}
			if p.Patch.Description != nil {
				w.projects[i].Description = *p.Patch.Description
			}
		}
	case *domain.DeleteProjectPayload:
		w.projects = removeByID(w.projects, p.ID)
		w.forget(domain.EntityProject, p.ID)
	case *domain.CreateTeamMemberPayload:
		ws := p.WorkspaceID
		if ws == "" {
			ws = w.active.WorkspaceID
		}
		w.team = append(w.team, domain.TeamMember{
			ID:          p.CorrelationID,
			Name:        p.Name,
			Role:        p.Role,
			Email:       p.Email,
			Phone:       p.Phone,
			Photo:       p.Photo,
			WorkspaceID: ws,
		})
	case *domain.UpdateTeamMemberPayload:
		for i := range w.team {
			if w.team[i].ID == p.ID {
				applyMemberPatch(&w.team[i], p.Patch)
			}
		}
	case *domain.DeleteTeamMemberPayload:
		w.team = removeByID(w.team, p.ID)
		w.forget(domain.EntityTeamMember, p.ID)
	case *domain.CreateCommentPayload:
		for i := range w.tasks {
			if w.tasks[i].ID != p.TaskID {
				continue
			}
			w.tasks[i].Comments = append(w.tasks[i].Comments, domain.Comment{
				ID:          p.CorrelationID,
				Author:      p.Author,
				Body:        p.Body,
				CreatedAt:   w.now().UTC(),
				Attachments: append([]domain.Attachment(nil), p.Attachments...),
			})
		}
	}
}

func applyTaskPatch(t *domain.Task, p domain.TaskPatch) {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&t.Title, p.Title)
	set(&t.Description, p.Description)
	set(&t.ProjectID, p.ProjectID)
	set(&t.Status, p.Status)
	set(&t.Priority, p.Priority)
	set(&t.StartDate, p.StartDate)
	set(&t.DueDate, p.DueDate)
	set(&t.AssigneeID, p.AssigneeID)
}

func applyMemberPatch(m *domain.TeamMember, p domain.TeamMemberPatch) {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&m.Name, p.Name)
	set(&m.Role, p.Role)
	set(&m.Email, p.Email)
	set(&m.Phone, p.Phone)
	set(&m.Photo, p.Photo)
}

func removeByID[T Entity](items []T, id string) []T {
	out := items[:0:0]
	for _, it := range items {
		if it.EntityID() != id {
			out = append(out, it)
		}
	}
	return out
}
