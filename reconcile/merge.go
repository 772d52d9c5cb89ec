// Package reconcile folds authoritative server snapshots into optimistic
// local state.
package reconcile

import (
	"time"

	"github.com/asepindrak/commitflow/domain"
)

// Entity is anything merged by id within a scope.
type Entity interface {
	EntityID() string
	ScopeID() string
}

// Merge combines local state with a server snapshot of one scope.
//
// Temporary local entities are always kept, whatever their scope. Local
// entities of other scopes pass through unchanged. Server entities replace
// their local counterparts, through combine when it is set. The result holds
// other-scope entities, then server entities, then temporary ones; duplicates
// by id keep the first position and the last value.
func Merge[T Entity](local, server []T, scopeID string, combine func(local, server T) T) []T {
	return mergeKeeping(local, server, scopeID, combine, nil)
}

// mergeKeeping is Merge where keep marks further local entities to hold on to
// like temporary ones.
func mergeKeeping[T Entity](local, server []T, scopeID string, combine func(local, server T) T, keep func(T) bool) []T {
	localByID := make(map[string]T, len(local))
	for _, e := range local {
		localByID[e.EntityID()] = e
	}

	others := make([]T, 0, len(local))
	temps := make([]T, 0)
	for _, e := range local {
		switch {
		case domain.IsTemporaryID(e.EntityID()), keep != nil && keep(e):
			temps = append(temps, e)
		case e.ScopeID() != scopeID:
			others = append(others, e)
		}
	}

	merged := make([]T, 0, len(server))
	for _, s := range server {
		if l, ok := localByID[s.EntityID()]; ok && combine != nil {
			merged = append(merged, combine(l, s))
			continue
		}
		merged = append(merged, s)
	}

	all := make([]T, 0, len(others)+len(merged)+len(temps))
	all = append(all, others...)
	all = append(all, merged...)
	all = append(all, temps...)
	return dedupe(all)
}

func dedupe[T Entity](items []T) []T {
	index := make(map[string]int, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		id := it.EntityID()
		if i, ok := index[id]; ok {
			out[i] = it
			continue
		}
		index[id] = len(out)
		out = append(out, it)
	}
	return out
}

// MergeTasks merges a task snapshot of one project, reconciling comments of
// tasks present on both sides.
func MergeTasks(local, server []domain.Task, projectID string) []domain.Task {
	return mergeTasks(local, server, projectID, nil, nil)
}

func mergeTasks(local, server []domain.Task, projectID string, keepTask func(domain.Task) bool, keepComment func(id string) bool) []domain.Task {
	return mergeKeeping(local, server, projectID, func(l, s domain.Task) domain.Task {
		out := s.Clone()
		out.Comments = mergeComments(l.Comments, s.Comments, keepComment)
		return out
	}, keepTask)
}

// MergeProjects merges a project snapshot of one workspace. The server copy
// wins for shared ids.
func MergeProjects(local, server []domain.Project, workspaceID string) []domain.Project {
	return Merge(local, server, workspaceID, nil)
}

// MergeTeam merges a team snapshot of one workspace.
func MergeTeam(local, server []domain.TeamMember, workspaceID string) []domain.TeamMember {
	return Merge(local, server, workspaceID, nil)
}

// MergeComments keeps the local collection when the server has none or when
// its newest comment is strictly newer than the server's newest, and always
// keeps unsynced local comments.
func MergeComments(local, server []domain.Comment) []domain.Comment {
	return mergeComments(local, server, nil)
}

func mergeComments(local, server []domain.Comment, keep func(id string) bool) []domain.Comment {
	latestLocal, hasLocal := latest(local)
	latestServer, hasServer := latest(server)

	var base []domain.Comment
	switch {
	case len(server) == 0:
		base = local
	case hasLocal && (!hasServer || latestLocal.After(latestServer)):
		base = local
	default:
		base = server
	}

	out := make([]domain.Comment, 0, len(base)+1)
	seen := make(map[string]struct{}, len(base))
	for _, c := range base {
		out = append(out, c)
		seen[c.ID] = struct{}{}
	}
	for _, c := range local {
		if !domain.IsTemporaryID(c.ID) && (keep == nil || !keep(c.ID)) {
			continue
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		out = append(out, c)
		seen[c.ID] = struct{}{}
	}
	if len(out) == 0 && local == nil && server == nil {
		return nil
	}
	return out
}

func latest(comments []domain.Comment) (time.Time, bool) {
	var max time.Time
	found := false
	for _, c := range comments {
		if c.CreatedAt.IsZero() {
			continue
		}
		if !found || c.CreatedAt.After(max) {
			max = c.CreatedAt
			found = true
		}
	}
	return max, found
}
