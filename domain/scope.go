package domain

// Resource names a cached collection.
type Resource string

const (
	ResourceTasks    Resource = "tasks"
	ResourceProjects Resource = "projects"
	ResourceTeam     Resource = "team"
)

// Scope selects one cached collection. An empty ID selects every scope of the
// resource.
type Scope struct {
	Resource Resource `json:"resource"`
	ID       string   `json:"scopeId,omitempty"`
}

// All reports whether the scope covers every id of its resource.
func (s Scope) All() bool { return s.ID == "" }

// Matches reports whether the scope covers the given scope id.
func (s Scope) Matches(r Resource, id string) bool {
	return s.Resource == r && (s.ID == "" || s.ID == id)
}

// ActiveScope is what the user currently looks at.
type ActiveScope struct {
	ProjectID   string `json:"projectId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}
