package domain

import "time"

// EntityKind identifies the kind of entity an id belongs to.
type EntityKind string

const (
	EntityTask       EntityKind = "task"
	EntityProject    EntityKind = "project"
	EntityTeamMember EntityKind = "teamMember"
	EntityComment    EntityKind = "comment"
)

type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

type Comment struct {
	ID          string       `json:"id"`
	Author      string       `json:"author,omitempty"`
	Body        string       `json:"body"`
	CreatedAt   time.Time    `json:"createdAt"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	ProjectID   string    `json:"projectId"`
	Status      string    `json:"status,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	StartDate   string    `json:"startDate,omitempty"`
	DueDate     string    `json:"dueDate,omitempty"`
	AssigneeID  string    `json:"assigneeId,omitempty"`
	ClientID    string    `json:"clientId,omitempty"`
	Comments    []Comment `json:"comments,omitempty"`
}

func (t Task) EntityID() string { return t.ID }

// ScopeID is the project the task belongs to.
func (t Task) ScopeID() string { return t.ProjectID }

// Clone copies the task including its comment slice.
func (t Task) Clone() Task {
	out := t
	if t.Comments != nil {
		out.Comments = make([]Comment, len(t.Comments))
		for i, c := range t.Comments {
			c.Attachments = append([]Attachment(nil), c.Attachments...)
			out.Comments[i] = c
		}
	}
	return out
}

type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	WorkspaceID string    `json:"workspaceId"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (p Project) EntityID() string { return p.ID }
func (p Project) ScopeID() string  { return p.WorkspaceID }

type TeamMember struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Role        string `json:"role,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Photo       string `json:"photo,omitempty"`
	WorkspaceID string `json:"workspaceId"`
}

func (m TeamMember) EntityID() string { return m.ID }
func (m TeamMember) ScopeID() string  { return m.WorkspaceID }
