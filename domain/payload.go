package domain

// Payload is the closed set of operation bodies. Ref exposes the string
// reference fields by their JSON path so ids can be rewritten without
// reflection; it returns nil when the path is unknown or the field is absent.
type Payload interface {
	Kind() Kind
	Ref(field string) *string
	clone() Payload
}

// TaskPatch carries the fields of a partial task update. Nil means unchanged.
type TaskPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	ProjectID   *string `json:"projectId,omitempty"`
	Status      *string `json:"status,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	StartDate   *string `json:"startDate,omitempty"`
	DueDate     *string `json:"dueDate,omitempty"`
	AssigneeID  *string `json:"assigneeId,omitempty"`
}

func (p TaskPatch) clone() TaskPatch {
	return TaskPatch{
		Title:       cloneString(p.Title),
		Description: cloneString(p.Description),
		ProjectID:   cloneString(p.ProjectID),
		Status:      cloneString(p.Status),
		Priority:    cloneString(p.Priority),
		StartDate:   cloneString(p.StartDate),
		DueDate:     cloneString(p.DueDate),
		AssigneeID:  cloneString(p.AssigneeID),
	}
}

// ProjectPatch carries the fields of a partial project update.
type ProjectPatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateTaskPayload struct {
	CorrelationID string `json:"correlationId"`
	ProjectID     string `json:"projectId"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Status        string `json:"status,omitempty"`
	Priority      string `json:"priority,omitempty"`
	StartDate     string `json:"startDate,omitempty"`
	DueDate       string `json:"dueDate,omitempty"`
	AssigneeID    string `json:"assigneeId,omitempty"`
}

func (*CreateTaskPayload) Kind() Kind { return CreateTask }

func (p *CreateTaskPayload) Ref(field string) *string {
	switch field {
	case "projectId":
		return &p.ProjectID
	case "assigneeId":
		return &p.AssigneeID
	}
	return nil
}

func (p *CreateTaskPayload) clone() Payload {
	c := *p
	return &c
}

type UpdateTaskPayload struct {
	ID    string    `json:"id"`
	Patch TaskPatch `json:"patch"`
}

func (*UpdateTaskPayload) Kind() Kind { return UpdateTask }

func (p *UpdateTaskPayload) Ref(field string) *string {
	switch field {
	case "id":
		return &p.ID
	case "patch.projectId":
		return p.Patch.ProjectID
	case "patch.assigneeId":
		return p.Patch.AssigneeID
	}
	return nil
}

func (p *UpdateTaskPayload) clone() Payload {
	return &UpdateTaskPayload{ID: p.ID, Patch: p.Patch.clone()}
}

type DeleteTaskPayload struct {
	ID string `json:"id"`
}

func (*DeleteTaskPayload) Kind() Kind { return DeleteTask }

func (p *DeleteTaskPayload) Ref(field string) *string {
	if field == "id" {
		return &p.ID
	}
	return nil
}

func (p *DeleteTaskPayload) clone() Payload {
	c := *p
	return &c
}

type CreateProjectPayload struct {
	CorrelationID string `json:"correlationId"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	WorkspaceID   string `json:"workspaceId,omitempty"`
}

func (*CreateProjectPayload) Kind() Kind { return CreateProject }

func (*CreateProjectPayload) Ref(string) *string { return nil }

func (p *CreateProjectPayload) clone() Payload {
	c := *p
	return &c
}

type UpdateProjectPayload struct {
	ID    string       `json:"id"`
	Patch ProjectPatch `json:"patch"`
}

func (*UpdateProjectPayload) Kind() Kind { return UpdateProject }

func (p *UpdateProjectPayload) Ref(field string) *string {
	if field == "id" {
		return &p.ID
	}
	return nil
}

func (p *UpdateProjectPayload) clone() Payload {
	return &UpdateProjectPayload{ID: p.ID, Patch: ProjectPatch{
		Name:        cloneString(p.Patch.Name),
		Description: cloneString(p.Patch.Description),
	}}
}

type DeleteProjectPayload struct {
	ID string `json:"id"`
}

func (*DeleteProjectPayload) Kind() Kind { return DeleteProject }

func (p *DeleteProjectPayload) Ref(field string) *string {
	if field == "id" {
		return &p.ID
	}
	return nil
}

func (p *DeleteProjectPayload) clone() Payload {
	c := *p
	return &c
}

type CreateTeamMemberPayload struct {
	CorrelationID string `json:"correlationId"`
	Name          string `json:"name"`
	Role          string `json:"role,omitempty"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Photo         string `json:"photo,omitempty"`
	WorkspaceID   string `json:"workspaceId,omitempty"`
}

func (*CreateTeamMemberPayload) Kind() Kind { return CreateTeamMember }

func (*CreateTeamMemberPayload) Ref(string) *string { return nil }

func (p *CreateTeamMemberPayload) clone() Payload {
	c := *p
	return &c
}

// TeamMemberPatch holds the profile fields of an update; nil means unchanged.
type TeamMemberPatch struct {
	Name  *string `json:"name,omitempty"`
	Role  *string `json:"role,omitempty"`
	Email *string `json:"email,omitempty"`
	Phone *string `json:"phone,omitempty"`
	Photo *string `json:"photo,omitempty"`
}

type UpdateTeamMemberPayload struct {
	ID    string          `json:"id"`
	Patch TeamMemberPatch `json:"patch"`
}

func (*UpdateTeamMemberPayload) Kind() Kind { return UpdateTeamMember }

func (p *UpdateTeamMemberPayload) Ref(field string) *string {
	if field == "id" {
		return &p.ID
	}
	return nil
}

func (p *UpdateTeamMemberPayload) clone() Payload {
	return &UpdateTeamMemberPayload{ID: p.ID, Patch: TeamMemberPatch{
		Name:  cloneString(p.Patch.Name),
		Role:  cloneString(p.Patch.Role),
		Email: cloneString(p.Patch.Email),
		Phone: cloneString(p.Patch.Phone),
		Photo: cloneString(p.Patch.Photo),
	}}
}

type DeleteTeamMemberPayload struct {
	ID string `json:"id"`
}

func (*DeleteTeamMemberPayload) Kind() Kind { return DeleteTeamMember }

func (p *DeleteTeamMemberPayload) Ref(field string) *string {
	if field == "id" {
		return &p.ID
	}
	return nil
}

func (p *DeleteTeamMemberPayload) clone() Payload {
	c := *p
	return &c
}

type CreateCommentPayload struct {
	CorrelationID string       `json:"correlationId"`
	TaskID        string       `json:"taskId"`
	Author        string       `json:"author,omitempty"`
	Body          string       `json:"body"`
	Attachments   []Attachment `json:"attachments,omitempty"`
}

func (*CreateCommentPayload) Kind() Kind { return CreateComment }

func (p *CreateCommentPayload) Ref(field string) *string {
	if field == "taskId" {
		return &p.TaskID
	}
	return nil
}

func (p *CreateCommentPayload) clone() Payload {
	c := *p
	c.Attachments = append([]Attachment(nil), p.Attachments...)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
