package resolver

import "github.com/asepindrak/commitflow/domain"

// Reference is one payload field that may hold the id of another entity.
type Reference struct {
	Field  string
	Target domain.EntityKind
}

// References lists, per operation kind, every payload field that may name a
// temporary id. A kind with no references maps to an empty slice so that the
// table stays exhaustive.
var References = map[domain.Kind][]Reference{
	domain.CreateTask: {
		{Field: "projectId", Target: domain.EntityProject},
		{Field: "assigneeId", Target: domain.EntityTeamMember},
	},
	domain.UpdateTask: {
		{Field: "id", Target: domain.EntityTask},
		{Field: "patch.projectId", Target: domain.EntityProject},
		{Field: "patch.assigneeId", Target: domain.EntityTeamMember},
	},
	domain.DeleteTask: {
		{Field: "id", Target: domain.EntityTask},
	},
	domain.CreateProject: {},
	domain.UpdateProject: {
		{Field: "id", Target: domain.EntityProject},
	},
	domain.DeleteProject: {
		{Field: "id", Target: domain.EntityProject},
	},
	domain.CreateTeamMember: {},
	domain.UpdateTeamMember: {
		{Field: "id", Target: domain.EntityTeamMember},
	},
	domain.DeleteTeamMember: {
		{Field: "id", Target: domain.EntityTeamMember},
	},
	domain.CreateComment: {
		{Field: "taskId", Target: domain.EntityTask},
	},
}
