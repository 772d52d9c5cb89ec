package storage

import (
	"context"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"github.com/asepindrak/commitflow/domain"
)

// listEntitiesFunc returns the raw JSON of every entity in one partition.
type listEntitiesFunc func(ctx context.Context, table, partition string) ([][]byte, error)

// TableSnapshots reads authoritative snapshots from Azure Tables. Tasks are
// partitioned by project id, projects and team members by workspace id.
type TableSnapshots struct {
	list          listEntitiesFunc
	tasksTable    string
	projectsTable string
	teamTable     string
}

// NewTableSnapshots connects to the tables named in the storage account.
func NewTableSnapshots(connStr, tasksTable, projectsTable, teamTable string) (*TableSnapshots, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	clients := map[string]*aztables.Client{
		tasksTable:    svc.NewClient(tasksTable),
		projectsTable: svc.NewClient(projectsTable),
		teamTable:     svc.NewClient(teamTable),
	}
	list := func(ctx context.Context, table, partition string) ([][]byte, error) {
		filter := "PartitionKey eq '" + escapeFilterValue(partition) + "'"
		pager := clients[table].NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
		var out [][]byte
		for pager.More() {
			resp, err := pager.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			out = append(out, resp.Entities...)
		}
		return out, nil
	}
	return &TableSnapshots{
		list:          list,
		tasksTable:    tasksTable,
		projectsTable: projectsTable,
		teamTable:     teamTable,
	}, nil
}

type taskEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Status      string `json:"Status"`
	Priority    string `json:"Priority"`
	StartDate   string `json:"StartDate"`
	DueDate     string `json:"DueDate"`
	AssigneeID  string `json:"AssigneeId"`
	ClientID    string `json:"ClientId"`
	// Comments holds a JSON array of domain.Comment.
	Comments string `json:"Comments"`
}

type projectEntity struct {
	aztables.Entity
	Name        string    `json:"Name"`
	Description string    `json:"Description"`
	CreatedAt   time.Time `json:"CreatedAt"`
}

type teamEntity struct {
	aztables.Entity
	Name  string `json:"Name"`
	Role  string `json:"Role"`
	Email string `json:"Email"`
	Phone string `json:"Phone"`
	Photo string `json:"Photo"`
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	task := domain.Task{
		ID:          ent.RowKey,
		ProjectID:   ent.PartitionKey,
		Title:       ent.Title,
		Description: ent.Description,
		Status:      ent.Status,
		Priority:    ent.Priority,
		StartDate:   ent.StartDate,
		DueDate:     ent.DueDate,
		AssigneeID:  ent.AssigneeID,
		ClientID:    ent.ClientID,
	}
	if ent.Comments != "" {
		if err := sonic.UnmarshalString(ent.Comments, &task.Comments); err != nil {
			return domain.Task{}, err
		}
	}
	return task, nil
}

// FetchTasks returns every task of a project.
func (s *TableSnapshots) FetchTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	raw, err := s.list(ctx, s.tasksTable, projectID)
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(raw))
	for _, e := range raw {
		task, err := decodeTaskEntity(e)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// FetchProjects returns every project of a workspace.
func (s *TableSnapshots) FetchProjects(ctx context.Context, workspaceID string) ([]domain.Project, error) {
	raw, err := s.list(ctx, s.projectsTable, workspaceID)
	if err != nil {
		return nil, err
	}
	projects := make([]domain.Project, 0, len(raw))
	for _, e := range raw {
		var ent projectEntity
		if err := sonic.Unmarshal(e, &ent); err != nil {
			return nil, err
		}
		projects = append(projects, domain.Project{
			ID:          ent.RowKey,
			WorkspaceID: ent.PartitionKey,
			Name:        ent.Name,
			Description: ent.Description,
			CreatedAt:   ent.CreatedAt,
		})
	}
	return projects, nil
}

// FetchTeam returns every team member of a workspace.
func (s *TableSnapshots) FetchTeam(ctx context.Context, workspaceID string) ([]domain.TeamMember, error) {
	raw, err := s.list(ctx, s.teamTable, workspaceID)
	if err != nil {
		return nil, err
	}
	team := make([]domain.TeamMember, 0, len(raw))
	for _, e := range raw {
		var ent teamEntity
		if err := sonic.Unmarshal(e, &ent); err != nil {
			return nil, err
		}
		team = append(team, domain.TeamMember{
			ID:          ent.RowKey,
			WorkspaceID: ent.PartitionKey,
			Name:        ent.Name,
			Role:        ent.Role,
			Email:       ent.Email,
			Phone:       ent.Phone,
			Photo:       ent.Photo,
		})
	}
	return team, nil
}

func escapeFilterValue(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}
