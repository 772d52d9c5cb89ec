package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/asepindrak/commitflow/domain"
)

type snapshotBackend interface {
	FetchTasks(ctx context.Context, projectID string) ([]domain.Task, error)
	FetchProjects(ctx context.Context, workspaceID string) ([]domain.Project, error)
	FetchTeam(ctx context.Context, workspaceID string) ([]domain.TeamMember, error)
}

const snapshotKeyPrefix = "snapshot:"

// SnapshotCache wraps a snapshot source with a Redis read-through cache.
// Invalidate evicts the cached scopes so the next read goes to the source.
type SnapshotCache struct {
	base   snapshotBackend
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewSnapshotCache creates a caching wrapper using the provided Redis client and TTL.
func NewSnapshotCache(base snapshotBackend, client *redis.Client, ttl time.Duration, logger *log.Logger) *SnapshotCache {
	if base == nil {
		panic("storage.NewSnapshotCache: base source is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &SnapshotCache{base: base, redis: client, ttl: ttl, logger: logger}
}

func (c *SnapshotCache) FetchTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	key := cacheKey(domain.ResourceTasks, projectID)
	var tasks []domain.Task
	if c.load(ctx, key, &tasks) {
		return tasks, nil
	}
	tasks, err := c.base.FetchTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, tasks)
	return tasks, nil
}

func (c *SnapshotCache) FetchProjects(ctx context.Context, workspaceID string) ([]domain.Project, error) {
	key := cacheKey(domain.ResourceProjects, workspaceID)
	var projects []domain.Project
	if c.load(ctx, key, &projects) {
		return projects, nil
	}
	projects, err := c.base.FetchProjects(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, projects)
	return projects, nil
}

func (c *SnapshotCache) FetchTeam(ctx context.Context, workspaceID string) ([]domain.TeamMember, error) {
	key := cacheKey(domain.ResourceTeam, workspaceID)
	var team []domain.TeamMember
	if c.load(ctx, key, &team) {
		return team, nil
	}
	team, err := c.base.FetchTeam(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, team)
	return team, nil
}

// Invalidate evicts every cached snapshot covered by scopes. A scope without
// an id evicts all snapshots of its resource.
func (c *SnapshotCache) Invalidate(ctx context.Context, scopes []domain.Scope) error {
	if c.redis == nil {
		return nil
	}
	var errs []error
	for _, s := range scopes {
		if !s.All() {
			if err := c.redis.Del(ctx, cacheKey(s.Resource, s.ID)).Err(); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := c.evictPattern(ctx, snapshotKeyPrefix+string(s.Resource)+":*"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *SnapshotCache) evictPattern(ctx context.Context, pattern string) error {
	iter := c.redis.Scan(ctx, 0, pattern, 100).Iterator()
	keys := make([]string, 0, 16)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...).Err()
}

func (c *SnapshotCache) load(ctx context.Context, key string, out any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the source without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("snapshot cache entry corrupt")
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *SnapshotCache) store(ctx context.Context, key string, v any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func cacheKey(r domain.Resource, scopeID string) string {
	return snapshotKeyPrefix + string(r) + ":" + scopeID
}
