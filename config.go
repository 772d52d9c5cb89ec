package main

import (
	"crypto/tls"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type config struct {
	interval    time.Duration
	maxPerCycle int
	retryLimit  int

	queueBackend string
	queueDir     string
	queueDSN     string

	redisConn     string
	cacheTTL      time.Duration
	deduperTTL    time.Duration
	updatesChan   string
	storageConn   string
	tasksTable    string
	projectsTable string
	teamTable     string
	commandQueue  string

	userID      string
	workspaceID string
	projectID   string
	listenAddr  string
	provision   bool
	debug       bool
}

func loadConfig() config {
	return config{
		interval:      envDur("SYNC_INTERVAL", 7*time.Second),
		maxPerCycle:   envInt("SYNC_MAX_PER_CYCLE", 6),
		retryLimit:    envInt("SYNC_RETRY_LIMIT", 4),
		queueBackend:  strings.ToLower(envString("QUEUE_BACKEND", "redis")),
		queueDir:      envString("QUEUE_DIR", ""),
		queueDSN:      envString("QUEUE_DSN", ""),
		redisConn:     envString("REDIS_CONNECTION_STRING", ""),
		cacheTTL:      envDur("SNAPSHOT_CACHE_TTL", 5*time.Minute),
		deduperTTL:    envDur("DEDUPER_TTL", 24*time.Hour),
		updatesChan:   envString("UPDATES_CHANNEL", ""),
		storageConn:   envString("STORAGE_CONNECTION_STRING", ""),
		tasksTable:    envString("TASKS_TABLE", ""),
		projectsTable: envString("PROJECTS_TABLE", ""),
		teamTable:     envString("TEAM_TABLE", ""),
		commandQueue:  envString("COMMAND_QUEUE", ""),
		userID:        envString("SYNC_USER_ID", ""),
		workspaceID:   envString("WORKSPACE_ID", ""),
		projectID:     envString("PROJECT_ID", ""),
		listenAddr:    ":" + envString("LISTEN_PORT", "8080"),
		provision:     envBool("STORAGE_PROVISION", false),
		debug:         envBool("DEBUG", false),
	}
}

func envString(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Fatalf("invalid %s: must be a positive integer", name)
	}
	return n
}

func envDur(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %v", name, err)
	}
	return d
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid %s: %v", name, err)
	}
	return b
}

// parseRedisOptions accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func parseRedisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
