package config

import "time"

// ServerConfig holds runtime configuration for the Mist server.
type ServerConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	DockerHost         string
	WorkspaceRoot      string
	BuildLogRoot       string
	StreamQueueSize    int
	StreamTeardown     time.Duration
	ReconcileInterval  time.Duration
	DeploymentTimeout  time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("MIST_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://mist:mist@db:5432/mist?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		DockerHost:         GetString("DOCKER_HOST_OVERRIDE", ""),
		WorkspaceRoot:      GetString("MIST_WORKSPACE_ROOT", "/var/lib/mist/workspaces"),
		BuildLogRoot:       GetString("MIST_BUILD_LOG_ROOT", "/var/lib/mist/logs"),
		StreamQueueSize:    GetInt("STREAM_QUEUE_SIZE", 256),
		StreamTeardown:     GetSeconds("STREAM_TEARDOWN_SECONDS", 10*time.Second),
		ReconcileInterval:  GetSeconds("RECONCILE_INTERVAL_SECONDS", 30*time.Second),
		DeploymentTimeout:  GetSeconds("DEPLOYMENT_TIMEOUT_SECONDS", 30*time.Minute),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
