package config

import "time"

// ServerConfig holds runtime configuration for the orchestrator daemon.
type ServerConfig struct {
	Environment   string
	Addr          string
	LogLevel      string
	DatabaseURL   string
	MigrationsDir string
	APIKey        string

	MaxConcurrentJobs int
	PollInterval      time.Duration
	JobWorkdirRoot    string
	RunnerBackend     string

	DockerHost string

	PoolEnabled         bool
	PoolMinIdle         int
	PoolMaxIdle         int
	PoolMaxTotal        int
	PoolMaxIdleTime     time.Duration
	PoolHealthInterval  time.Duration
	HypervisorSocket    string
	VMKernelImage       string
	VMRootfsImage       string
	VMCPUs              int
	VMMemoryMB          int
	VMSSHUser           string
	VMSSHKeyPath        string
	NATInterface        string
	NetworkSubnetBase   string
	ObserverBufferSize  int
	WebhookSecret       string
	RateLimitRedisAddr  string
	RateLimitRedisPass  string
	RateLimitRedisDB    int
	StreamTokenTTL      time.Duration
	ShutdownGracePeriod time.Duration
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("ZEPHYR_ADDR", ":8080"),
		LogLevel:      GetString("ZEPHYR_LOG_LEVEL", "info"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://zephyr:zephyr@db:5432/zephyr?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		APIKey:        GetString("ZEPHYR_API_KEY", ""),

		MaxConcurrentJobs: GetInt("MAX_CONCURRENT_JOBS", 4),
		PollInterval:      GetDuration("SCHEDULER_POLL_SECONDS", 3*time.Second),
		JobWorkdirRoot:    GetString("JOB_WORKDIR_ROOT", "/tmp/zephyr"),
		RunnerBackend:     GetString("RUNNER_BACKEND", "local"),

		DockerHost: GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),

		PoolEnabled:         GetBool("VM_POOL_ENABLED", false),
		PoolMinIdle:         GetInt("VM_POOL_MIN_IDLE", 2),
		PoolMaxIdle:         GetInt("VM_POOL_MAX_IDLE", 4),
		PoolMaxTotal:        GetInt("VM_POOL_MAX_TOTAL", 8),
		PoolMaxIdleTime:     GetDuration("VM_POOL_MAX_IDLE_SECONDS", 10*time.Minute),
		PoolHealthInterval:  GetDuration("VM_POOL_HEALTH_SECONDS", 30*time.Second),
		HypervisorSocket:    GetString("HYPERVISOR_SOCKET", "/run/zephyr/hypervisor.sock"),
		VMKernelImage:       GetString("VM_KERNEL_IMAGE", "/var/lib/zephyr/vmlinux"),
		VMRootfsImage:       GetString("VM_ROOTFS_IMAGE", "/var/lib/zephyr/rootfs.ext4"),
		VMCPUs:              GetInt("VM_CPUS", 2),
		VMMemoryMB:          GetInt("VM_MEMORY_MB", 1024),
		VMSSHUser:           GetString("VM_SSH_USER", "runner"),
		VMSSHKeyPath:        GetString("VM_SSH_KEY_PATH", "/var/lib/zephyr/runner_ed25519"),
		NATInterface:        GetString("VM_NAT_INTERFACE", ""),
		NetworkSubnetBase:   GetString("VM_SUBNET_BASE", "172.30.0.0"),
		ObserverBufferSize:  GetInt("OBSERVER_BUFFER", 64),
		WebhookSecret:       GetString("WEBHOOK_SECRET", ""),
		RateLimitRedisAddr:  GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:  GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:    GetInt("RATE_LIMIT_REDIS_DB", 0),
		StreamTokenTTL:      GetDuration("STREAM_TOKEN_TTL_SECONDS", 15*time.Minute),
		ShutdownGracePeriod: GetDuration("SHUTDOWN_GRACE_SECONDS", 30*time.Second),
	}
}
