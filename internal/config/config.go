// Package config resolves daemon settings from command-line flags, falling
// back to STREAMDROP_* environment variables and an optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Cfomodz/RTMP-BASE/internal/eventlog"
	"github.com/Cfomodz/RTMP-BASE/internal/pipeline"
	"github.com/Cfomodz/RTMP-BASE/internal/profiler"
	"github.com/Cfomodz/RTMP-BASE/internal/registry"
	"github.com/Cfomodz/RTMP-BASE/internal/storage"
	"github.com/Cfomodz/RTMP-BASE/internal/supervisor"
)

// Event log backends.
const (
	EventsMemory   = "memory"
	EventsFile     = "file"
	EventsSQLite   = "sqlite"
	EventsPostgres = "postgres"
	EventsRedis    = "redis"
)

const (
	defaultAddr          = "127.0.0.1:8080"
	defaultRegistryJSON  = "data/registry.json"
	defaultRegistryDB    = "data/streams.db"
	defaultEventsDir     = "data/events"
	defaultEventsDB      = "data/events.db"
	defaultRedisPrefix   = "streamdrop:events:"
	defaultShutdown      = 30 * time.Second
	defaultNavigate      = 10 * time.Second
	defaultReconcile     = 10 * time.Second
	defaultRecoverFanout = 4
)

// EventsConfig selects the event log backend.
type EventsConfig struct {
	Driver   string
	Dir      string
	Path     string
	Postgres storage.PostgresConfig
	Redis    eventlog.RedisConfig
}

// Config is the resolved daemon configuration.
type Config struct {
	Addr            string
	TLSCert         string
	TLSKey          string
	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string

	Registry registry.Config
	Events   EventsConfig

	Supervisor supervisor.Config
	Pipeline   pipeline.Config

	ProcRoot   string
	Thresholds profiler.Thresholds

	NavigateTimeout   time.Duration
	ReconcileInterval time.Duration
	RecoverParallel   int
}

// LoadDotEnv loads the given files, or .env when none are named, into the
// process environment. Missing files are not an error; variables already set
// in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	existing := make([]string, 0, len(paths))
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat %s: %w", path, err)
		}
		existing = append(existing, path)
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load parses args and resolves every setting. Flags win over environment
// variables, which win over defaults.
func Load(args []string) (Config, error) {
	fset := flag.NewFlagSet("streamdrop", flag.ContinueOnError)
	fset.SetOutput(io.Discard)

	addr := fset.String("addr", "", "HTTP listen address of the control API")
	tlsCert := fset.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fset.String("tls-key", "", "path to TLS private key file")
	shutdownTimeout := fset.Duration("shutdown-timeout", 0, "bound on graceful shutdown")
	logLevel := fset.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fset.String("log-format", "", "log format (json or text)")

	registryDriver := fset.String("registry-driver", "", "registry driver (json, sqlite, postgres)")
	registryPath := fset.String("registry-path", "", "registry JSON document or SQLite file")
	postgresDSN := fset.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := fset.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := fset.Int("postgres-min-conns", 0, "minimum idle connections kept by the Postgres pool")
	postgresAcquireTimeout := fset.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection")

	eventsDriver := fset.String("events-driver", "", "event log backend (memory, file, sqlite, postgres, redis)")
	eventsDir := fset.String("events-dir", "", "directory of the file event log")
	eventsPath := fset.String("events-path", "", "SQLite file of the event log")
	redisAddr := fset.String("events-redis-addr", "", "Redis address for the event log")
	redisAddrs := fset.String("events-redis-addrs", "", "comma separated Redis addresses for the event log")
	redisPassword := fset.String("events-redis-password", "", "Redis password for the event log")
	redisPrefix := fset.String("events-redis-prefix", "", "key prefix of the event streams")

	startupTimeout := fset.Duration("startup-timeout", 0, "time a process gets to become ready")
	stopGrace := fset.Duration("stop-grace", 0, "grace period between SIGTERM and SIGKILL")
	healthInterval := fset.Duration("health-interval", 0, "interval between health checks")
	stabilityWindow := fset.Duration("stability-window", 0, "uptime after which the failure count resets")
	stallTimeout := fset.Duration("stall-timeout", 0, "encoder output silence that counts as a failure")
	backoffBase := fset.Duration("backoff-base", 0, "first restart delay")
	backoffCeiling := fset.Duration("backoff-ceiling", 0, "maximum restart delay")
	retryBudget := fset.Int("retry-budget", 0, "consecutive failures before a stream fails permanently")
	targetRetryBudget := fset.Int("target-retry-budget", 0, "relay restarts before a target is disabled")
	degradeThreshold := fset.Int("degrade-threshold", 0, "highest failure count at which a renderer failure still degrades (0 = until the retry budget)")
	loadCeiling := fset.Float64("load-ceiling", 0, "one-minute load per CPU above which a stream steps its quality down")
	loadSustain := fset.Duration("load-sustain", 0, "how long the load must stay above the ceiling before quality steps down")

	ffmpegPath := fset.String("ffmpeg", "", "ffmpeg executable")
	xvfbPath := fset.String("xvfb-run", "", "xvfb-run executable")
	browserPath := fset.String("browser", "", "browser executable")
	interpreterPath := fset.String("interpreter", "", "interpreter for program sources")
	profileRoot := fset.String("profile-root", "", "directory holding per-slot browser profiles")
	displayBase := fset.Int("display-base", 0, "X display number of the first slot")
	devtoolsBasePort := fset.Int("devtools-base-port", 0, "remote debugging port of the first slot")

	procRoot := fset.String("proc-root", "", "procfs mount point")
	minimalMB := fset.Int("tier-minimal-mb", 0, "available memory at or below which the minimal tier applies")
	constrainedMB := fset.Int("tier-constrained-mb", 0, "available memory at or below which the constrained tier applies")
	standardMB := fset.Int("tier-standard-mb", 0, "available memory at or below which the standard tier applies")

	navigateTimeout := fset.Duration("navigate-timeout", 0, "bound on an in-place content change")
	reconcileInterval := fset.Duration("reconcile-interval", 0, "interval between registry reconciliations")
	recoverParallel := fset.Int("recover-parallel", 0, "streams launched concurrently during startup recovery")

	if err := fset.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	cfg := Config{
		Addr:            firstNonEmpty(*addr, os.Getenv("STREAMDROP_ADDR"), defaultAddr),
		TLSCert:         firstNonEmpty(*tlsCert, os.Getenv("STREAMDROP_TLS_CERT")),
		TLSKey:          firstNonEmpty(*tlsKey, os.Getenv("STREAMDROP_TLS_KEY")),
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "STREAMDROP_SHUTDOWN_TIMEOUT", defaultShutdown),
		LogLevel:        firstNonEmpty(*logLevel, os.Getenv("STREAMDROP_LOG_LEVEL"), "info"),
		LogFormat:       firstNonEmpty(*logFormat, os.Getenv("STREAMDROP_LOG_FORMAT"), "json"),
	}

	dsn := resolvePostgresDSN(*postgresDSN)
	postgres := storage.PostgresConfig{
		DSN:            dsn,
		MaxConnections: int32(resolveInt(*postgresMaxConns, "STREAMDROP_POSTGRES_MAX_CONNS", 0)),
		MinConnections: int32(resolveInt(*postgresMinConns, "STREAMDROP_POSTGRES_MIN_CONNS", 0)),
		AcquireTimeout: resolveDuration(*postgresAcquireTimeout, "STREAMDROP_POSTGRES_ACQUIRE_TIMEOUT", 0),
	}

	driver := resolveRegistryDriver(*registryDriver, os.Getenv("STREAMDROP_REGISTRY_DRIVER"), dsn)
	cfg.Registry = registry.Config{
		Driver:   driver,
		Path:     firstNonEmpty(*registryPath, os.Getenv("STREAMDROP_REGISTRY_PATH"), defaultRegistryPath(driver)),
		Postgres: postgres,
	}

	redisCfg := eventlog.RedisConfig{
		Addr:      firstNonEmpty(*redisAddr, os.Getenv("STREAMDROP_EVENTS_REDIS_ADDR")),
		Addrs:     splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("STREAMDROP_EVENTS_REDIS_ADDRS"))),
		Password:  firstNonEmpty(*redisPassword, os.Getenv("STREAMDROP_EVENTS_REDIS_PASSWORD")),
		KeyPrefix: firstNonEmpty(*redisPrefix, os.Getenv("STREAMDROP_EVENTS_REDIS_PREFIX"), defaultRedisPrefix),
	}
	eventsBackend := resolveEventsDriver(*eventsDriver, os.Getenv("STREAMDROP_EVENTS_DRIVER"), driver, redisCfg)
	cfg.Events = EventsConfig{
		Driver:   eventsBackend,
		Dir:      firstNonEmpty(*eventsDir, os.Getenv("STREAMDROP_EVENTS_DIR"), defaultEventsDir),
		Path:     firstNonEmpty(*eventsPath, os.Getenv("STREAMDROP_EVENTS_PATH"), defaultEventsDB),
		Postgres: postgres,
		Redis:    redisCfg,
	}
	cfg.Events.Postgres.ApplicationName = "streamdrop-events"

	sup := supervisor.DefaultConfig()
	sup.StartupTimeout = resolveDuration(*startupTimeout, "STREAMDROP_STARTUP_TIMEOUT", sup.StartupTimeout)
	sup.StopGrace = resolveDuration(*stopGrace, "STREAMDROP_STOP_GRACE", sup.StopGrace)
	sup.HealthInterval = resolveDuration(*healthInterval, "STREAMDROP_HEALTH_INTERVAL", sup.HealthInterval)
	sup.StabilityWindow = resolveDuration(*stabilityWindow, "STREAMDROP_STABILITY_WINDOW", sup.StabilityWindow)
	sup.StallTimeout = resolveDuration(*stallTimeout, "STREAMDROP_STALL_TIMEOUT", sup.StallTimeout)
	sup.Backoff.Base = resolveDuration(*backoffBase, "STREAMDROP_BACKOFF_BASE", sup.Backoff.Base)
	sup.Backoff.Ceiling = resolveDuration(*backoffCeiling, "STREAMDROP_BACKOFF_CEILING", sup.Backoff.Ceiling)
	sup.RetryBudget = resolveInt(*retryBudget, "STREAMDROP_RETRY_BUDGET", sup.RetryBudget)
	sup.TargetRetryBudget = resolveInt(*targetRetryBudget, "STREAMDROP_TARGET_RETRY_BUDGET", sup.TargetRetryBudget)
	sup.DegradeThreshold = resolveInt(*degradeThreshold, "STREAMDROP_DEGRADE_THRESHOLD", sup.DegradeThreshold)
	sup.LoadCeiling = resolveFloat(*loadCeiling, "STREAMDROP_LOAD_CEILING", sup.LoadCeiling)
	sup.LoadSustain = resolveDuration(*loadSustain, "STREAMDROP_LOAD_SUSTAIN", sup.LoadSustain)
	cfg.Supervisor = sup

	pipe := pipeline.DefaultConfig()
	pipe.FFmpegPath = firstNonEmpty(*ffmpegPath, os.Getenv("STREAMDROP_FFMPEG"), pipe.FFmpegPath)
	pipe.XvfbRunPath = firstNonEmpty(*xvfbPath, os.Getenv("STREAMDROP_XVFB_RUN"), pipe.XvfbRunPath)
	pipe.BrowserPath = firstNonEmpty(*browserPath, os.Getenv("STREAMDROP_BROWSER"), pipe.BrowserPath)
	pipe.InterpreterPath = firstNonEmpty(*interpreterPath, os.Getenv("STREAMDROP_INTERPRETER"), pipe.InterpreterPath)
	pipe.ProfileRoot = firstNonEmpty(*profileRoot, os.Getenv("STREAMDROP_PROFILE_ROOT"), pipe.ProfileRoot)
	pipe.DisplayBase = resolveInt(*displayBase, "STREAMDROP_DISPLAY_BASE", pipe.DisplayBase)
	pipe.DevToolsBasePort = resolveInt(*devtoolsBasePort, "STREAMDROP_DEVTOOLS_BASE_PORT", pipe.DevToolsBasePort)
	cfg.Pipeline = pipe

	thresholds := profiler.DefaultThresholds()
	cfg.ProcRoot = firstNonEmpty(*procRoot, os.Getenv("STREAMDROP_PROC_ROOT"), "/proc")
	cfg.Thresholds = profiler.Thresholds{
		MinimalMB:     uint64(resolveInt(*minimalMB, "STREAMDROP_TIER_MINIMAL_MB", int(thresholds.MinimalMB))),
		ConstrainedMB: uint64(resolveInt(*constrainedMB, "STREAMDROP_TIER_CONSTRAINED_MB", int(thresholds.ConstrainedMB))),
		StandardMB:    uint64(resolveInt(*standardMB, "STREAMDROP_TIER_STANDARD_MB", int(thresholds.StandardMB))),
	}

	cfg.NavigateTimeout = resolveDuration(*navigateTimeout, "STREAMDROP_NAVIGATE_TIMEOUT", defaultNavigate)
	cfg.ReconcileInterval = resolveDuration(*reconcileInterval, "STREAMDROP_RECONCILE_INTERVAL", defaultReconcile)
	cfg.RecoverParallel = resolveInt(*recoverParallel, "STREAMDROP_RECOVER_PARALLEL", defaultRecoverFanout)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("both TLS cert file and key file must be provided")
	}
	switch c.Registry.Driver {
	case registry.DriverJSON, registry.DriverSQLite:
		if strings.TrimSpace(c.Registry.Path) == "" {
			return fmt.Errorf("registry driver %s requires a path", c.Registry.Driver)
		}
	case registry.DriverPostgres:
		if c.Registry.Postgres.DSN == "" {
			return errors.New("postgres registry selected without DSN")
		}
	default:
		return fmt.Errorf("unsupported registry driver %q", c.Registry.Driver)
	}
	switch c.Events.Driver {
	case EventsMemory:
	case EventsFile:
		if strings.TrimSpace(c.Events.Dir) == "" {
			return errors.New("file event log requires a directory")
		}
	case EventsSQLite:
		if strings.TrimSpace(c.Events.Path) == "" {
			return errors.New("sqlite event log requires a path")
		}
	case EventsPostgres:
		if c.Events.Postgres.DSN == "" {
			return errors.New("postgres event log selected without DSN")
		}
	case EventsRedis:
		if c.Events.Redis.Addr == "" && len(c.Events.Redis.Addrs) == 0 {
			return errors.New("redis event log selected without address")
		}
	default:
		return fmt.Errorf("unsupported event log driver %q", c.Events.Driver)
	}
	if c.Supervisor.RetryBudget < 1 {
		return fmt.Errorf("retry budget must be at least 1, got %d", c.Supervisor.RetryBudget)
	}
	if c.Supervisor.Backoff.Ceiling < c.Supervisor.Backoff.Base {
		return fmt.Errorf("backoff ceiling %s is below base %s", c.Supervisor.Backoff.Ceiling, c.Supervisor.Backoff.Base)
	}
	if port := c.Pipeline.DevToolsBasePort; port < 1024 || port > 65000 {
		return fmt.Errorf("devtools base port %d out of range", port)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if c.RecoverParallel < 1 {
		return fmt.Errorf("recover parallelism must be at least 1, got %d", c.RecoverParallel)
	}
	return nil
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, os.Getenv("STREAMDROP_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

// resolveRegistryDriver prefers an explicit choice and otherwise picks
// postgres when a DSN is configured.
func resolveRegistryDriver(flagValue, envValue, postgresDSN string) string {
	if driver := strings.ToLower(firstNonEmpty(flagValue, envValue)); driver != "" {
		return driver
	}
	if postgresDSN != "" {
		return registry.DriverPostgres
	}
	return registry.DriverJSON
}

func defaultRegistryPath(driver string) string {
	switch driver {
	case registry.DriverJSON:
		return defaultRegistryJSON
	case registry.DriverSQLite:
		return defaultRegistryDB
	default:
		return ""
	}
}

// resolveEventsDriver follows the registry backend unless told otherwise, so a
// single-database deployment keeps its history next to its definitions.
func resolveEventsDriver(flagValue, envValue, registryDriver string, redisCfg eventlog.RedisConfig) string {
	if driver := strings.ToLower(firstNonEmpty(flagValue, envValue)); driver != "" {
		return driver
	}
	if redisCfg.Addr != "" || len(redisCfg.Addrs) > 0 {
		return EventsRedis
	}
	switch registryDriver {
	case registry.DriverSQLite:
		return EventsSQLite
	case registry.DriverPostgres:
		return EventsPostgres
	default:
		return EventsFile
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string, fallback int) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}

func resolveFloat(flagValue float64, envKey string, fallback float64) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}
