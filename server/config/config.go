package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/san-kum/liftform/server/analyzer"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Analysis  analyzer.Config `json:"analysis"`
	ML        MLConfig        `json:"ml"`
	Security  SecurityConfig  `json:"security"`
	History   HistoryConfig   `json:"history"`
	Cache     CacheConfig     `json:"cache"`
	Logging   LoggingConfig   `json:"logging"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	Environment    string        `json:"environment"`
	SessionIdleTTL time.Duration `json:"session_idle_ttl"`
}

type MLConfig struct {
	Enabled             bool          `json:"enabled"`
	BaseURL             string        `json:"base_url"`
	Timeout             time.Duration `json:"timeout"`
	MinInterval         time.Duration `json:"min_interval"`
	MaxRetries          int           `json:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	BreakerFailures     uint32        `json:"breaker_failures"`
	BreakerTimeout      time.Duration `json:"breaker_timeout"`
}

type SecurityConfig struct {
	JWTSecretKey   string        `json:"-"`
	AllowedOrigins []string      `json:"allowed_origins"`
	RateLimitRPS   int           `json:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst"`
	MaxRequestSize int64         `json:"max_request_size"`
	RequestTimeout time.Duration `json:"request_timeout"`
	EnableHTTPS    bool          `json:"enable_https"`
	CertFile       string        `json:"cert_file"`
	KeyFile        string        `json:"key_file"`
}

// HistoryConfig selects where finished sessions are stored. An empty
// DatabaseURL keeps them in memory.
type HistoryConfig struct {
	DatabaseURL string `json:"-"`
	MaxConns    int32  `json:"max_connections"`
	MinConns    int32  `json:"min_connections"`
	ListLimit   int    `json:"list_limit"`
}

type CacheConfig struct {
	AnnotationTTL time.Duration `json:"annotation_ttl"`
	MaxSize       int           `json:"max_size"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type TelemetryConfig struct {
	TracingEnabled bool   `json:"tracing_enabled"`
	ServiceName    string `json:"service_name"`
}

// LoadConfig reads the configuration from the environment. Values from a .env
// file in the working directory are loaded first and never override variables
// that are already set.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	def := analyzer.DefaultConfig()

	config := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:    getEnv("ENVIRONMENT", "development"),
			SessionIdleTTL: getEnvAsDuration("SESSION_IDLE_TTL", 30*time.Minute),
		},
		Analysis: loadAnalysis(def),
		ML: MLConfig{
			Enabled:             getEnvAsBool("ML_ENABLED", true),
			BaseURL:             getEnv("ML_BASE_URL", "http://localhost:5000"),
			Timeout:             getEnvAsDuration("ML_TIMEOUT", 2*time.Second),
			MinInterval:         getEnvAsDuration("ML_MIN_INTERVAL", 100*time.Millisecond),
			MaxRetries:          getEnvAsInt("ML_MAX_RETRIES", 0),
			RetryDelay:          getEnvAsDuration("ML_RETRY_DELAY", 50*time.Millisecond),
			HealthCheckInterval: getEnvAsDuration("ML_HEALTH_CHECK_INTERVAL", 30*time.Second),
			BreakerFailures:     uint32(getEnvAsInt("ML_BREAKER_FAILURES", 5)),
			BreakerTimeout:      getEnvAsDuration("ML_BREAKER_TIMEOUT", 30*time.Second),
		},
		Security: SecurityConfig{
			JWTSecretKey:   getEnv("JWT_SECRET_KEY", ""),
			AllowedOrigins: getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"*"}),
			RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 100),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 200),
			MaxRequestSize: getEnvAsInt64("MAX_REQUEST_SIZE", 1024*1024),
			RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
			EnableHTTPS:    getEnvAsBool("ENABLE_HTTPS", false),
			CertFile:       getEnv("CERT_FILE", ""),
			KeyFile:        getEnv("KEY_FILE", ""),
		},
		History: HistoryConfig{
			DatabaseURL: getEnv("DATABASE_URL", ""),
			MaxConns:    int32(getEnvAsInt("DB_MAX_CONNS", 10)),
			MinConns:    int32(getEnvAsInt("DB_MIN_CONNS", 1)),
			ListLimit:   getEnvAsInt("HISTORY_LIST_LIMIT", 50),
		},
		Cache: CacheConfig{
			AnnotationTTL: getEnvAsDuration("ML_ANNOTATION_TTL", 2*time.Second),
			MaxSize:       getEnvAsInt("CACHE_MAX_SIZE", 1000),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Telemetry: TelemetryConfig{
			TracingEnabled: getEnvAsBool("TRACING_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "liftform"),
		},
	}

	return config, nil
}

func loadAnalysis(def analyzer.Config) analyzer.Config {
	cfg := def

	cfg.Framing.MinVisibility = getEnvAsFloat("FRAMING_MIN_VISIBILITY", def.Framing.MinVisibility)
	cfg.Framing.Margin = getEnvAsFloat("FRAMING_MARGIN", def.Framing.Margin)
	cfg.Framing.MinBodyHeight = getEnvAsFloat("FRAMING_MIN_BODY_HEIGHT", def.Framing.MinBodyHeight)
	cfg.Framing.MaxBodyHeight = getEnvAsFloat("FRAMING_MAX_BODY_HEIGHT", def.Framing.MaxBodyHeight)

	cfg.Spine.Alpha = getEnvAsFloat("SPINE_ALPHA", def.Spine.Alpha)
	cfg.Spine.Safe = getEnvAsFloat("SPINE_SAFE_ANGLE", def.Spine.Safe)
	cfg.Spine.Warning = getEnvAsFloat("SPINE_WARNING_ANGLE", def.Spine.Warning)
	cfg.Spine.Danger = getEnvAsFloat("SPINE_DANGER_ANGLE", def.Spine.Danger)
	cfg.Spine.Critical = getEnvAsFloat("SPINE_CRITICAL_ANGLE", def.Spine.Critical)
	cfg.Spine.DebounceFrames = getEnvAsInt("SPINE_DEBOUNCE_FRAMES", def.Spine.DebounceFrames)

	cfg.Reps.Alpha = getEnvAsFloat("REPS_ALPHA", def.Reps.Alpha)
	cfg.Reps.StandingAngle = getEnvAsFloat("REPS_STANDING_ANGLE", def.Reps.StandingAngle)
	cfg.Reps.BottomAngle = getEnvAsFloat("REPS_BOTTOM_ANGLE", def.Reps.BottomAngle)
	cfg.Reps.StableFrames = getEnvAsInt("REPS_STABLE_FRAMES", def.Reps.StableFrames)
	cfg.Reps.MinRepInterval = getEnvAsDuration("REPS_MIN_INTERVAL", def.Reps.MinRepInterval)
	cfg.Reps.SetIdleTimeout = getEnvAsDuration("REPS_SET_IDLE_TIMEOUT", def.Reps.SetIdleTimeout)

	cfg.Scoring.DepthAngle = getEnvAsFloat("SCORING_DEPTH_ANGLE", def.Scoring.DepthAngle)
	cfg.Scoring.FastRep = getEnvAsDuration("SCORING_FAST_REP", def.Scoring.FastRep)
	cfg.Scoring.ControlledRepMin = getEnvAsDuration("SCORING_CONTROLLED_MIN", def.Scoring.ControlledRepMin)
	cfg.Scoring.ControlledRepMax = getEnvAsDuration("SCORING_CONTROLLED_MAX", def.Scoring.ControlledRepMax)

	return cfg
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}

	if c.ML.Enabled && c.ML.BaseURL == "" {
		errs = append(errs, "ML base URL is required when ML is enabled")
	}

	if c.ML.MinInterval < 0 {
		errs = append(errs, "ML min interval must not be negative")
	}

	if c.Security.JWTSecretKey == "" {
		logger.Warn("JWT secret key not set, admin endpoints are disabled")
	}

	if c.Security.MaxRequestSize <= 0 {
		errs = append(errs, "max request size must be positive")
	}

	if c.History.DatabaseURL == "" {
		logger.Info("DATABASE_URL not set, training history is kept in memory")
	}

	if c.Cache.AnnotationTTL <= 0 {
		errs = append(errs, "annotation TTL must be positive")
	}

	a := c.Analysis
	if !(a.Spine.Safe < a.Spine.Warning && a.Spine.Warning < a.Spine.Danger && a.Spine.Danger < a.Spine.Critical) {
		errs = append(errs, "spine thresholds must increase from safe to critical")
	}

	if a.Reps.BottomAngle >= a.Reps.StandingAngle {
		errs = append(errs, "bottom angle must be below standing angle")
	}

	if a.Spine.Alpha <= 0 || a.Spine.Alpha > 1 || a.Reps.Alpha <= 0 || a.Reps.Alpha > 1 {
		errs = append(errs, "smoothing factors must be in (0, 1]")
	}

	if a.Spine.DebounceFrames < 1 || a.Reps.StableFrames < 1 {
		errs = append(errs, "debounce windows must be at least one frame")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, ", "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
