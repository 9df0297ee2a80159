package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the estimator binaries
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Snowflake SnowflakeConfig `yaml:"snowflake"`
	Export    ExportConfig    `yaml:"export"`
	Estimator EstimatorConfig `yaml:"estimator"`
	Reference ReferenceConfig `yaml:"reference"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
	MigrationsDir   string `yaml:"migrations_dir"`
}

// Lifetime returns the connection lifetime as a duration
func (c DatabaseConfig) Lifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Second
}

// RedisConfig holds the lock/checkpoint Redis settings. When URL is empty
// partition locks fall back to Postgres advisory locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SnowflakeConfig holds Snowflake warehouse settings for the event source
type SnowflakeConfig struct {
	Account     string `yaml:"account"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	Database    string `yaml:"database"`
	Schema      string `yaml:"schema"`
	Warehouse   string `yaml:"warehouse"`
	Role        string `yaml:"role"`
	EventsTable string `yaml:"events_table"`
}

// ExportConfig holds S3 export settings for completed runs
type ExportConfig struct {
	Enabled    bool   `yaml:"enabled"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	Prefix     string `yaml:"prefix"`
	AWSProfile string `yaml:"aws_profile"` // Empty string uses default credential chain
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	// DynamoDBTable enables the published-run index when set
	DynamoDBTable string `yaml:"dynamodb_table"`
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c ExportConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// EstimatorConfig holds the pipeline and algorithm parameters
type EstimatorConfig struct {
	EventSource       string  `yaml:"event_source"` // "postgres" or "snowflake"
	RelativeThreshold float64 `yaml:"relative_threshold"`
	AbsoluteThreshold float64 `yaml:"absolute_threshold"`
	MinCohortUsers    int     `yaml:"min_cohort_users"`
	WindowLagDays     int     `yaml:"window_lag_days"`
	WindowDays        int     `yaml:"window_days"`
	Workers           int     `yaml:"workers"`
	LockTTLSeconds    int     `yaml:"lock_ttl_seconds"`
	ShowProgress      bool    `yaml:"show_progress"`
}

// LockTTL returns the partition lock TTL as a duration
func (c EstimatorConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// ReferenceConfig lists the accepted dimension values. An empty list
// accepts any value for that dimension.
type ReferenceConfig struct {
	Countries     []string `yaml:"countries"`
	Stores        []string `yaml:"stores"`
	EconomicTiers []string `yaml:"economic_tiers"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is on (default true)
func (c LoggingConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Default returns a configuration with every default applied, for runs
// without a config file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.Database.MigrationsDir == "" {
		cfg.Database.MigrationsDir = "migrations"
	}
	if cfg.Snowflake.EventsTable == "" {
		cfg.Snowflake.EventsTable = "CONVERSION_EVENTS"
	}
	if cfg.Export.Prefix == "" {
		cfg.Export.Prefix = "cohort-estimator/runs"
	}
	if cfg.Export.S3Region == "" {
		cfg.Export.S3Region = "us-west-2"
	}
	// Estimator defaults
	if cfg.Estimator.EventSource == "" {
		cfg.Estimator.EventSource = "postgres"
	}
	if cfg.Estimator.RelativeThreshold == 0 {
		cfg.Estimator.RelativeThreshold = 0.175
	}
	if cfg.Estimator.AbsoluteThreshold == 0 {
		cfg.Estimator.AbsoluteThreshold = 5.00
	}
	if cfg.Estimator.MinCohortUsers == 0 {
		cfg.Estimator.MinCohortUsers = 12
	}
	if cfg.Estimator.WindowLagDays == 0 {
		cfg.Estimator.WindowLagDays = 8
	}
	if cfg.Estimator.WindowDays == 0 {
		cfg.Estimator.WindowDays = 45
	}
	if cfg.Estimator.Workers == 0 {
		cfg.Estimator.Workers = 4
	}
	if cfg.Estimator.LockTTLSeconds == 0 {
		cfg.Estimator.LockTTLSeconds = 300
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS. An empty
// path skips the file and starts from defaults.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("SNOWFLAKE_ACCOUNT"); v != "" {
		cfg.Snowflake.Account = v
	}
	if v := os.Getenv("SNOWFLAKE_USER"); v != "" {
		cfg.Snowflake.User = v
	}
	if v := os.Getenv("SNOWFLAKE_PASSWORD"); v != "" {
		cfg.Snowflake.Password = v
	}
	if v := os.Getenv("SNOWFLAKE_WAREHOUSE"); v != "" {
		cfg.Snowflake.Warehouse = v
	}
	if v := os.Getenv("SNOWFLAKE_DATABASE"); v != "" {
		cfg.Snowflake.Database = v
	}
	if v := os.Getenv("SNOWFLAKE_SCHEMA"); v != "" {
		cfg.Snowflake.Schema = v
	}
	if v := os.Getenv("EXPORT_S3_BUCKET"); v != "" {
		cfg.Export.S3Bucket = v
		cfg.Export.Enabled = true
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Export.S3Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Export.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Export.SecretKey = v
	}
	if v := os.Getenv("EXPORT_DYNAMODB_TABLE"); v != "" {
		cfg.Export.DynamoDBTable = v
	}
	if v := os.Getenv("ESTIMATOR_EVENT_SOURCE"); v != "" {
		cfg.Estimator.EventSource = strings.ToLower(v)
	}
	if v := os.Getenv("ESTIMATOR_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Estimator.Workers = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}
