package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	ClientID      string
	ClientSecret  string
	APSBaseURL    string
	AppID         string
	TwoLegScope   string
	ThreeLegScope string
	CallbackURL   string

	BucketKey            string
	BucketRegion         string
	IncludeShallowCopies bool
	DeepCopyMaxAttempts  int
	PollInterval         time.Duration
	PollMaxAttempts      int
	OutputSuffix         string
	ScratchDir           string
	DispatchConcurrency  int

	DatabaseDriver string
	DatabaseURL    string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisPrefix     string
	PendingQueue    string
	ProcessingQueue string
	ScheduledQueue  string
	FailedQueue     string
	WorkerCount     int
	MaxRetries      int
	StaleTaskAfter  time.Duration

	SendGridAPIKey string
	FromEmail      string
	ToEmails       []string

	ArchiveBucket       string
	ArchiveRegion       string
	ArchiveAccessKey    string
	ArchiveSecretKey    string
	ArchiveEndpoint     string
	ArchiveUsePathStyle bool

	LogLevel  string
	LogFormat string
}

// RegisterFlags declares every configuration flag on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config_file", "", "Configuration file (json, yaml or toml)")

	fs.String("client_id", "", "APS client id")
	fs.String("client_secret", "", "APS client secret")
	fs.String("aps_base_url", "https://developer.api.autodesk.com", "APS base URL")
	fs.String("app_id", "revit-to-ifc", "Application id used in the default bucket key")
	fs.String("two_leg_scope", "account:read data:read data:create data:write bucket:read bucket:create", "Scopes requested for the service credential")
	fs.String("three_leg_scope", "user:read data:read data:create", "Scopes requested for delegated credentials")
	fs.String("callback_url", "http://localhost:8080/api/aps/oauth/callback", "OAuth callback URL")

	fs.String("bucket_key", "", "Working storage bucket key")
	fs.String("bucket_region", "US", "Working storage bucket region")
	fs.Bool("include_shallow_copies", true, "Deep copy shallow-copy sources instead of failing them")
	fs.Int("deep_copy_max_attempts", 1, "Deep copy attempts per job (<=0 means unlimited)")
	fs.Duration("poll_interval", time.Minute, "Delay between manifest polls")
	fs.Int("poll_max_attempts", 0, "Manifest polls before giving up (0 means unlimited)")
	fs.String("output_suffix", "", "Suffix appended to converted file names")
	fs.String("scratch_dir", "tmp", "Local scratch directory for transfers")
	fs.Int("dispatch_concurrency", 4, "Files dispatched concurrently")

	fs.String("database_driver", "postgres", "Job store driver (postgres or sqlite)")
	fs.String("database_url", "", "Job store DSN; built from DB_* variables when empty")

	fs.String("redis_addr", "redis:6379", "Redis address")
	fs.String("redis_password", "", "Redis password")
	fs.Int("redis_db", 3, "Redis DB number")
	fs.String("redis_prefix", "", "Prefix applied to queue keys")
	fs.Int("workers", 5, "Number of background workers")
	fs.Int("max_retries", 3, "Retries for a failed background task")
	fs.Duration("stale_task_after", 30*time.Minute, "Age after which a task left in the processing list is recovered")

	fs.String("sendgrid_api_key", "", "SendGrid API key")
	fs.String("from_email", "", "Sender of completion emails")
	fs.String("to_email", "", "Comma separated recipients of completion emails")

	fs.String("archive_bucket", "", "S3 bucket mirroring converted files (disabled when empty)")
	fs.String("archive_region", "us-east-1", "S3 archive region")
	fs.String("archive_access_key", "", "S3 archive access key")
	fs.String("archive_secret_key", "", "S3 archive secret key")
	fs.String("archive_endpoint", "", "S3 archive endpoint override")
	fs.Bool("archive_use_path_style", false, "Use path-style S3 addressing")

	fs.String("log_level", "info", "Log level")
	fs.String("log_format", "text", "Log format (text or json)")
}

// Load resolves configuration from flags, environment and an optional file.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	bindEnv(v)

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not load config file: %w", err)
		}
	}

	cfg := build(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("config_file", "IFC_CONFIG_FILE")
	_ = v.BindEnv("client_id", "APS_CLIENT_ID", "CLIENT_ID")
	_ = v.BindEnv("client_secret", "APS_CLIENT_SECRET", "CLIENT_SECRET")
	_ = v.BindEnv("aps_base_url", "APS_BASE_URL")
	_ = v.BindEnv("bucket_key", "BUCKET_KEY")
	_ = v.BindEnv("include_shallow_copies", "INCLUDE_SHALLOW_COPIES")
	_ = v.BindEnv("redis_addr", "REDIS_ADDR")
	_ = v.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis_db", "REDIS_CONVERSION_DB")
	_ = v.BindEnv("redis_prefix", "REDIS_PREFIX")
	_ = v.BindEnv("workers", "CONVERSION_WORKER_COUNT")
	_ = v.BindEnv("max_retries", "CONVERSION_MAX_RETRIES")
	_ = v.BindEnv("sendgrid_api_key", "SENDGRID_API_KEY")
	_ = v.BindEnv("archive_bucket", "ARCHIVE_BUCKET")
	_ = v.BindEnv("archive_region", "S3_REGION", "AWS_DEFAULT_REGION")
	_ = v.BindEnv("archive_access_key", "S3_KEY", "AWS_ACCESS_KEY_ID")
	_ = v.BindEnv("archive_secret_key", "S3_SECRET", "AWS_SECRET_ACCESS_KEY")
	_ = v.BindEnv("archive_endpoint", "S3_ENDPOINT")
	_ = v.BindEnv("archive_use_path_style", "S3_USE_PATH_STYLE_ENDPOINT")
}

func build(v *viper.Viper) *Config {
	redisPrefix := v.GetString("redis_prefix")
	driver := strings.ToLower(v.GetString("database_driver"))

	cfg := &Config{
		ClientID:      v.GetString("client_id"),
		ClientSecret:  v.GetString("client_secret"),
		APSBaseURL:    strings.TrimRight(v.GetString("aps_base_url"), "/"),
		AppID:         v.GetString("app_id"),
		TwoLegScope:   v.GetString("two_leg_scope"),
		ThreeLegScope: v.GetString("three_leg_scope"),
		CallbackURL:   v.GetString("callback_url"),

		BucketKey:            v.GetString("bucket_key"),
		BucketRegion:         v.GetString("bucket_region"),
		IncludeShallowCopies: v.GetBool("include_shallow_copies"),
		DeepCopyMaxAttempts:  v.GetInt("deep_copy_max_attempts"),
		PollInterval:         v.GetDuration("poll_interval"),
		PollMaxAttempts:      v.GetInt("poll_max_attempts"),
		OutputSuffix:         v.GetString("output_suffix"),
		ScratchDir:           v.GetString("scratch_dir"),
		DispatchConcurrency:  v.GetInt("dispatch_concurrency"),

		DatabaseDriver: driver,
		DatabaseURL:    v.GetString("database_url"),

		RedisAddr:       v.GetString("redis_addr"),
		RedisPassword:   v.GetString("redis_password"),
		RedisDB:         v.GetInt("redis_db"),
		RedisPrefix:     redisPrefix,
		PendingQueue:    applyPrefix(getEnv("CONVERSION_PENDING_QUEUE", "conversion:pending"), redisPrefix),
		ProcessingQueue: applyPrefix(getEnv("CONVERSION_PROCESSING_QUEUE", "conversion:processing"), redisPrefix),
		ScheduledQueue:  applyPrefix(getEnv("CONVERSION_SCHEDULED_QUEUE", "conversion:scheduled"), redisPrefix),
		FailedQueue:     applyPrefix(getEnv("CONVERSION_FAILED_QUEUE", "conversion:failed"), redisPrefix),
		WorkerCount:     v.GetInt("workers"),
		MaxRetries:      v.GetInt("max_retries"),
		StaleTaskAfter:  v.GetDuration("stale_task_after"),

		SendGridAPIKey: v.GetString("sendgrid_api_key"),
		FromEmail:      v.GetString("from_email"),
		ToEmails:       splitList(v.GetString("to_email")),

		ArchiveBucket:       v.GetString("archive_bucket"),
		ArchiveRegion:       v.GetString("archive_region"),
		ArchiveAccessKey:    v.GetString("archive_access_key"),
		ArchiveSecretKey:    v.GetString("archive_secret_key"),
		ArchiveEndpoint:     v.GetString("archive_endpoint"),
		ArchiveUsePathStyle: v.GetBool("archive_use_path_style"),

		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),
	}

	if cfg.BucketKey == "" {
		cfg.BucketKey = DefaultBucketKey(cfg.AppID, cfg.ClientID)
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL(driver)
	}
	return cfg
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return errors.New("missing required settings client_id or client_secret")
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.DatabaseDriver)
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.RedisAddr == "" {
		return errors.New("redis address is required")
	}
	return nil
}

// EmailEnabled reports whether completion emails can be sent.
func (c *Config) EmailEnabled() bool {
	return c.SendGridAPIKey != "" && c.FromEmail != "" && len(c.ToEmails) > 0
}

// DefaultBucketKey derives the working bucket name: lower case, at most 35 characters.
func DefaultBucketKey(appID, clientID string) string {
	key := strings.ToLower(fmt.Sprintf("%s-%s", appID, clientID))
	if len(key) > 35 {
		key = key[:35]
	}
	return key
}

func defaultDatabaseURL(driver string) string {
	if driver == "sqlite" {
		return getEnv("DB_PATH", "file:ifcscheduler.db?_pragma=busy_timeout(5000)")
	}

	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "ifcscheduler")
	dbUser := getEnv("DB_USERNAME", "ifcscheduler")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	// lib/pq "key=value" connection strings avoid URI escaping issues for
	// special characters in passwords.
	dbURL := fmt.Sprintf("host=%s port=%s dbname=%s user=%s sslmode=%s", dbHost, dbPort, dbName, dbUser, dbSSLMode)
	if dbPassword != "" {
		dbURL += fmt.Sprintf(" password=%s", dbPassword)
	}
	if cert := getEnv("DB_SSLCERT", ""); cert != "" {
		dbURL += fmt.Sprintf(" sslcert=%s", cert)
	}
	if key := getEnv("DB_SSLKEY", ""); key != "" {
		dbURL += fmt.Sprintf(" sslkey=%s", key)
	}
	if root := getEnv("DB_SSLROOTCERT", ""); root != "" {
		dbURL += fmt.Sprintf(" sslrootcert=%s", root)
	}
	return dbURL
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
