//nolint:lll // struct tags can't be split
package walle

import (
	"crypto/tls"
	"fmt"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"reflect"
	"time"
)

const (
	EnvvarSetEnvPrefix     = "WALLE_ENV_PREFIX"
	DefaultEnvPrefix       = "WALLE"
	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "walle.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second
	DefaultTimeZone        = "Canada/Pacific"

	DefaultXPCooldown = 60 * time.Second
	DefaultMinGrant   = 15
	DefaultMaxGrant   = 25
	DefaultMaxLevel   = 100

	DefaultBucketCount        = 100
	DefaultTickInterval       = 5 * time.Minute
	DefaultMemberTimeout      = 30 * time.Second
	DefaultMaxAttempts        = 5
	DefaultConcurrency        = 1
	DefaultQueueBatchSize     = 50
	DefaultDirectoryRateLimit = 0
	DefaultAvatarFetchTimeout = 15 * time.Second

	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPITLSMinVersion  = tls.VersionTLS12
	DefaultAPIActivityRate   = 50
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultRuntimeConfigTTL = 5 * time.Minute
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Leveling configures XP grants and level-up behavior
	Leveling *LevelingConfig `yaml:"leveling" mapstructure:"leveling" json:"leveling"`

	// Reconciler configures the profile reconciliation scheduler
	Reconciler *ReconcilerConfig `yaml:"reconciler" mapstructure:"reconciler" json:"reconciler"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures the Discord REST client used for member lookups,
	// avatar mirroring and level role grants
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, in-flight reconciliation is abandoned and the API server is
	// closed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL sets the time-to-live for the RuntimeConfig cache.
	// If this TTL is set above 0, the config will be refreshed from the
	// database at least every TTL duration. If using PostgreSQL, LISTEN/NOTIFY
	// will be used to announce updates in addition to this.
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	// TimeZone is the IANA zone used when computing calendar fields for
	// command usage statistics.
	TimeZone string `yaml:"time_zone" mapstructure:"time_zone" json:"time_zone" binding:"timezone"`

	HTTPClient *http.Client `log:"[redacted]"`

	location *time.Location
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Location returns the configured time zone, loading it on first use.
// An unknown zone falls back to UTC.
func (c *Config) Location() *time.Location {
	if c.location != nil {
		return c.location
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		slog.Default().Warn(
			"unknown time zone, using UTC",
			"time_zone", c.TimeZone,
		)
		loc = time.UTC
	}
	c.location = loc
	return loc
}

// LevelingConfig configures how activity is converted into XP.
type LevelingConfig struct {
	// Minimum time between two XP grants for the same member
	XPCooldown time.Duration `yaml:"xp_cooldown" mapstructure:"xp_cooldown" json:"xp_cooldown" binding:"min=0"`

	// Smallest XP amount awarded per grant (inclusive)
	MinGrant int `yaml:"min_grant" mapstructure:"min_grant" json:"min_grant" binding:"min=0"`

	// Largest XP amount awarded per grant (inclusive)
	MaxGrant int `yaml:"max_grant" mapstructure:"max_grant" json:"max_grant" binding:"gtefield=MinGrant"`

	// Highest level a member can reach
	MaxLevel int `yaml:"max_level" mapstructure:"max_level" json:"max_level" binding:"min=0,max=1000"`

	// When true, a single grant may cross several level thresholds.
	// Otherwise at most one level is gained per grant.
	CascadeLevelUps bool `yaml:"cascade_level_ups" mapstructure:"cascade_level_ups" json:"cascade_level_ups"`
}

// ReconcilerConfig configures the profile reconciliation scheduler.
type ReconcilerConfig struct {
	// Enabled starts the scheduler loop when the bot runs
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Number of buckets members are partitioned into
	BucketCount int `yaml:"bucket_count" mapstructure:"bucket_count" json:"bucket_count" binding:"min=1"`

	// One bucket is processed per tick
	TickInterval time.Duration `yaml:"tick_interval" mapstructure:"tick_interval" json:"tick_interval" binding:"min=1s"`

	// Upper bound for reconciling a single member, including directory
	// lookups and avatar mirroring
	MemberTimeout time.Duration `yaml:"member_timeout" mapstructure:"member_timeout" json:"member_timeout" binding:"min=1s"`

	// Members whose consecutive failed attempts reach this value are
	// skipped until their profile is marked dirty again
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" json:"max_attempts" binding:"min=1"`

	// Number of members reconciled concurrently within a tick
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency" json:"concurrency" binding:"min=1"`

	// Maximum number of queued (dirty) members drained per wake-up
	QueueBatchSize int `yaml:"queue_batch_size" mapstructure:"queue_batch_size" json:"queue_batch_size" binding:"min=1"`

	// Directory lookups per second. 0=unlimited
	DirectoryRequestsPerSecond float64 `yaml:"directory_requests_per_second" mapstructure:"directory_requests_per_second" json:"directory_requests_per_second" binding:"min=0"`
}

// RetryPolicy returns the reconciliation retry policy for this config.
func (c ReconcilerConfig) RetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: c.MaxAttempts}
}

func validateReconcilerConfig(field reflect.Value) any {
	if value, ok := field.Interface().(ReconcilerConfig); ok {
		if value.BucketCount < 1 {
			return "bucket_count must be >= 1"
		}
		if value.MaxAttempts < 1 {
			return "max_attempts must be >= 1"
		}
		if value.Concurrency < 1 {
			return "concurrency must be >= 1"
		}
		if value.DirectoryRequestsPerSecond < 0 {
			return "directory_requests_per_second must be >= 0"
		}
	}
	return nil
}

// DiscordConfig configures the Discord REST client.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// GuildID is the guild whose members are tracked
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required_with=Token"`

	// MirrorChannelID is the channel avatars are re-uploaded to, so
	// embeds keep working after a member changes or removes their avatar
	MirrorChannelID string `yaml:"mirror_channel_id" mapstructure:"mirror_channel_id" json:"mirror_channel_id"`

	// Maximum time to download a member's avatar before mirroring it
	AvatarFetchTimeout time.Duration `yaml:"avatar_fetch_timeout" mapstructure:"avatar_fetch_timeout" json:"avatar_fetch_timeout"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`
}

// Enabled reports whether enough is configured to talk to Discord.
func (c DiscordConfig) Enabled() bool {
	return c.Token != "" && c.GuildID != ""
}

// APIConfig configures the backend API server
type APIConfig struct {
	// Enabled starts the API server when the bot runs
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Bearer token required on /api routes. Empty disables authentication.
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS. TLS is enabled when both Cert and Key are set.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Activity requests accepted per second across all members. 0=unlimited
	ActivityRequestsPerSecond float64 `yaml:"activity_requests_per_second" mapstructure:"activity_requests_per_second" json:"activity_requests_per_second" binding:"min=0"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"required_if=Enabled true"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"required_if=Enabled true"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"required_if=Enabled true"`

	// Development enables gin debug mode and disables panic recovery
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

func (s SSLConfig) Enabled() bool {
	return s.Cert != "" && s.Key != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = nil
		cfg.AllowAllOrigins = !cfg.AllowCredentials
		if cfg.AllowCredentials {
			cfg.AllowOriginFunc = func(string) bool { return false }
		}
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		TimeZone:              DefaultTimeZone,
		Leveling: &LevelingConfig{
			XPCooldown: DefaultXPCooldown,
			MinGrant:   DefaultMinGrant,
			MaxGrant:   DefaultMaxGrant,
			MaxLevel:   DefaultMaxLevel,
		},
		Reconciler: &ReconcilerConfig{
			Enabled:                    true,
			BucketCount:                DefaultBucketCount,
			TickInterval:               DefaultTickInterval,
			MemberTimeout:              DefaultMemberTimeout,
			MaxAttempts:                DefaultMaxAttempts,
			Concurrency:                DefaultConcurrency,
			QueueBatchSize:             DefaultQueueBatchSize,
			DirectoryRequestsPerSecond: DefaultDirectoryRateLimit,
		},
		Discord: &DiscordConfig{
			AvatarFetchTimeout: DefaultAvatarFetchTimeout,
			LogLevel:           discordLogLevel,
			DiscordGoLogLevel:  discordgoLogLevel,
		},
		API: &APIConfig{
			Enabled:       true,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:                  apiLogLevel,
			ActivityRequestsPerSecond: DefaultAPIActivityRate,
			ReadHeaderTimeout:         DefaultReadHeaderTimeout,
			ReadTimeout:               DefaultReadTimeout,
			WriteTimeout:              DefaultWriteTimeout,
			IdleTimeout:               DefaultIdleTimeout,
			CORS:                      DefaultCORSConfig(),
		},
	}
}

// ValidateConfig checks the given Config against its `binding` rules.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	return structValidator.Struct(cfg)
}
