package walle

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

var (
	columnRuntimeConfigPaused            = "paused"
	columnRuntimeConfigNextBucket        = "next_bucket"
	columnRuntimeConfigLastTickAt        = "last_tick_at"
	columnRuntimeConfigLogLevel          = "log_level"
	columnRuntimeConfigDatabaseLogLevel  = "database_log_level"
	columnRuntimeConfigDiscordLogLevel   = "discord_log_level"
	columnRuntimeConfigDiscordGoLogLevel = "discordgo_log_level"
	columnRuntimeConfigAPILogLevel       = "api_log_level"
)

// RuntimeConfig is the persisted 'live' state of the bot: settings that
// can be changed while running and must survive a restart, including
// the reconciliation scheduler's bucket pointer.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused stops the reconciliation scheduler without stopping the bot.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// NextBucket is the bucket the scheduler processes on its next tick.
	NextBucket int `json:"next_bucket" gorm:"not null;default:0;check:next_bucket >= 0"`

	// LastTickAt is the unix milli time the last bucket finished.
	LastTickAt int64 `json:"last_tick_at" gorm:"not null;default:0"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord REST operations.
	DiscordLogLevel DBLogLevel `gorm:"default:WARN;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:WARN;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		LogLevel:          DBLogLevelInfo,
		DatabaseLogLevel:  DBLogLevelInfo,
		DiscordLogLevel:   DBLogLevelWarn,
		DiscordGoLogLevel: DBLogLevelWarn,
		APILogLevel:       DBLogLevelInfo,
	}
}

//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused     *bool `json:"paused,omitempty"`
	NextBucket *int  `json:"next_bucket,omitempty" binding:"omitnil,min=0"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

// columns maps each non-nil field to its column.
func (u RuntimeConfigUpdate) columns() map[string]any {
	rv := map[string]any{}
	fields := []struct {
		column string
		value  any
	}{
		{columnRuntimeConfigPaused, u.Paused},
		{columnRuntimeConfigNextBucket, u.NextBucket},
		{columnRuntimeConfigLogLevel, u.LogLevel},
		{columnRuntimeConfigDatabaseLogLevel, u.DatabaseLogLevel},
		{columnRuntimeConfigDiscordLogLevel, u.DiscordLogLevel},
		{columnRuntimeConfigDiscordGoLogLevel, u.DiscordGoLogLevel},
		{columnRuntimeConfigAPILogLevel, u.APILogLevel},
	}
	for _, f := range fields {
		v := reflect.ValueOf(f.value)
		if v.IsNil() {
			continue
		}
		rv[f.column] = v.Elem().Interface()
	}
	return rv
}

func validateRuntimeConfigUpdate(field reflect.Value) any {
	if value, ok := field.Interface().(RuntimeConfigUpdate); ok {
		if value.NextBucket != nil && *value.NextBucket < 0 {
			return "next_bucket must be >= 0"
		}
	}
	return nil
}

// RuntimeConfigStore caches the RuntimeConfig row and writes changes
// back through DBI. It is the scheduler's SchedulerState.
type RuntimeConfigStore struct {
	db          DBI
	bucketCount int
	mu          sync.RWMutex
	config      RuntimeConfig
	loadedAt    time.Time
	logger      *slog.Logger

	// OnChange, if set, is called with the new config after every
	// successful write or reload.
	OnChange func(RuntimeConfig)
}

// NewRuntimeConfigStore loads the latest RuntimeConfig row, creating the
// default one if none exists.
func NewRuntimeConfigStore(
	ctx context.Context,
	db DBI,
	bucketCount int,
	logger *slog.Logger,
) (*RuntimeConfigStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RuntimeConfigStore{
		db:          db,
		bucketCount: bucketCount,
		logger:      logger.With(loggerNameKey, "runtime_config"),
	}
	if err := EnsureRuntimeConfig(ctx, db); err != nil {
		return nil, err
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureRuntimeConfig creates the default RuntimeConfig row if the table
// is empty.
func EnsureRuntimeConfig(ctx context.Context, db DBI) error {
	var existing RuntimeConfig
	err := db.DB().WithContext(ctx).Last(&existing).Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		cfg := DefaultRuntimeConfig()
		_, err = db.Create(ctx, &cfg)
		return err
	default:
		return err
	}
}

// Get returns a copy of the cached config.
func (s *RuntimeConfigStore) Get() RuntimeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Stale reports whether the cache is older than ttl. A ttl of 0 never
// goes stale.
func (s *RuntimeConfigStore) Stale(ttl time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ttl > 0 && time.Since(s.loadedAt) > ttl
}

// Reload refreshes the cache from the database.
func (s *RuntimeConfigStore) Reload(ctx context.Context) error {
	var cfg RuntimeConfig
	if err := s.db.DB().WithContext(ctx).Last(&cfg).Error; err != nil {
		return fmt.Errorf("error loading runtime config: %w", err)
	}
	s.mu.Lock()
	s.config = cfg
	s.loadedAt = time.Now()
	s.mu.Unlock()
	if s.OnChange != nil {
		s.OnChange(cfg)
	}
	return nil
}

// Update applies the non-nil fields of update and returns the new config.
func (s *RuntimeConfigStore) Update(ctx context.Context, update RuntimeConfigUpdate) (RuntimeConfig, error) {
	columns := update.columns()
	if len(columns) == 0 {
		return s.Get(), nil
	}
	if err := s.write(ctx, columns); err != nil {
		return s.Get(), err
	}
	s.logger.InfoContext(ctx, "runtime config updated", "columns", columns)
	return s.Get(), nil
}

func (s *RuntimeConfigStore) write(ctx context.Context, columns map[string]any) error {
	s.mu.RLock()
	id := s.config.ID
	s.mu.RUnlock()

	if _, err := s.db.Updates(ctx, &RuntimeConfig{ModelUintID: ModelUintID{ID: id}}, columns); err != nil {
		return err
	}
	return s.Reload(ctx)
}

func (s *RuntimeConfigStore) Paused() bool {
	return s.Get().Paused
}

func (s *RuntimeConfigStore) NextBucket(_ context.Context) (int, error) {
	next := s.Get().NextBucket
	if s.bucketCount > 0 {
		next %= s.bucketCount
	}
	return next, nil
}

func (s *RuntimeConfigStore) AdvanceBucket(ctx context.Context, next int, at time.Time) error {
	return s.write(
		ctx, map[string]any{
			columnRuntimeConfigNextBucket: next,
			columnRuntimeConfigLastTickAt: at.UnixMilli(),
		},
	)
}

// setRuntimeLevels applies the runtime config's log levels to cfg's
// level vars.
func setRuntimeLevels(cfg *Config, runtimeConfig RuntimeConfig) {
	set := func(v *slog.LevelVar, level DBLogLevel) {
		if v != nil && level != "" {
			v.Set(level.Level())
		}
	}
	set(cfg.LogLevel, runtimeConfig.LogLevel)
	set(cfg.DatabaseLogLevel, runtimeConfig.DatabaseLogLevel)
	if cfg.Discord != nil {
		set(cfg.Discord.LogLevel, runtimeConfig.DiscordLogLevel)
		set(cfg.Discord.DiscordGoLogLevel, runtimeConfig.DiscordGoLogLevel)
	}
	if cfg.API != nil {
		set(cfg.API.LogLevel, runtimeConfig.APILogLevel)
	}
}
