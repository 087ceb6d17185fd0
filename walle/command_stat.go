package walle

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"log/slog"
	"slices"
	"strings"
	"time"
)

const (
	defaultCommandStatChannel = "NA"

	// maxCommandStatAttempts bounds how far an epoch collision is bumped
	maxCommandStatAttempts = 1000
)

var (
	columnCommandStatEpochTime         = "epoch_time"
	columnCommandStatYear              = "year"
	columnCommandStatMonth             = "month"
	columnCommandStatDay               = "day"
	columnCommandStatHour              = "hour"
	columnCommandStatChannelName       = "channel_name"
	columnCommandStatCommand           = "command"
	columnCommandStatInvokedWith       = "invoked_with"
	columnCommandStatInvokedSubcommand = "invoked_subcommand"

	ErrInvalidStatFilter = errors.New("invalid command stat filter")
)

// CommandStat records one bot command invocation. EpochTime (unix milli)
// doubles as the primary key; colliding invocations are shifted forward
// a millisecond at a time.
//
//nolint:lll // struct tags can't be split
type CommandStat struct {
	EpochTime         int64  `gorm:"primaryKey;autoIncrement:false" json:"epoch_time"`
	Year              int    `gorm:"not null" json:"year"`
	Month             int    `gorm:"not null" json:"month"`
	Day               int    `gorm:"not null" json:"day"`
	Hour              int    `gorm:"not null" json:"hour"`
	ChannelName       string `gorm:"size:2000;not null;default:NA" json:"channel_name"`
	Command           string `gorm:"size:2000;not null" json:"command" binding:"required"`
	InvokedWith       string `gorm:"size:2000;not null" json:"invoked_with" binding:"required"`
	InvokedSubcommand string `gorm:"size:2000" json:"invoked_subcommand,omitempty"`
}

func (CommandStat) TableName() string {
	return "command_stats"
}

func (c CommandStat) String() string {
	return fmt.Sprintf(
		"%d - %s as invoked with %s with subcommand %s and year %d, month %d and hour %d",
		c.EpochTime, c.Command, c.InvokedWith, c.InvokedSubcommand, c.Year, c.Month, c.Hour,
	)
}

// CommandStatColumns returns the columns command stats can be grouped by.
func CommandStatColumns() []string {
	return []string{
		columnCommandStatYear,
		columnCommandStatMonth,
		columnCommandStatDay,
		columnCommandStatHour,
		columnCommandStatChannelName,
		columnCommandStatCommand,
		columnCommandStatInvokedWith,
		columnCommandStatInvokedSubcommand,
	}
}

// NewCommandStat builds a CommandStat for an invocation at the given
// time, with the calendar fields computed in loc.
func NewCommandStat(
	at time.Time,
	loc *time.Location,
	channelName string,
	command string,
	invokedWith string,
	invokedSubcommand string,
) CommandStat {
	if loc == nil {
		loc = time.UTC
	}
	local := at.In(loc)
	if channelName == "" {
		channelName = defaultCommandStatChannel
	}
	return CommandStat{
		EpochTime:         at.UnixMilli(),
		Year:              local.Year(),
		Month:             int(local.Month()),
		Day:               local.Day(),
		Hour:              local.Hour(),
		ChannelName:       channelName,
		Command:           command,
		InvokedWith:       invokedWith,
		InvokedSubcommand: invokedSubcommand,
	}
}

// CommandStats stores and aggregates command usage.
type CommandStats struct {
	db       DBI
	location *time.Location
	logger   *slog.Logger
}

func NewCommandStats(db DBI, location *time.Location, logger *slog.Logger) *CommandStats {
	if logger == nil {
		logger = slog.Default()
	}
	if location == nil {
		location = time.UTC
	}
	return &CommandStats{db: db, location: location, logger: logger.With(loggerNameKey, "command_stats")}
}

// Location returns the zone calendar fields are computed in.
func (s *CommandStats) Location() *time.Location {
	return s.location
}

// isDuplicateKey reports whether err is a primary key/unique violation.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// Record saves stat, moving EpochTime forward while it collides with an
// existing row.
func (s *CommandStats) Record(ctx context.Context, stat *CommandStat) error {
	if stat.ChannelName == "" {
		stat.ChannelName = defaultCommandStatChannel
	}
	for attempt := 0; attempt < maxCommandStatAttempts; attempt++ {
		_, err := s.db.Create(ctx, stat)
		if err == nil {
			return nil
		}
		if !isDuplicateKey(err) {
			return err
		}
		stat.EpochTime++
	}
	return fmt.Errorf(
		"unable to record command stat after %d attempts: %s",
		maxCommandStatAttempts,
		stat,
	)
}

// All returns every command stat, oldest first.
func (s *CommandStats) All(ctx context.Context) ([]CommandStat, error) {
	var stats []CommandStat
	err := s.db.DB().WithContext(ctx).Order(columnCommandStatEpochTime).Find(&stats).Error
	return stats, err
}

// Counts groups command stats by the given columns, returning counts
// keyed by the column values joined with "-". With no filters, the total
// is returned under the empty key.
func (s *CommandStats) Counts(ctx context.Context, filters ...string) (map[string]int, error) {
	allowed := CommandStatColumns()
	for _, f := range filters {
		if !slices.Contains(allowed, f) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatFilter, f)
		}
	}

	db := s.db.DB().WithContext(ctx).Model(&CommandStat{})
	if len(filters) == 0 {
		var total int64
		if err := db.Count(&total).Error; err != nil {
			return nil, err
		}
		return map[string]int{"": int(total)}, nil
	}

	var rows []map[string]any
	err := db.Select(strings.Join(filters, ", ") + ", count(*) AS stat_count").
		Group(strings.Join(filters, ", ")).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	rv := make(map[string]int, len(rows))
	for _, row := range rows {
		parts := make([]string, len(filters))
		for i, f := range filters {
			parts[i] = statValueString(row[f])
		}
		rv[strings.Join(parts, "-")] += statCount(row["stat_count"])
	}
	return rv, nil
}

func statValueString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

func statCount(v any) int {
	switch val := v.(type) {
	case int64:
		return int(val)
	case int32:
		return int(val)
	case int:
		return val
	default:
		var n int
		_, _ = fmt.Sscan(statValueString(v), &n)
		return n
	}
}
