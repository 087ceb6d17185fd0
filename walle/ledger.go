package walle

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"math/rand/v2"
	"time"
)

var (
	ErrMemberNotFound = errors.New("member not found")
	ErrMemberExists   = errors.New("member already exists")
)

// LevelUpEvent is emitted when a grant moves a member to a new level.
// RoleID and RoleName are set when a role is bound to the new level.
type LevelUpEvent struct {
	MemberID string `json:"member_id"`
	Level    int    `json:"level"`
	Points   int64  `json:"points"`
	RoleID   string `json:"role_id,omitempty"`
	RoleName string `json:"role_name,omitempty"`
}

// LevelUpHandler receives level-up events after the grant that caused
// them has been persisted.
type LevelUpHandler interface {
	HandleLevelUp(ctx context.Context, event LevelUpEvent) error
}

// Ledger records XP grants and answers progression queries for guild
// members.
type Ledger struct {
	db     DBI
	levels *LevelStore
	config LevelingConfig
	logger *slog.Logger

	// Buckets assigns a reconciliation bucket to newly created members
	Buckets BucketAssigner

	// OnLevelUp, if set, is called for each level-up event
	OnLevelUp LevelUpHandler

	// randIntn returns a value in [0, n)
	randIntn func(n int) int
}

func NewLedger(
	db DBI,
	levels *LevelStore,
	config LevelingConfig,
	logger *slog.Logger,
) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		db:       db,
		levels:   levels,
		config:   config,
		logger:   logger.With(loggerNameKey, "ledger"),
		Buckets:  HashBuckets{Count: 1},
		randIntn: rand.IntN,
	}
}

// Levels returns the level table the ledger grants against.
func (l *Ledger) Levels() *LevelTable {
	return l.levels.Table()
}

// grantAmount draws a grant uniformly from [MinGrant, MaxGrant].
func (l *Ledger) grantAmount() int64 {
	spread := l.config.MaxGrant - l.config.MinGrant + 1
	if spread <= 1 {
		return int64(l.config.MinGrant)
	}
	return int64(l.config.MinGrant + l.randIntn(spread))
}

// eligible reports whether enough time has passed since the member's
// last applied grant.
func (l *Ledger) eligible(m MemberProgress, now time.Time) bool {
	return now.Sub(time.UnixMilli(m.LastXPAt)) >= l.config.XPCooldown
}

// applyGrant adds points to m and advances its level while level-local
// points cover the current threshold. Without cascade, at most one level
// is gained. Returns whether the level changed.
func applyGrant(m *MemberProgress, table *LevelTable, points int64, cascade bool) bool {
	m.Points += points
	m.LevelPoints += points
	m.MessageCount++

	leveled := false
	for m.Level < table.Max() {
		threshold, _ := table.Threshold(m.Level)
		if m.LevelPoints < threshold.XPToNext {
			break
		}
		m.LevelPoints -= threshold.XPToNext
		m.Level++
		leveled = true
		if !cascade {
			break
		}
	}
	return leveled
}

// lockForUpdate adds a row lock on postgres. sqlite writes are already
// serialized.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == dbTypePostgres {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// insertMember creates m, or returns the locked stored row when a
// concurrent transaction inserted the same member first.
func insertMember(tx *gorm.DB, m MemberProgress) (MemberProgress, bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
	if res.Error != nil {
		return m, false, fmt.Errorf("error creating member: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return m, true, nil
	}
	var stored MemberProgress
	err := lockForUpdate(tx).Where(columnMemberID+" = ?", m.MemberID).Take(&stored).Error
	return stored, false, err
}

// GrantActivity records a unit of qualifying activity for memberID at
// now. Members seen for the first time are created at level 0.
//
// The grant is skipped, returning nil, nil, when the member's last grant
// was less than XPCooldown ago. A non-nil LevelUpEvent is returned when the
// grant crossed a level threshold.
func (l *Ledger) GrantActivity(
	ctx context.Context,
	memberID string,
	now time.Time,
) (*LevelUpEvent, error) {
	logger := loggerOrDefault(ctx, l.logger).With(columnMemberID, memberID)
	table := l.levels.Table()

	var event *LevelUpEvent
	err := l.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var m MemberProgress
			err := lockForUpdate(tx).Where(columnMemberID+" = ?", memberID).Take(&m).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				var created bool
				m, created, err = insertMember(
					tx,
					MemberProgress{MemberID: memberID, Bucket: l.Buckets.Assign(memberID)},
				)
				if err != nil {
					return err
				}
				if created {
					logger.InfoContext(ctx, "created member", "member", m)
				}
			case err != nil:
				return err
			}

			if !l.eligible(m, now) {
				return nil
			}

			points := l.grantAmount()
			leveled := applyGrant(&m, table, points, l.config.CascadeLevelUps)
			m.LastXPAt = now.UnixMilli()

			err = tx.Model(&MemberProgress{MemberID: memberID}).Updates(
				map[string]any{
					columnMemberPoints:       m.Points,
					columnMemberLevelPoints:  m.LevelPoints,
					columnMemberMessageCount: m.MessageCount,
					columnMemberLevel:        m.Level,
					columnMemberLastXPAt:     m.LastXPAt,
				},
			).Error
			if err != nil {
				return err
			}
			logger.DebugContext(ctx, "granted xp", "amount", points, "member", m)

			if leveled {
				event = &LevelUpEvent{MemberID: memberID, Level: m.Level, Points: m.Points}
				if threshold, ok := table.Threshold(m.Level); ok && threshold.RoleID != nil {
					event.RoleID = *threshold.RoleID
					if threshold.RoleName != nil {
						event.RoleName = *threshold.RoleName
					}
				}
			}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	if event != nil {
		logger.InfoContext(ctx, "member leveled up", "level", event.Level)
		if l.OnLevelUp != nil {
			if e := l.OnLevelUp.HandleLevelUp(ctx, *event); e != nil {
				logger.ErrorContext(ctx, "error handling level up", tint.Err(e))
			}
		}
	}
	return event, nil
}

// Member returns the stored progress for memberID.
func (l *Ledger) Member(ctx context.Context, memberID string) (*MemberProgress, error) {
	var m MemberProgress
	err := l.db.DB().WithContext(ctx).Where(columnMemberID+" = ?", memberID).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, memberID)
		}
		return nil, err
	}
	return &m, nil
}

// Rank returns 1 + the number of members with strictly more points.
// Members with equal points share a rank.
func (l *Ledger) Rank(ctx context.Context, memberID string) (int64, error) {
	m, err := l.Member(ctx, memberID)
	if err != nil {
		return 0, err
	}
	var above int64
	err = l.db.DB().WithContext(ctx).
		Model(&MemberProgress{}).
		Where(columnMemberPoints+" > ?", m.Points).
		Count(&above).Error
	if err != nil {
		return 0, err
	}
	return above + 1, nil
}

// XPNeeded returns the level-local points the member needs in total to
// advance from their current level.
func (l *Ledger) XPNeeded(ctx context.Context, memberID string) (int64, error) {
	m, err := l.Member(ctx, memberID)
	if err != nil {
		return 0, err
	}
	threshold, ok := l.levels.Table().Threshold(m.Level)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrLevelNotFound, m.Level)
	}
	return threshold.XPToNext, nil
}

// NewMemberFromTotal builds a member whose level and level-local points
// are derived from a cumulative point total.
func NewMemberFromTotal(table *LevelTable, memberID string, points int64) MemberProgress {
	level, levelPoints := table.Locate(points)
	return MemberProgress{
		MemberID:    memberID,
		Points:      points,
		Level:       level,
		LevelPoints: levelPoints,
	}
}

// Backfill creates a member from an imported point total. Returns
// ErrMemberExists if the member already has progress.
func (l *Ledger) Backfill(
	ctx context.Context,
	memberID string,
	points int64,
	messageCount int64,
	lastXP time.Time,
) (*MemberProgress, error) {
	if points < 0 || messageCount < 0 {
		return nil, fmt.Errorf("points and message count must be >= 0")
	}
	m := NewMemberFromTotal(l.levels.Table(), memberID, points)
	m.MessageCount = messageCount
	if !lastXP.IsZero() {
		m.LastXPAt = lastXP.UnixMilli()
	}
	m.Bucket = l.Buckets.Assign(memberID)

	err := l.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&MemberProgress{}).Where(columnMemberID+" = ?", memberID).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return fmt.Errorf("%w: %s", ErrMemberExists, memberID)
			}
			return tx.Create(&m).Error
		},
	)
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "backfilled member", "member", m)
	return &m, nil
}

// SetHidden hides or shows a member's XP on the leaderboard.
func (l *Ledger) SetHidden(ctx context.Context, memberID string, hidden bool) error {
	rows, err := l.db.UpdatesWhere(
		ctx,
		&MemberProgress{},
		map[string]any{columnMemberHidden: hidden},
		columnMemberID+" = ?",
		memberID,
	)
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, memberID)
	}
	return nil
}

// Leaderboard returns non-hidden members ordered by points, highest first.
func (l *Ledger) Leaderboard(ctx context.Context, limit int, offset int) ([]MemberProgress, error) {
	var members []MemberProgress
	err := l.db.DB().WithContext(ctx).
		Where(columnMemberHidden+" = ?", false).
		Order(clause.OrderByColumn{Column: clause.Column{Name: columnMemberPoints}, Desc: true}).
		Order(columnMemberID).
		Limit(limit).
		Offset(offset).
		Find(&members).Error
	return members, err
}

// LoadMembers returns every member keyed by member ID.
func (l *Ledger) LoadMembers(ctx context.Context) (map[string]MemberProgress, error) {
	var members []MemberProgress
	err := l.db.DB().WithContext(ctx).
		Order(clause.OrderByColumn{Column: clause.Column{Name: columnMemberPoints}, Desc: true}).
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	rv := make(map[string]MemberProgress, len(members))
	for _, m := range members {
		rv[m.MemberID] = m
	}
	return rv, nil
}

// MembersImported reports whether any member progress exists.
func (l *Ledger) MembersImported(ctx context.Context) (bool, error) {
	var count int64
	err := l.db.DB().WithContext(ctx).Model(&MemberProgress{}).Count(&count).Error
	return count > 0, err
}
