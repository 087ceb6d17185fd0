package walle

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"log/slog"
	"sort"
	"sync/atomic"
)

var (
	columnLevelNumber   = "number"
	columnLevelRoleID   = "role_id"
	columnLevelRoleName = "role_name"

	ErrLevelNotFound    = errors.New("level not found")
	ErrRoleAlreadyBound = errors.New("role already bound to another level")
	ErrNoLevels         = errors.New("level table is empty")
)

// LevelThreshold is one row of the level table. A member at level N
// needs XPToNext level-local points to reach N+1, and
// TotalPointsRequired is the cumulative point total at which level N
// starts.
//
// RoleID and RoleName are nil when no Discord role is bound to the level.
//
//nolint:lll // struct tags can't be split
type LevelThreshold struct {
	Number              int     `gorm:"primaryKey;autoIncrement:false" json:"number"`
	TotalPointsRequired int64   `gorm:"not null;check:total_points_required >= 0" json:"total_points_required"`
	XPToNext            int64   `gorm:"column:xp_to_next;not null;check:xp_to_next > 0" json:"xp_to_next"`
	RoleID              *string `gorm:"uniqueIndex" json:"role_id,omitempty"`
	RoleName            *string `gorm:"uniqueIndex;size:500" json:"role_name,omitempty"`
	ModelUnixTime
}

func (LevelThreshold) TableName() string {
	return "levels"
}

func (l LevelThreshold) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("number", l.Number),
		slog.Int64("total_points_required", l.TotalPointsRequired),
		slog.Int64("xp_to_next", l.XPToNext),
	}
	if l.RoleID != nil {
		attrs = append(attrs, slog.String("role_id", *l.RoleID))
	}
	if l.RoleName != nil {
		attrs = append(attrs, slog.String("role_name", *l.RoleName))
	}
	return slog.GroupValue(attrs...)
}

// XPToNextLevel is the progression formula: the number of level-local
// points required to advance from level n to n+1.
func XPToNextLevel(n int) int64 {
	x := int64(n)
	return 5*x*x + 50*x + 100
}

// BuildLevelThresholds generates levels 0 through maxLevel from
// XPToNextLevel, with cumulative point totals.
func BuildLevelThresholds(maxLevel int) []LevelThreshold {
	levels := make([]LevelThreshold, 0, maxLevel+1)
	var total int64
	for n := 0; n <= maxLevel; n++ {
		xp := XPToNextLevel(n)
		levels = append(
			levels,
			LevelThreshold{Number: n, TotalPointsRequired: total, XPToNext: xp},
		)
		total += xp
	}
	return levels
}

// PopulateLevels inserts levels 0 through maxLevel if the level table is
// empty. Returns the number of levels created (0 if the table was
// already populated).
func PopulateLevels(ctx context.Context, db DBI, maxLevel int) (int, error) {
	imported, err := LevelsImported(ctx, db.DB())
	if err != nil {
		return 0, err
	}
	if imported {
		return 0, nil
	}
	levels := BuildLevelThresholds(maxLevel)
	err = db.Transaction(
		ctx, func(tx *gorm.DB) error {
			for _, batch := range chunkItems(50, levels...) {
				if e := tx.Create(&batch).Error; e != nil {
					return e
				}
			}
			return nil
		},
	)
	if err != nil {
		return 0, fmt.Errorf("error populating levels: %w", err)
	}
	return len(levels), nil
}

// LevelsImported reports whether the level table has at least one row.
func LevelsImported(ctx context.Context, db *gorm.DB) (bool, error) {
	var count int64
	if err := db.WithContext(ctx).Model(&LevelThreshold{}).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ClearLevels deletes every level. Used to regenerate the table.
func ClearLevels(ctx context.Context, db DBI) (int64, error) {
	return db.Delete(ctx, &LevelThreshold{}, "1 = 1")
}

// LevelTable is an immutable, sorted view of the level table, where
// index i holds level i. Role binding changes produce a new table.
type LevelTable struct {
	levels []LevelThreshold
}

// NewLevelTable sorts levels by number and checks they form a contiguous
// range starting at 0.
func NewLevelTable(levels []LevelThreshold) (*LevelTable, error) {
	if len(levels) == 0 {
		return nil, ErrNoLevels
	}
	sorted := make([]LevelThreshold, len(levels))
	copy(sorted, levels)
	sort.Slice(
		sorted, func(i, j int) bool {
			return sorted[i].Number < sorted[j].Number
		},
	)
	for i, l := range sorted {
		if l.Number != i {
			return nil, fmt.Errorf("level table has a gap: expected level %d, found %d", i, l.Number)
		}
		if l.XPToNext <= 0 {
			return nil, fmt.Errorf("level %d: xp_to_next must be positive", l.Number)
		}
	}
	return &LevelTable{levels: sorted}, nil
}

// LoadLevelTable reads all levels from the database.
func LoadLevelTable(ctx context.Context, db *gorm.DB) (*LevelTable, error) {
	var levels []LevelThreshold
	if err := db.WithContext(ctx).Order(columnLevelNumber).Find(&levels).Error; err != nil {
		return nil, err
	}
	return NewLevelTable(levels)
}

// Max returns the highest level number.
func (t *LevelTable) Max() int {
	return len(t.levels) - 1
}

// Threshold returns the given level, if it exists.
func (t *LevelTable) Threshold(level int) (LevelThreshold, bool) {
	if level < 0 || level >= len(t.levels) {
		return LevelThreshold{}, false
	}
	return t.levels[level], true
}

// Levels returns a copy of all levels, in order.
func (t *LevelTable) Levels() []LevelThreshold {
	rv := make([]LevelThreshold, len(t.levels))
	copy(rv, t.levels)
	return rv
}

// Locate walks the thresholds from level 0, subtracting each level's
// XPToNext while the remainder covers it, and returns the resulting
// level and level-local points. The walk stops at Max.
func (t *LevelTable) Locate(points int64) (level int, levelPoints int64) {
	levelPoints = points
	for level < t.Max() && levelPoints >= t.levels[level].XPToNext {
		levelPoints -= t.levels[level].XPToNext
		level++
	}
	return level, levelPoints
}

// RolesUpTo returns the levels at or below the given level that have a
// bound role, highest first.
func (t *LevelTable) RolesUpTo(level int) []LevelThreshold {
	var rv []LevelThreshold
	for i := min(level, t.Max()); i >= 0; i-- {
		if t.levels[i].RoleID != nil {
			rv = append(rv, t.levels[i])
		}
	}
	return rv
}

// with returns a copy of the table with one level replaced.
func (t *LevelTable) with(l LevelThreshold) *LevelTable {
	levels := t.Levels()
	levels[l.Number] = l
	return &LevelTable{levels: levels}
}

// LevelStore owns the in-memory LevelTable and the role binding writes
// that change it.
type LevelStore struct {
	db     DBI
	table  atomic.Pointer[LevelTable]
	logger *slog.Logger
}

// NewLevelStore loads the level table from db. Returns ErrNoLevels if
// the table hasn't been populated.
func NewLevelStore(ctx context.Context, db DBI, logger *slog.Logger) (*LevelStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &LevelStore{db: db, logger: logger.With(loggerNameKey, "levels")}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Table returns the current level table.
func (s *LevelStore) Table() *LevelTable {
	return s.table.Load()
}

// Reload replaces the in-memory table with the database contents.
func (s *LevelStore) Reload(ctx context.Context) error {
	table, err := LoadLevelTable(ctx, s.db.DB())
	if err != nil {
		return err
	}
	s.table.Store(table)
	return nil
}

// BindRole binds a Discord role to a level, replacing any role already
// bound to it. The role ID and name must not be bound to another level.
func (s *LevelStore) BindRole(
	ctx context.Context,
	level int,
	roleID string,
	roleName string,
) (LevelThreshold, error) {
	return s.updateLevel(
		ctx, level, func(tx *gorm.DB, l *LevelThreshold) (map[string]any, error) {
			if err := roleConflict(tx, level, columnLevelRoleID, roleID); err != nil {
				return nil, err
			}
			if err := roleConflict(tx, level, columnLevelRoleName, roleName); err != nil {
				return nil, err
			}
			l.RoleID = &roleID
			l.RoleName = &roleName
			return map[string]any{
				columnLevelRoleID:   roleID,
				columnLevelRoleName: roleName,
			}, nil
		},
	)
}

// RenameRole changes the role name recorded for a level. The level must
// already have a role bound.
func (s *LevelStore) RenameRole(
	ctx context.Context,
	level int,
	roleName string,
) (LevelThreshold, error) {
	return s.updateLevel(
		ctx, level, func(tx *gorm.DB, l *LevelThreshold) (map[string]any, error) {
			if l.RoleID == nil {
				return nil, fmt.Errorf("level %d has no role to rename", level)
			}
			if err := roleConflict(tx, level, columnLevelRoleName, roleName); err != nil {
				return nil, err
			}
			l.RoleName = &roleName
			return map[string]any{columnLevelRoleName: roleName}, nil
		},
	)
}

// UnbindRole removes the role bound to a level.
func (s *LevelStore) UnbindRole(ctx context.Context, level int) (LevelThreshold, error) {
	return s.updateLevel(
		ctx, level, func(_ *gorm.DB, l *LevelThreshold) (map[string]any, error) {
			l.RoleID = nil
			l.RoleName = nil
			return map[string]any{
				columnLevelRoleID:   nil,
				columnLevelRoleName: nil,
			}, nil
		},
	)
}

// updateLevel loads a level inside a transaction, applies fn's column
// updates and swaps in a new LevelTable on success.
func (s *LevelStore) updateLevel(
	ctx context.Context,
	level int,
	fn func(tx *gorm.DB, l *LevelThreshold) (map[string]any, error),
) (LevelThreshold, error) {
	var updated LevelThreshold
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Where(columnLevelNumber+" = ?", level).Take(&updated).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: %d", ErrLevelNotFound, level)
				}
				return err
			}
			updates, err := fn(tx, &updated)
			if err != nil {
				return err
			}
			return tx.Model(&LevelThreshold{}).
				Where(columnLevelNumber+" = ?", level).
				Updates(updates).Error
		},
	)
	if err != nil {
		return updated, err
	}
	s.logger.InfoContext(ctx, "level updated", "level", updated)
	for {
		current := s.table.Load()
		if s.table.CompareAndSwap(current, current.with(updated)) {
			break
		}
	}
	return updated, nil
}

// roleConflict returns ErrRoleAlreadyBound if column=value is set on a
// level other than level.
func roleConflict(tx *gorm.DB, level int, column string, value string) error {
	var other LevelThreshold
	err := tx.Where(column+" = ? AND "+columnLevelNumber+" <> ?", value, level).
		Take(&other).Error
	switch {
	case err == nil:
		return fmt.Errorf(
			"%w: %s %q is bound to level %d",
			ErrRoleAlreadyBound, column, value, other.Number,
		)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil
	default:
		return err
	}
}
