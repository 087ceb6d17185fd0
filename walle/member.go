package walle

import (
	"log/slog"
	"regexp"
)

var (
	columnMemberID              = "member_id"
	columnMemberName            = "name"
	columnMemberNickname        = "nickname"
	columnMemberAvatarURL       = "avatar_url"
	columnMemberMirrorAvatarURL = "mirror_avatar_url"
	columnMemberMirrorMessageID = "mirror_message_id"
	columnMemberPoints          = "points"
	columnMemberLevelPoints     = "level_points"
	columnMemberMessageCount    = "message_count"
	columnMemberLevel           = "level"
	columnMemberLastXPAt        = "last_xp_at"
	columnMemberHidden          = "hidden"
	columnMemberUpdateAttempts  = "update_attempts"
	columnMemberBucket          = "bucket"
	columnMemberDeleted         = "deleted_member"

	// profileColumns are the display fields written by reconciliation
	profileColumns = []string{
		columnMemberName,
		columnMemberNickname,
		columnMemberAvatarURL,
		columnMemberMirrorAvatarURL,
		columnMemberMirrorMessageID,
	}
)

// deletedUserName matches the placeholder names Discord gives accounts
// that have been deleted.
var deletedUserName = regexp.MustCompile(`(?i)^deleted[ _]user`)

// MemberProgress is a guild member's leveling state, plus the cached
// display profile used when rendering leaderboards and level-up embeds.
//
// Points never decreases. LevelPoints is the progress within the
// current Level, and stays below that level's XPToNext except at the
// top level.
//
//nolint:lll // struct tags can't be split
type MemberProgress struct {
	MemberID string `gorm:"primaryKey;type:string" json:"member_id"`

	Name            string `gorm:"size:500" json:"name,omitempty"`
	Nickname        string `gorm:"size:500" json:"nickname,omitempty"`
	AvatarURL       string `gorm:"size:1000" json:"avatar_url,omitempty"`
	MirrorAvatarURL string `gorm:"size:1000" json:"mirror_avatar_url,omitempty"`
	MirrorMessageID string `json:"mirror_message_id,omitempty"`

	Points       int64 `gorm:"not null;default:0;check:points >= 0;index" json:"points"`
	LevelPoints  int64 `gorm:"not null;default:0;check:level_points >= 0" json:"level_points"`
	MessageCount int64 `gorm:"not null;default:0" json:"message_count"`
	Level        int   `gorm:"not null;default:0;check:level >= 0" json:"level"`

	// LastXPAt is the unix milli timestamp of the last applied grant
	LastXPAt int64 `gorm:"column:last_xp_at;not null;default:0" json:"last_xp_at"`

	Hidden bool `gorm:"not null;default:false" json:"hidden"`

	UpdateAttempts int  `gorm:"not null;default:0" json:"update_attempts"`
	Bucket         int  `gorm:"not null;default:0;index" json:"bucket"`
	DeletedMember  bool `gorm:"column:deleted_member;not null;default:false" json:"deleted_member"`

	ModelUnixTime
}

func (MemberProgress) TableName() string {
	return "member_progress"
}

func (m MemberProgress) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("member_id", m.MemberID),
		slog.String("name", m.Name),
		slog.Int("level", m.Level),
		slog.Int64("points", m.Points),
		slog.Int64("level_points", m.LevelPoints),
		slog.Int("bucket", m.Bucket),
		slog.Int("update_attempts", m.UpdateAttempts),
	)
}

// Profile returns the member's cached display fields.
func (m MemberProgress) Profile() Profile {
	return Profile{
		Name:      m.Name,
		Nickname:  m.Nickname,
		AvatarURL: m.AvatarURL,
		Live:      !m.DeletedMember,
	}
}

// Profile is a member's display information as reported by the Discord
// member directory.
type Profile struct {
	Name      string `json:"name"`
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatar_url"`

	// Live is false when the account is no longer a guild member, in
	// which case Nickname is meaningless.
	Live bool `json:"live"`
}

// Deleted reports whether the profile belongs to a deleted account.
func (p Profile) Deleted() bool {
	return deletedUserName.MatchString(p.Name)
}

// compareNickname reports whether the nickname is meaningful for p.
func (p Profile) compareNickname() bool {
	return p.Live && !p.Deleted()
}

// profileDiffers reports whether observed carries display information
// that differs from what's stored on m.
func profileDiffers(m MemberProgress, observed Profile) bool {
	if m.Name != observed.Name || m.AvatarURL != observed.AvatarURL {
		return true
	}
	return observed.compareNickname() && m.Nickname != observed.Nickname
}
