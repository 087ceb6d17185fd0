package walle

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"time"
)

const (
	mirrorAvatarFileName = "levelling-avatar.png"
	reasonProfileChanged = "profile changed"
)

var (
	// ErrMirrorMessageNotFound is returned by a MirrorChannel when the
	// message being deleted no longer exists.
	ErrMirrorMessageNotFound = errors.New("mirror message not found")

	// ErrMirrorNoAttachment is reported when an uploaded avatar message
	// came back without an attachment URL.
	ErrMirrorNoAttachment = errors.New("mirrored avatar has no attachment")

	columnReconciliationMemberID = "member_id"

	attemptWriteTimeout = 5 * time.Second
)

// DirectoryClient looks up a member's current display information.
type DirectoryClient interface {
	FetchProfile(ctx context.Context, memberID string) (Profile, error)
}

// MirroredAvatar identifies an avatar re-uploaded to the mirror channel.
type MirroredAvatar struct {
	MessageID string
	URL       string
}

// MirrorChannel stores avatar copies as messages in a dedicated channel.
type MirrorChannel interface {
	Upload(ctx context.Context, filename string, data []byte) (MirroredAvatar, error)

	// DeleteMessage removes a previously uploaded avatar. Implementations
	// return ErrMirrorMessageNotFound if the message is already gone.
	DeleteMessage(ctx context.Context, messageID string) error
}

// AvatarFetcher downloads avatar image bytes.
type AvatarFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// QueueNotifier is told when a member is queued for reconciliation.
type QueueNotifier interface {
	MemberQueued(ctx context.Context, memberID string) bool
}

// ReconciliationLogEntry marks a member whose profile was observed to
// change and still needs reconciling. There is at most one entry per
// member.
type ReconciliationLogEntry struct {
	ModelUintID
	MemberID string `gorm:"uniqueIndex;not null;type:string" json:"member_id"`
	Reason   string `json:"reason,omitempty"`
	ModelUnixTime
}

func (ReconciliationLogEntry) TableName() string {
	return "reconciliation_log"
}

// RetryPolicy bounds consecutive failed reconciliation attempts.
// Members at or over MaxAttempts are excluded from selection until their
// profile is marked dirty again.
type RetryPolicy struct {
	MaxAttempts int
}

// Exhausted reports whether attempts has reached the ceiling.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// eligible restricts a member_progress query to members that can still
// be reconciled.
func (p RetryPolicy) eligible(tx *gorm.DB) *gorm.DB {
	return tx.Where(
		MemberProgress{}.TableName()+"."+columnMemberDeleted+" = ? AND "+
			MemberProgress{}.TableName()+"."+columnMemberUpdateAttempts+" < ?",
		false,
		p.MaxAttempts,
	)
}

type Status int

const (
	StatusUpdated Status = iota + 1
	StatusUnchanged
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUpdated:
		return "updated"
	case StatusUnchanged:
		return "unchanged"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "updated":
		*s = StatusUpdated
	case "unchanged":
		*s = StatusUnchanged
	case "failed":
		*s = StatusFailed
	default:
		return fmt.Errorf("unknown status: %q", text)
	}
	return nil
}

// Result is the outcome of reconciling one member. Err is set when
// Status is StatusFailed.
type Result struct {
	MemberID string `json:"member_id"`
	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`
	Err      error  `json:"-"`
}

func (r Result) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("member_id", r.MemberID),
		slog.String("status", r.Status.String()),
		slog.Int("attempts", r.Attempts),
	}
	if r.Err != nil {
		attrs = append(attrs, slog.String("err", r.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// Reconciler re-synchronizes stored member profiles with the directory,
// mirroring avatars along the way.
type Reconciler struct {
	db      DBI
	policy  RetryPolicy
	mirror  MirrorChannel
	avatars AvatarFetcher
	logger  *slog.Logger

	// Notifier, if set, is told about newly queued members
	Notifier QueueNotifier

	// OnExhausted is called when a failed attempt brings a member to the
	// retry ceiling. Defaults to logging a warning.
	OnExhausted func(ctx context.Context, m MemberProgress, err error)
}

// NewReconciler returns a Reconciler. mirror and avatars may be nil, in
// which case avatar URLs are stored without being mirrored.
func NewReconciler(
	db DBI,
	policy RetryPolicy,
	mirror MirrorChannel,
	avatars AvatarFetcher,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		db:      db,
		policy:  policy,
		mirror:  mirror,
		avatars: avatars,
		logger:  logger.With(loggerNameKey, "reconciler"),
	}
	r.OnExhausted = func(ctx context.Context, m MemberProgress, err error) {
		r.logger.WarnContext(
			ctx,
			"member reached reconciliation retry limit",
			"member", m,
			"max_attempts", r.policy.MaxAttempts,
			tint.Err(err),
		)
	}
	return r
}

// Policy returns the reconciler's retry policy.
func (r *Reconciler) Policy() RetryPolicy {
	return r.policy
}

// DueMembers returns the IDs of members in bucket that are eligible for
// reconciliation, highest points first.
func (r *Reconciler) DueMembers(ctx context.Context, bucket int) ([]string, error) {
	var ids []string
	err := r.policy.eligible(r.db.DB().WithContext(ctx).Model(&MemberProgress{})).
		Where(columnMemberBucket+" = ?", bucket).
		Order(columnMemberPoints+" DESC").
		Pluck(columnMemberID, &ids).Error
	return ids, err
}

func (r *Reconciler) queued(ctx context.Context) *gorm.DB {
	members := MemberProgress{}.TableName()
	entries := ReconciliationLogEntry{}.TableName()
	return r.policy.eligible(
		r.db.DB().WithContext(ctx).
			Model(&MemberProgress{}).
			Joins(fmt.Sprintf(
				"JOIN %s ON %s.member_id = %s.member_id",
				entries, entries, members,
			)),
	)
}

// QueuedMembers returns up to limit IDs of eligible members with a
// pending log entry, highest points first. limit <= 0 means no limit.
func (r *Reconciler) QueuedMembers(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	q := r.queued(ctx).Order(MemberProgress{}.TableName() + "." + columnMemberPoints + " DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Pluck(MemberProgress{}.TableName()+"."+columnMemberID, &ids).Error
	return ids, err
}

// QueuedCount returns the number of eligible members with a pending log
// entry.
func (r *Reconciler) QueuedCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.queued(ctx).Count(&count).Error
	return count, err
}

func (r *Reconciler) member(ctx context.Context, memberID string) (MemberProgress, error) {
	var m MemberProgress
	err := r.db.DB().WithContext(ctx).Where(columnMemberID+" = ?", memberID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return m, fmt.Errorf("%w: %s", ErrMemberNotFound, memberID)
	}
	return m, err
}

// Reconcile brings the stored profile for memberID in line with
// observed.
//
// The attempt counter is incremented first. A changed avatar is
// mirrored (the previous mirror message is deleted, the new image is
// fetched and uploaded). Name is always compared; nickname only for live,
// non-deleted accounts. Any change is written in one update that resets
// the attempt counter and clears the member's log entry. When nothing
// changed, the member row isn't written, but a pending log entry is
// still consumed so the member is not selected again. On error, only
// the incremented attempt counter is persisted.
func (r *Reconciler) Reconcile(ctx context.Context, memberID string, observed Profile) Result {
	logger := loggerOrDefault(ctx, r.logger).With(columnMemberID, memberID)

	m, err := r.member(ctx, memberID)
	if err != nil {
		return Result{MemberID: memberID, Status: StatusFailed, Err: err}
	}
	m.UpdateAttempts++

	updates := map[string]any{}
	var uploaded string
	if m.AvatarURL != observed.AvatarURL {
		uploaded, err = r.mirrorAvatar(ctx, m, observed.AvatarURL, updates)
		if err != nil {
			return r.fail(ctx, m, err)
		}
	}
	if m.Name != observed.Name {
		updates[columnMemberName] = observed.Name
	}
	if observed.compareNickname() && m.Nickname != observed.Nickname {
		updates[columnMemberNickname] = observed.Nickname
	}
	if deleted := observed.Deleted(); deleted != m.DeletedMember {
		updates[columnMemberDeleted] = deleted
	}

	if len(updates) == 0 {
		if _, err = r.db.Delete(
			ctx,
			&ReconciliationLogEntry{},
			columnReconciliationMemberID+" = ?",
			memberID,
		); err != nil {
			logger.WarnContext(ctx, "error clearing reconciliation log entry", tint.Err(err))
		}
		logger.DebugContext(ctx, "profile unchanged")
		return Result{MemberID: memberID, Status: StatusUnchanged, Attempts: m.UpdateAttempts - 1}
	}

	updates[columnMemberUpdateAttempts] = 0
	err = r.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := tx.Model(&MemberProgress{MemberID: memberID}).Updates(updates).Error; e != nil {
				return e
			}
			return tx.Where(columnReconciliationMemberID+" = ?", memberID).
				Delete(&ReconciliationLogEntry{}).Error
		},
	)
	if err != nil {
		if uploaded != "" {
			r.deleteStray(ctx, uploaded)
		}
		return r.fail(ctx, m, fmt.Errorf("error saving profile: %w", err))
	}
	logger.InfoContext(ctx, "profile updated", "updates", updates)
	return Result{MemberID: memberID, Status: StatusUpdated}
}

// mirrorAvatar deletes the member's previous mirror message and mirrors
// avatarURL, recording the new columns in updates. Returns the ID of the
// uploaded message, if one was created.
func (r *Reconciler) mirrorAvatar(
	ctx context.Context,
	m MemberProgress,
	avatarURL string,
	updates map[string]any,
) (string, error) {
	if r.mirror != nil && m.MirrorMessageID != "" {
		err := r.mirror.DeleteMessage(ctx, m.MirrorMessageID)
		if err != nil && !errors.Is(err, ErrMirrorMessageNotFound) {
			return "", fmt.Errorf("error deleting mirrored avatar: %w", err)
		}
	}
	updates[columnMemberAvatarURL] = avatarURL
	updates[columnMemberMirrorAvatarURL] = ""
	updates[columnMemberMirrorMessageID] = ""

	if avatarURL == "" || r.mirror == nil || r.avatars == nil {
		return "", nil
	}

	data, err := r.avatars.Fetch(ctx, avatarURL)
	if err != nil {
		return "", fmt.Errorf("error fetching avatar: %w", err)
	}
	mirrored, err := r.mirror.Upload(ctx, mirrorAvatarFileName, data)
	if err != nil {
		return "", fmt.Errorf("error uploading avatar: %w", err)
	}
	if mirrored.URL == "" {
		if mirrored.MessageID != "" {
			r.deleteStray(ctx, mirrored.MessageID)
		}
		return "", ErrMirrorNoAttachment
	}
	updates[columnMemberMirrorAvatarURL] = mirrored.URL
	updates[columnMemberMirrorMessageID] = mirrored.MessageID
	return mirrored.MessageID, nil
}

// deleteStray removes a mirror message produced by a failed attempt.
func (r *Reconciler) deleteStray(ctx context.Context, messageID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), attemptWriteTimeout)
	defer cancel()
	if err := r.mirror.DeleteMessage(ctx, messageID); err != nil &&
		!errors.Is(err, ErrMirrorMessageNotFound) {
		r.logger.ErrorContext(
			ctx,
			"error deleting stray mirror message",
			"message_id", messageID,
			tint.Err(err),
		)
	}
}

// fail persists m's attempt counter and returns a failed Result.
func (r *Reconciler) fail(ctx context.Context, m MemberProgress, cause error) Result {
	logger := loggerOrDefault(ctx, r.logger)
	logger.WarnContext(
		ctx,
		"reconciliation failed",
		"member", m,
		tint.Err(cause),
	)

	// the attempt is recorded even if ctx has expired
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), attemptWriteTimeout)
	defer cancel()
	_, err := r.db.Update(
		writeCtx,
		&MemberProgress{MemberID: m.MemberID},
		columnMemberUpdateAttempts,
		m.UpdateAttempts,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error saving update attempts", "member", m, tint.Err(err))
		cause = errors.Join(cause, err)
	}
	if r.policy.Exhausted(m.UpdateAttempts) && r.OnExhausted != nil {
		r.OnExhausted(ctx, m, cause)
	}
	return Result{
		MemberID: m.MemberID,
		Status:   StatusFailed,
		Attempts: m.UpdateAttempts,
		Err:      cause,
	}
}

// RecordFailure counts a failed attempt for memberID without a profile,
// e.g. when the directory lookup itself failed.
func (r *Reconciler) RecordFailure(ctx context.Context, memberID string, cause error) Result {
	m, err := r.member(ctx, memberID)
	if err != nil {
		return Result{MemberID: memberID, Status: StatusFailed, Err: errors.Join(cause, err)}
	}
	m.UpdateAttempts++
	return r.fail(ctx, m, cause)
}

// MarkDirty queues memberID for reconciliation if observed differs from
// the stored profile. The member's attempt counter and deleted flag are
// reset. Returns whether the member was queued.
func (r *Reconciler) MarkDirty(ctx context.Context, memberID string, observed Profile) (bool, error) {
	m, err := r.member(ctx, memberID)
	if err != nil {
		return false, err
	}
	if !profileDiffers(m, observed) {
		return false, nil
	}

	err = r.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			e := tx.Model(&MemberProgress{MemberID: memberID}).Updates(
				map[string]any{
					columnMemberUpdateAttempts: 0,
					columnMemberDeleted:        false,
				},
			).Error
			if e != nil {
				return e
			}
			var entry ReconciliationLogEntry
			return tx.Where(ReconciliationLogEntry{MemberID: memberID}).
				Attrs(ReconciliationLogEntry{Reason: reasonProfileChanged}).
				FirstOrCreate(&entry).Error
		},
	)
	if err != nil {
		return false, fmt.Errorf("error queueing member: %w", err)
	}
	loggerOrDefault(ctx, r.logger).InfoContext(
		ctx, "member queued for reconciliation", columnMemberID, memberID,
	)
	if r.Notifier != nil {
		r.Notifier.MemberQueued(ctx, memberID)
	}
	return true, nil
}

// BulkUpdateProfiles writes the display columns of each member in a
// single transaction. Progress columns are left untouched.
func (r *Reconciler) BulkUpdateProfiles(ctx context.Context, members []MemberProgress) (int64, error) {
	var total int64
	err := r.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			for _, m := range members {
				rv := tx.Model(&MemberProgress{MemberID: m.MemberID}).
					Select(profileColumns).
					Updates(m)
				if rv.Error != nil {
					return fmt.Errorf("member %s: %w", m.MemberID, rv.Error)
				}
				total += rv.RowsAffected
			}
			return nil
		},
	)
	if err != nil {
		return 0, err
	}
	return total, nil
}
