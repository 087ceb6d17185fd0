package walle

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"log/slog"
)

const embedAvatarFileName = "embed-avatar.png"

var columnEmbedAvatarURL = "avatar_discord_url"

// EmbedAvatar maps a Discord CDN avatar URL to the permanent copy kept in
// the mirror channel, so embeds that reference an avatar keep rendering
// after it changes.
//
//nolint:lll // struct tags can't be split
type EmbedAvatar struct {
	ModelUintID
	AvatarURL    string `gorm:"column:avatar_discord_url;size:5000;not null;index" json:"avatar_discord_url" binding:"required,url"`
	PermanentURL string `gorm:"column:avatar_discord_permanent_url;size:5000;not null" json:"avatar_discord_permanent_url" binding:"required,url"`
	ModelUnixTime
}

func (EmbedAvatar) TableName() string {
	return "embed_avatars"
}

// EmbedAvatars caches permanent avatar URLs.
type EmbedAvatars struct {
	db      DBI
	mirror  MirrorChannel
	avatars AvatarFetcher
	logger  *slog.Logger
}

func NewEmbedAvatars(
	db DBI,
	mirror MirrorChannel,
	avatars AvatarFetcher,
	logger *slog.Logger,
) *EmbedAvatars {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbedAvatars{
		db:      db,
		mirror:  mirror,
		avatars: avatars,
		logger:  logger.With(loggerNameKey, "embed_avatars"),
	}
}

func (e *EmbedAvatars) Insert(ctx context.Context, avatar *EmbedAvatar) error {
	_, err := e.db.Create(ctx, avatar)
	return err
}

// GetByURL returns the cached entry for a Discord avatar URL, or nil if
// there isn't one.
func (e *EmbedAvatars) GetByURL(ctx context.Context, avatarURL string) (*EmbedAvatar, error) {
	var avatar EmbedAvatar
	err := e.db.DB().WithContext(ctx).
		Where(columnEmbedAvatarURL+" = ?", avatarURL).
		Order("id").
		Take(&avatar).Error
	switch {
	case err == nil:
		return &avatar, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

// Permanent returns the permanent URL for avatarURL, mirroring and
// caching it on first use.
func (e *EmbedAvatars) Permanent(ctx context.Context, avatarURL string) (*EmbedAvatar, error) {
	cached, err := e.GetByURL(ctx, avatarURL)
	if err != nil || cached != nil {
		return cached, err
	}
	if e.mirror == nil || e.avatars == nil {
		return nil, errors.New("avatar mirroring is not configured")
	}

	data, err := e.avatars.Fetch(ctx, avatarURL)
	if err != nil {
		return nil, fmt.Errorf("error fetching avatar: %w", err)
	}
	mirrored, err := e.mirror.Upload(ctx, embedAvatarFileName, data)
	if err != nil {
		return nil, fmt.Errorf("error uploading avatar: %w", err)
	}
	if mirrored.URL == "" {
		if mirrored.MessageID != "" {
			if delErr := e.mirror.DeleteMessage(ctx, mirrored.MessageID); delErr != nil {
				e.logger.WarnContext(ctx, "error deleting stray mirror message", "message_id", mirrored.MessageID)
			}
		}
		return nil, ErrMirrorNoAttachment
	}

	avatar := &EmbedAvatar{AvatarURL: avatarURL, PermanentURL: mirrored.URL}
	if err = e.Insert(ctx, avatar); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "cached embed avatar", "avatar_url", avatarURL, "permanent_url", mirrored.URL)
	return avatar, nil
}
