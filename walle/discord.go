package walle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net/http"
)

// maxAvatarBytes caps avatar downloads. Discord serves avatars well
// under this.
const maxAvatarBytes = 8 << 20

// DiscordSessionHandler is the subset of the discordgo REST API used for
// member lookups, avatar mirroring and role grants. This is here
// primarily to enable mocking in tests.
type DiscordSessionHandler interface {
	// GuildMember returns a guild member.
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// User returns a user, whether or not they're in the guild.
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)

	// ChannelMessageSendComplex sends a message, including attachments.
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageDelete deletes a message.
	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// GuildMemberRoleAdd adds a role to a guild member.
	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	m, err := d.session.GuildMember(guildID, userID, options...)
	if err != nil {
		d.logger.Debug("error fetching guild member", "user_id", userID, tint.Err(err))
	}
	return m, err
}

func (d DiscordSession) User(userID string, options ...discordgo.RequestOption) (
	*discordgo.User,
	error,
) {
	u, err := d.session.User(userID, options...)
	if err != nil {
		d.logger.Error("error fetching user", "user_id", userID, tint.Err(err))
	}
	return u, err
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error("error sending message", "channel_id", channelID, tint.Err(err))
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.ChannelMessageDelete(channelID, messageID, options...)
	if err != nil {
		d.logger.Warn(
			"error deleting message",
			"channel_id", channelID,
			"message_id", messageID,
			tint.Err(err),
		)
	}
	return err
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildMemberRoleAdd(guildID, userID, roleID, options...)
	if err != nil {
		d.logger.Error(
			"error adding role",
			"user_id", userID,
			"role_id", roleID,
			tint.Err(err),
		)
	}
	return err
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

// newSession creates a REST-only discordgo session. No gateway
// connection is ever opened.
func newSession(config *DiscordConfig, client *http.Client, logger *slog.Logger) (
	DiscordSessionHandler,
	error,
) {
	session := DiscordSession{logger: logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = false
	if client != nil {
		disc.Client = client
	}
	session.session = disc
	if config.DiscordGoLogLevel != nil {
		if err = session.SetLogLevel(config.DiscordGoLogLevel.Level()); err != nil {
			return session, err
		}
	}
	return session, nil
}

// restErrorCode returns the Discord JSON error code carried by err, or 0.
func restErrorCode(err error) int {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		return restErr.Message.Code
	}
	return 0
}

// Discord implements DirectoryClient, MirrorChannel and LevelUpHandler
// over the Discord REST API.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger
}

func newDiscord(session DiscordSessionHandler, config *DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{
		session: session,
		config:  config,
		logger:  logger.With(loggerNameKey, "discord"),
	}
}

// FetchProfile looks memberID up in the guild. Members who have left the
// guild are looked up as plain users, and reported with Live false.
func (d *Discord) FetchProfile(ctx context.Context, memberID string) (Profile, error) {
	member, err := d.session.GuildMember(d.config.GuildID, memberID, discordgo.WithContext(ctx))
	if err == nil {
		p := Profile{Nickname: member.Nick, AvatarURL: member.AvatarURL(""), Live: true}
		if member.User != nil {
			p.Name = member.User.Username
		}
		return p, nil
	}
	if restErrorCode(err) != discordgo.ErrCodeUnknownMember {
		return Profile{}, err
	}

	user, err := d.session.User(memberID, discordgo.WithContext(ctx))
	if err != nil {
		return Profile{}, fmt.Errorf("member left guild, and user lookup failed: %w", err)
	}
	return Profile{Name: user.Username, AvatarURL: user.AvatarURL("")}, nil
}

// Upload posts data as a file attachment to the mirror channel.
func (d *Discord) Upload(ctx context.Context, filename string, data []byte) (MirroredAvatar, error) {
	msg, err := d.session.ChannelMessageSendComplex(
		d.config.MirrorChannelID,
		&discordgo.MessageSend{
			Files: []*discordgo.File{
				{Name: filename, ContentType: http.DetectContentType(data), Reader: bytes.NewReader(data)},
			},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return MirroredAvatar{}, err
	}
	rv := MirroredAvatar{MessageID: msg.ID}
	if len(msg.Attachments) > 0 && msg.Attachments[0] != nil {
		rv.URL = msg.Attachments[0].URL
	}
	return rv, nil
}

// DeleteMessage removes a message from the mirror channel. A message that
// no longer exists is reported as ErrMirrorMessageNotFound.
func (d *Discord) DeleteMessage(ctx context.Context, messageID string) error {
	err := d.session.ChannelMessageDelete(d.config.MirrorChannelID, messageID, discordgo.WithContext(ctx))
	if err != nil && restErrorCode(err) == discordgo.ErrCodeUnknownMessage {
		return fmt.Errorf("%w: %s", ErrMirrorMessageNotFound, messageID)
	}
	return err
}

// HandleLevelUp grants the role bound to the member's new level.
func (d *Discord) HandleLevelUp(ctx context.Context, event LevelUpEvent) error {
	if event.RoleID == "" {
		return nil
	}
	d.logger.InfoContext(
		ctx,
		"granting level role",
		"member_id", event.MemberID,
		"level", event.Level,
		"role_id", event.RoleID,
	)
	return d.session.GuildMemberRoleAdd(
		d.config.GuildID,
		event.MemberID,
		event.RoleID,
		discordgo.WithContext(ctx),
	)
}

// httpAvatarFetcher downloads avatars with the configured HTTP client.
type httpAvatarFetcher struct {
	client *http.Client
}

func (h httpAvatarFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := h.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status fetching avatar: %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxAvatarBytes))
}
