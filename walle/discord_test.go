package walle

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

const (
	testGuildID         = "228822415189344257"
	testMirrorChannelID = "1065777500450222080"
)

// mockDiscordSession stands in for the discordgo REST API. Members and
// users are served from maps, and every call is recorded.
type mockDiscordSession struct {
	mu       sync.Mutex
	members  map[string]*discordgo.Member
	users    map[string]*discordgo.User
	calls    []string
	logLevel slog.Level

	// sent holds every message posted to a channel
	sent []*discordgo.MessageSend

	// deleted holds every deleted message ID
	deleted []string

	// rolesAdded holds "userID:roleID" for each role grant
	rolesAdded []string

	// noAttachment makes ChannelMessageSendComplex return a message
	// without attachments
	noAttachment bool

	// errs overrides the result of a call by method name
	errs map[string]error
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		members: map[string]*discordgo.Member{},
		users:   map[string]*discordgo.User{},
		errs:    map[string]error{},
	}
}

func restError(code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusNotFound, Status: "404 Not Found"},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: "unknown"},
	}
}

func (m *mockDiscordSession) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return m.errs[call]
}

func (m *mockDiscordSession) setMember(member *discordgo.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[member.User.ID] = member
	m.users[member.User.ID] = member.User
}

func (m *mockDiscordSession) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rv := make([]string, len(m.calls))
	copy(rv, m.calls)
	return rv
}

func (m *mockDiscordSession) GuildMember(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	if err := m.record("GuildMember"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[userID]
	if !ok {
		return nil, restError(discordgo.ErrCodeUnknownMember)
	}
	return member, nil
}

func (m *mockDiscordSession) User(userID string, _ ...discordgo.RequestOption) (
	*discordgo.User,
	error,
) {
	if err := m.record("User"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, restError(discordgo.ErrCodeUnknownUser)
	}
	return u, nil
}

func (m *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if err := m.record("ChannelMessageSendComplex"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, data)
	msg := &discordgo.Message{
		ID:        fmt.Sprintf("msg-%d", len(m.sent)),
		ChannelID: channelID,
	}
	if !m.noAttachment {
		for _, f := range data.Files {
			msg.Attachments = append(
				msg.Attachments,
				&discordgo.MessageAttachment{
					ID:       msg.ID,
					Filename: f.Name,
					URL: fmt.Sprintf(
						"https://cdn.discordapp.com/attachments/%s/%s/%s",
						channelID, msg.ID, f.Name,
					),
				},
			)
		}
	}
	return msg, nil
}

func (m *mockDiscordSession) ChannelMessageDelete(
	_ string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	if err := m.record("ChannelMessageDelete"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, messageID)
	return nil
}

func (m *mockDiscordSession) GuildMemberRoleAdd(
	_ string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	if err := m.record("GuildMemberRoleAdd"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolesAdded = append(m.rolesAdded, userID+":"+roleID)
	return nil
}

func (m *mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logLevel = lvl
	return nil
}

func newTestDiscord(t testing.TB) (*Discord, *mockDiscordSession) {
	t.Helper()
	session := newMockDiscordSession()
	cfg := DefaultConfig().Discord
	cfg.Token = "test-token"
	cfg.GuildID = testGuildID
	cfg.MirrorChannelID = testMirrorChannelID
	return newDiscord(session, cfg, slog.Default()), session
}

func TestDiscord_FetchProfile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run(
		"guild member", func(t *testing.T) {
			t.Parallel()
			d, session := newTestDiscord(t)
			user := &discordgo.User{ID: "100", Username: "wall-e", Avatar: "abc123"}
			session.setMember(&discordgo.Member{User: user, Nick: "Walle"})

			p, err := d.FetchProfile(ctx, "100")
			require.NoError(t, err)
			assert.Equal(
				t,
				Profile{Name: "wall-e", Nickname: "Walle", AvatarURL: user.AvatarURL(""), Live: true},
				p,
			)
			assert.Equal(t, []string{"GuildMember"}, session.Calls())
		},
	)

	t.Run(
		"left guild", func(t *testing.T) {
			t.Parallel()
			d, session := newTestDiscord(t)
			user := &discordgo.User{ID: "200", Username: "eve", Avatar: "def456"}
			session.users[user.ID] = user

			p, err := d.FetchProfile(ctx, "200")
			require.NoError(t, err)
			assert.False(t, p.Live)
			assert.Equal(t, "eve", p.Name)
			assert.Empty(t, p.Nickname)
			assert.Equal(t, []string{"GuildMember", "User"}, session.Calls())
		},
	)

	t.Run(
		"lookup error", func(t *testing.T) {
			t.Parallel()
			d, session := newTestDiscord(t)
			boom := errors.New("gateway timeout")
			session.errs["GuildMember"] = boom

			_, err := d.FetchProfile(ctx, "300")
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, []string{"GuildMember"}, session.Calls())
		},
	)

	t.Run(
		"unknown user", func(t *testing.T) {
			t.Parallel()
			d, _ := newTestDiscord(t)
			_, err := d.FetchProfile(ctx, "400")
			assert.Error(t, err)
		},
	)
}

func TestDiscord_Upload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d, session := newTestDiscord(t)
	mirrored, err := d.Upload(ctx, mirrorAvatarFileName, []byte("\x89PNG\r\n\x1a\n"))
	require.NoError(t, err)
	assert.Equal(t, "msg-1", mirrored.MessageID)
	assert.Contains(t, mirrored.URL, testMirrorChannelID)
	require.Len(t, session.sent, 1)
	require.Len(t, session.sent[0].Files, 1)
	assert.Equal(t, "image/png", session.sent[0].Files[0].ContentType)

	session.noAttachment = true
	mirrored, err = d.Upload(ctx, mirrorAvatarFileName, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "msg-2", mirrored.MessageID)
	assert.Empty(t, mirrored.URL)
}

func TestDiscord_DeleteMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d, session := newTestDiscord(t)
	require.NoError(t, d.DeleteMessage(ctx, "msg-1"))
	assert.Equal(t, []string{"msg-1"}, session.deleted)

	session.errs["ChannelMessageDelete"] = restError(discordgo.ErrCodeUnknownMessage)
	err := d.DeleteMessage(ctx, "msg-2")
	assert.ErrorIs(t, err, ErrMirrorMessageNotFound)

	other := errors.New("forbidden")
	session.errs["ChannelMessageDelete"] = other
	err = d.DeleteMessage(ctx, "msg-3")
	assert.ErrorIs(t, err, other)
	assert.NotErrorIs(t, err, ErrMirrorMessageNotFound)
}

func TestDiscord_HandleLevelUp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d, session := newTestDiscord(t)
	require.NoError(t, d.HandleLevelUp(ctx, LevelUpEvent{MemberID: "100", Level: 1}))
	assert.Empty(t, session.Calls())

	require.NoError(
		t,
		d.HandleLevelUp(ctx, LevelUpEvent{MemberID: "100", Level: 5, RoleID: "role-5"}),
	)
	assert.Equal(t, []string{"100:role-5"}, session.rolesAdded)
}

func TestHTTPAvatarFetcher(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/avatar.png" {
					http.NotFound(w, r)
					return
				}
				_, _ = io.WriteString(w, "avatar-bytes")
			},
		),
	)
	t.Cleanup(srv.Close)

	fetcher := httpAvatarFetcher{client: srv.Client()}
	data, err := fetcher.Fetch(context.Background(), srv.URL+"/avatar.png")
	require.NoError(t, err)
	assert.Equal(t, "avatar-bytes", string(data))

	_, err = fetcher.Fetch(context.Background(), srv.URL+"/missing.png")
	assert.Error(t, err)
}

func TestRestErrorCode(t *testing.T) {
	t.Parallel()
	assert.Equal(t, discordgo.ErrCodeUnknownMember, restErrorCode(restError(discordgo.ErrCodeUnknownMember)))
	assert.Equal(
		t,
		discordgo.ErrCodeUnknownMessage,
		restErrorCode(fmt.Errorf("wrapped: %w", restError(discordgo.ErrCodeUnknownMessage))),
	)
	assert.Equal(t, 0, restErrorCode(errors.New("plain")))
}

func TestDiscordgoLoggerFunc(t *testing.T) {
	t.Parallel()

	var buf syncBuffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logFunc := discordgoLoggerFunc(context.Background(), handler)
	logFunc(discordgo.LogError, 0, "bad\nthing %d", 42)

	out := buf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "badthing 42")
}
