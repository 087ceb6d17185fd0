package walle

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
	"time"
)

func TestMemberQueuedPayload(t *testing.T) {
	t.Parallel()

	payload := newMemberQueuedPayload("notifier-1", "228822415189344257")
	notifierID, memberID := parseMemberQueuedPayload(payload)
	assert.Equal(t, "notifier-1", notifierID)
	assert.Equal(t, "228822415189344257", memberID)

	notifierID, memberID = parseMemberQueuedPayload("garbage")
	assert.Equal(t, "garbage", notifierID)
	assert.Empty(t, memberID)
}

func TestNewDBNotifier(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	n, err := newDBNotifier(dbTypeSQLite, db, "", NotifyHandlers{}, slog.Default())
	require.NoError(t, err)
	assert.IsType(t, &sqliteNotifier{}, n)

	other, err := newDBNotifier(dbTypeSQLite, db, "", NotifyHandlers{}, slog.Default())
	require.NoError(t, err)
	assert.NotEqual(t, n.ID(), other.ID())

	pg, err := newDBNotifier(dbTypePostgres, db, "postgres://localhost/walle", NotifyHandlers{}, slog.Default())
	require.NoError(t, err)
	assert.IsType(t, &postgresNotifier{}, pg)

	_, err = newDBNotifier("mysql", db, "", NotifyHandlers{}, slog.Default())
	assert.Error(t, err)
}

func TestSQLiteNotifier(t *testing.T) {
	t.Parallel()

	var queued []string
	var reloads int
	handlers := NotifyHandlers{
		MemberQueued: func(_ context.Context, memberID string) {
			queued = append(queued, memberID)
		},
		RuntimeConfigUpdated: func(context.Context) { reloads++ },
	}
	n, err := newDBNotifier(dbTypeSQLite, newTestDB(t), "", handlers, slog.Default())
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, n.MemberQueued(ctx, "100"))
	assert.True(t, n.MemberQueued(ctx, "200"))
	assert.True(t, n.RuntimeConfigUpdated(ctx))
	assert.Equal(t, []string{"100", "200"}, queued)
	assert.Equal(t, 1, reloads)

	// no handlers set
	bare, err := newDBNotifier(dbTypeSQLite, newTestDB(t), "", NotifyHandlers{}, slog.Default())
	require.NoError(t, err)
	assert.True(t, bare.MemberQueued(ctx, "100"))
	assert.True(t, bare.RuntimeConfigUpdated(ctx))
}

func TestSQLiteNotifierListen(t *testing.T) {
	t.Parallel()

	n, err := newDBNotifier(dbTypeSQLite, newTestDB(t), "", NotifyHandlers{}, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Listen(ctx) }()

	select {
	case <-done:
		t.Fatal("Listen returned before ctx was canceled")
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	select {
	case err = <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestPostgresNotifierListenBadDSN(t *testing.T) {
	t.Parallel()

	n, err := newDBNotifier(dbTypePostgres, newTestDB(t), "not a dsn ://", NotifyHandlers{}, slog.Default())
	require.NoError(t, err)
	assert.Error(t, n.Listen(context.Background()))
}
