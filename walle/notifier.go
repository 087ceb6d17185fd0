package walle

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

const (
	postgresNotifyChannelMemberQueued         = "walle_member_queued"
	postgresNotifyChannelRuntimeConfigUpdated = "walle_reload_runtime_config"
	recordSeparator                           = string(rune(30))
)

var notifierRetryDelay = 5 * time.Second

// NotifyHandlers are the in-process reactions to notifications, whether
// raised locally or received from another instance.
type NotifyHandlers struct {
	MemberQueued         func(ctx context.Context, memberID string)
	RuntimeConfigUpdated func(ctx context.Context)
}

func (h NotifyHandlers) memberQueued(ctx context.Context, memberID string) {
	if h.MemberQueued != nil {
		h.MemberQueued(ctx, memberID)
	}
}

func (h NotifyHandlers) runtimeConfigUpdated(ctx context.Context) {
	if h.RuntimeConfigUpdated != nil {
		h.RuntimeConfigUpdated(ctx)
	}
}

// DBNotifier announces database changes to this and other bot
// instances. With sqlite there is only one instance, so notifications
// are delivered in-process. With postgres they also go out over
// LISTEN/NOTIFY.
type DBNotifier interface {
	// ID identifies this notifier, so it can ignore its own notifications.
	ID() string

	// MemberQueued announces a member was queued for reconciliation.
	MemberQueued(ctx context.Context, memberID string) bool

	// RuntimeConfigUpdated announces the RuntimeConfig row changed.
	RuntimeConfigUpdated(ctx context.Context) bool

	// Listen blocks, delivering notifications from other instances,
	// until ctx is done.
	Listen(ctx context.Context) error
}

func newDBNotifier(
	databaseType string,
	db DBI,
	dsn string,
	handlers NotifyHandlers,
	logger *slog.Logger,
) (DBNotifier, error) {
	log := logger.With(loggerNameKey, "db_notifier")
	id := uuid.NewString()
	switch databaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{id: id, handlers: handlers, logger: log}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			id:       id,
			db:       db,
			dsn:      dsn,
			handlers: handlers,
			logger:   log,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

type sqliteNotifier struct {
	id       string
	handlers NotifyHandlers
	logger   *slog.Logger
}

func (s *sqliteNotifier) ID() string {
	return s.id
}

func (s *sqliteNotifier) MemberQueued(ctx context.Context, memberID string) bool {
	s.logger.DebugContext(ctx, "member queued", "member_id", memberID)
	s.handlers.memberQueued(ctx, memberID)
	return true
}

func (s *sqliteNotifier) RuntimeConfigUpdated(ctx context.Context) bool {
	s.handlers.runtimeConfigUpdated(ctx)
	return true
}

func (s *sqliteNotifier) Listen(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type postgresNotifier struct {
	id       string
	db       DBI
	dsn      string
	handlers NotifyHandlers
	logger   *slog.Logger
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (p *postgresNotifier) notify(ctx context.Context, channel string, payload string) bool {
	err := p.db.DB().WithContext(ctx).Exec("SELECT pg_notify(?, ?)", channel, payload).Error
	if err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY", "channel", channel, tint.Err(err))
		return false
	}
	p.logger.DebugContext(ctx, "sent notification", "channel", channel, "pg_notify_id", p.id)
	return true
}

func (p *postgresNotifier) MemberQueued(ctx context.Context, memberID string) bool {
	p.handlers.memberQueued(ctx, memberID)
	return p.notify(
		ctx,
		postgresNotifyChannelMemberQueued,
		newMemberQueuedPayload(p.id, memberID),
	)
}

func (p *postgresNotifier) RuntimeConfigUpdated(ctx context.Context) bool {
	return p.notify(ctx, postgresNotifyChannelRuntimeConfigUpdated, p.id)
}

// Listen holds a dedicated connection LISTENing on every channel and
// dispatches notifications from other instances to the handlers.
func (p *postgresNotifier) Listen(ctx context.Context) error {
	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	for _, channel := range []string{
		postgresNotifyChannelMemberQueued,
		postgresNotifyChannelRuntimeConfigUpdated,
	} {
		if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
			return fmt.Errorf("error listening on %s: %w", channel, err)
		}
	}
	p.logger.InfoContext(ctx, "listening for notifications", "pg_notify_id", p.id)

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(notifierRetryDelay):
			}
			continue
		}

		logger := p.logger.With("channel", notification.Channel)
		switch notification.Channel {
		case postgresNotifyChannelMemberQueued:
			notifierID, memberID := parseMemberQueuedPayload(notification.Payload)
			if notifierID == p.id {
				continue
			}
			logger.DebugContext(ctx, "member queued by another instance", "member_id", memberID)
			p.handlers.memberQueued(ctx, memberID)
		case postgresNotifyChannelRuntimeConfigUpdated:
			if notification.Payload == p.id {
				continue
			}
			logger.InfoContext(ctx, "runtime config updated by another instance")
			p.handlers.runtimeConfigUpdated(ctx)
		default:
			logger.Warn("received unknown notification")
		}
	}
	return nil
}

func newMemberQueuedPayload(notifierID string, memberID string) string {
	return strings.Join([]string{notifierID, memberID}, recordSeparator)
}

func parseMemberQueuedPayload(s string) (notifierID, memberID string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}
