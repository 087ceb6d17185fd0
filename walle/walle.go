package walle

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync"
	"time"
	_ "time/tzdata"
)

var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

const runtimeConfigRefreshTimeout = 30 * time.Second

// WallE wires the leveling ledger, the profile reconciliation scheduler
// and their collaborators together.
type WallE struct {
	config *Config
	logger *slog.Logger

	db            DBI
	levels        *LevelStore
	ledger        *Ledger
	reconciler    *Reconciler
	scheduler     *ProfileScheduler
	runtimeConfig *RuntimeConfigStore
	commandStats  *CommandStats
	embedAvatars  *EmbedAvatars
	dbNotifier    DBNotifier

	// discord is nil when no token/guild is configured
	discord        *Discord
	discordSession DiscordSessionHandler

	api *API

	// runMu prevents concurrent runs
	runMu sync.Mutex

	// signalReady receives once Run has finished initializing
	signalReady chan struct{}

	triggerRuntimeConfigRefreshCh chan struct{}
}

// New validates config and builds a WallE. Nothing is opened or
// started until Run.
func New(config *Config) (*WallE, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.Discord.AvatarFetchTimeout}
	}

	w := &WallE{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan struct{}, 1),
	}
	w.logger = slog.New(newHandler(config.LogLevel))
	slog.SetDefault(w.logger)

	if config.Discord.Enabled() {
		discordHandler := newHandler(config.Discord.LogLevel)
		discordgo.Logger = discordgoLoggerFunc(
			context.Background(),
			newHandler(config.Discord.DiscordGoLogLevel),
		)
		session, err := newSession(config.Discord, config.HTTPClient, slog.New(discordHandler))
		if err != nil {
			return nil, err
		}
		w.discordSession = session
		w.discord = newDiscord(session, config.Discord, slog.New(discordHandler))
	}

	if config.API.Enabled {
		api, err := newAPI(w, config.API)
		if err != nil {
			return nil, err
		}
		w.api = api
	}
	return w, nil
}

// Ready receives once after Run has finished initializing.
func (w *WallE) Ready() <-chan struct{} {
	return w.signalReady
}

// initDB opens and migrates the database, and creates the stores backed
// by it.
func (w *WallE) initDB(ctx context.Context) error {
	logger := loggerOrDefault(ctx, w.logger)

	db, err := CreateDB(ctx, w.config.DatabaseType, w.config.Database)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	db.Logger = newGORMLogger(newHandler(w.config.DatabaseLogLevel), w.config.DatabaseSlowThreshold)
	w.db = NewDatabase(db, w.logger, w.config.DatabaseType == dbTypePostgres)

	imported, err := LevelsImported(ctx, db)
	if err != nil {
		return err
	}
	if !imported {
		count, e := PopulateLevels(ctx, w.db, w.config.Leveling.MaxLevel)
		if e != nil {
			return fmt.Errorf("error populating levels: %w", e)
		}
		logger.InfoContext(ctx, "populated levels", "count", count)
	}

	levels, err := NewLevelStore(ctx, w.db, w.logger)
	if err != nil {
		return err
	}
	w.levels = levels

	runtimeConfig, err := NewRuntimeConfigStore(ctx, w.db, w.config.Reconciler.BucketCount, w.logger)
	if err != nil {
		return err
	}
	runtimeConfig.OnChange = func(rc RuntimeConfig) {
		setRuntimeLevels(w.config, rc)
		if w.discordSession != nil && rc.DiscordGoLogLevel != "" {
			_ = w.discordSession.SetLogLevel(rc.DiscordGoLogLevel.Level())
		}
	}
	setRuntimeLevels(w.config, runtimeConfig.Get())
	w.runtimeConfig = runtimeConfig
	return nil
}

// initComponents builds the ledger, reconciler and scheduler on top of
// the opened database.
func (w *WallE) initComponents() {
	w.ledger = NewLedger(w.db, w.levels, *w.config.Leveling, w.logger)
	w.ledger.Buckets = HashBuckets{Count: w.config.Reconciler.BucketCount}

	var (
		mirror  MirrorChannel
		avatars AvatarFetcher
	)
	if w.discord != nil {
		w.ledger.OnLevelUp = w.discord
		if w.config.Discord.MirrorChannelID != "" {
			mirror = w.discord
			avatars = httpAvatarFetcher{client: w.config.HTTPClient}
		}
	}

	w.reconciler = NewReconciler(w.db, w.config.Reconciler.RetryPolicy(), mirror, avatars, w.logger)
	w.commandStats = NewCommandStats(w.db, w.config.Location(), w.logger)
	w.embedAvatars = NewEmbedAvatars(w.db, mirror, avatars, w.logger)

	if w.discord != nil {
		w.scheduler = NewProfileScheduler(
			w.reconciler,
			w.discord,
			w.runtimeConfig,
			*w.config.Reconciler,
			w.logger,
		)
	}
}

// Run opens the database, starts the API server, profile scheduler and
// notification listener, and blocks until ctx is canceled. Shutdown
// waits up to ShutdownTimeout for in-flight work.
func (w *WallE) Run(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	logger := w.logger
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", w.config))

	runtimeWG := &sync.WaitGroup{}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, w.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- w.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if w.api != nil {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			httpErr := w.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
				cancel()
			}
		}()
	}

	schedulerDone := make(chan struct{})
	if w.scheduler != nil && w.config.Reconciler.Enabled {
		go func() {
			defer close(schedulerDone)
			w.scheduler.Run(ctx)
		}()
	} else {
		close(schedulerDone)
		logger.WarnContext(ctx, "profile scheduler disabled")
	}

	w.startRuntimeConfigRefresher(ctx, runtimeWG)

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := w.dbNotifier.Listen(ctx); e != nil {
			logger.ErrorContext(ctx, "error listening for notifications", tint.Err(e))
		}
	}()

	select {
	case w.signalReady <- struct{}{}:
	default:
	}

	<-ctx.Done()
	return w.shutdown(runtimeWG, schedulerDone)
}

func (w *WallE) initRun(ctx context.Context) error {
	if err := w.initDB(ctx); err != nil {
		return err
	}
	w.initComponents()

	handlers := NotifyHandlers{
		RuntimeConfigUpdated: func(context.Context) {
			w.RefreshRuntimeConfig()
		},
	}
	if w.scheduler != nil {
		handlers.MemberQueued = func(ctx context.Context, memberID string) {
			w.scheduler.MemberQueued(ctx, memberID)
		}
	}
	notifier, err := newDBNotifier(
		w.config.DatabaseType,
		w.db,
		w.config.Database,
		handlers,
		w.logger,
	)
	if err != nil {
		return err
	}
	w.dbNotifier = notifier
	w.reconciler.Notifier = notifier

	if _, err = w.reconciler.QueuedCount(ctx); err != nil {
		return fmt.Errorf("error reading reconciliation queue: %w", err)
	}
	if w.scheduler != nil {
		// catch up with anything queued while we were down
		w.scheduler.Wake()
	}
	return nil
}

// RefreshRuntimeConfig asks the refresher to reload the runtime config.
// Never blocks.
func (w *WallE) RefreshRuntimeConfig() {
	select {
	case w.triggerRuntimeConfigRefreshCh <- struct{}{}:
	default:
	}
}

func (w *WallE) startRuntimeConfigRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	ttl := w.config.RuntimeConfigTTL

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		var tick <-chan time.Time
		if ttl > 0 {
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-tick:
				if !w.runtimeConfig.Stale(ttl) {
					continue
				}
			case <-w.triggerRuntimeConfigRefreshCh:
			}
			refreshCtx, refreshCancel := context.WithTimeout(ctx, runtimeConfigRefreshTimeout)
			if err := w.runtimeConfig.Reload(refreshCtx); err != nil {
				w.logger.ErrorContext(ctx, "error refreshing runtime config", tint.Err(err))
			} else {
				w.logger.InfoContext(ctx, "refreshed runtime config")
			}
			refreshCancel()
		}
	}()
}

// shutdown waits for the API server, the scheduler's in-flight members
// and background workers, up to ShutdownTimeout.
func (w *WallE) shutdown(runtimeWG *sync.WaitGroup, schedulerDone <-chan struct{}) error {
	shutdownStart := time.Now()
	timeout := w.config.ShutdownTimeout
	w.logger.Warn("shutting down", "shutdown_timeout", timeout)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), timeout)
	defer closeCancel()

	var errs []error
	if w.api != nil {
		if err := w.api.Shutdown(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down api: %w", err))
		}
	}

	select {
	case <-schedulerDone:
	case <-closeCtx.Done():
		errs = append(errs, errors.New("profile scheduler did not stop in time"))
	}

	stopped := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-closeCtx.Done():
		errs = append(errs, errors.New("background workers did not stop in time"))
	}

	if w.db != nil {
		if sqlDB, err := w.db.DB().DB(); err == nil {
			if e := sqlDB.Close(); e != nil {
				errs = append(errs, fmt.Errorf("error closing database: %w", e))
			}
		}
	}
	w.logger.Info("shutdown complete", "duration", time.Since(shutdownStart))
	return errors.Join(errs...)
}
