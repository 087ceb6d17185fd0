package walle

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"
)

const (
	apiPrefix               = "/api"
	apiHealthCheck          = "/healthz"
	apiPathLeaderboard      = "/leaderboard"
	apiPathMember           = "/members/:id"
	apiPathMemberActivity   = "/members/:id/activity"
	apiPathMemberBackfill   = "/members/:id/backfill"
	apiPathMemberProfile    = "/members/:id/profile"
	apiPathMemberVisibility = "/members/:id/visibility"
	apiPathLevels           = "/levels"
	apiPathLevelRole        = "/levels/:number/role"
	apiPathBucket           = "/buckets/:bucket"
	apiPathReconcileTick    = "/reconcile/tick"
	apiPathConfig           = "/config"
	apiPathCommandStats     = "/command_stats"
	apiPathEmbedAvatars     = "/embed_avatars"
)

const (
	xRequestIDHeader = "X-Request-ID"

	defaultPageLimit     = 25
	leaderboardRankLimit = 4
	apiNotifyTimeout     = 30 * time.Second
)

var (
	structValidator = validator.New()
)

// API serves the leveling and reconciliation admin/ingest endpoints.
//
// Fields:
//   - config: Configuration for the API server.
//   - httpServer: The underlying HTTP server.
//   - listener: Network listener, set on the first call to Serve.
//   - engine: Gin engine for routing HTTP requests.
//   - activityLimiter: Paces activity ingestion across all members.
//   - logger: Logger for API-related events.
//   - handlers: API request handlers.
type API struct {
	config          *APIConfig
	httpServer      *http.Server
	listener        net.Listener
	engine          *gin.Engine
	activityLimiter *rate.Limiter
	logger          *slog.Logger

	handlers *APIHandlers
}

// newAPI builds the gin engine and HTTP server for w.
func newAPI(w *WallE, config *APIConfig) (*API, error) {
	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.ContextWithFallback = true

	limit := rate.Inf
	if config.ActivityRequestsPerSecond > 0 {
		limit = rate.Limit(config.ActivityRequestsPerSecond)
	}
	api := &API{
		config:          config,
		engine:          r,
		activityLimiter: rate.NewLimiter(limit, max(1, int(config.ActivityRequestsPerSecond))),
		logger:          slog.New(newHandler(config.LogLevel)).With(loggerNameKey, "api"),
	}
	handlers := NewAPIHandlers(w, api)
	api.handlers = handlers

	var tlsCfg *tls.Config
	if config.SSL.Enabled() {
		cfg, e := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		tlsCfg = cfg
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowOriginFunc = nil
		corsConfig.AllowAllOrigins = false
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, handlers.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret, api.logger))

	protected.GET(apiPathLeaderboard, handlers.getLeaderboard)
	protected.GET(apiPathMember, handlers.getMember)
	protected.POST(apiPathMemberActivity, handlers.postActivity)
	protected.POST(apiPathMemberBackfill, handlers.postBackfill)
	protected.POST(apiPathMemberProfile, handlers.postProfile)
	protected.PUT(apiPathMemberVisibility, handlers.putVisibility)

	protected.GET(apiPathLevels, handlers.getLevels)
	protected.PUT(apiPathLevelRole, handlers.bindLevelRole)
	protected.PATCH(apiPathLevelRole, handlers.renameLevelRole)
	protected.DELETE(apiPathLevelRole, handlers.unbindLevelRole)

	protected.GET(apiPathBucket, handlers.getBucket)
	protected.POST(apiPathReconcileTick, handlers.reconcileTick)

	protected.GET(apiPathConfig, handlers.getConfig)
	protected.PATCH(apiPathConfig, handlers.updateRuntimeConfig)

	protected.GET(apiPathCommandStats, handlers.getCommandStats)
	protected.POST(apiPathCommandStats, handlers.postCommandStat)

	protected.GET(apiPathEmbedAvatars, handlers.getEmbedAvatar)
	protected.POST(apiPathEmbedAvatars, handlers.postEmbedAvatar)

	return api, nil
}

// Serve listens on the configured address and serves until the server
// is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// Shutdown gracefully stops the HTTP server.
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// APIHandlers holds the route handlers.
type APIHandlers struct {
	w   *WallE
	api *API
}

func NewAPIHandlers(w *WallE, api *API) *APIHandlers {
	return &APIHandlers{w: w, api: api}
}

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

type healthCheckResponse struct {
	Paused         bool  `json:"paused"`
	NextBucket     int   `json:"next_bucket"`
	LastTickAt     int64 `json:"last_tick_at"`
	QueuedMembers  int64 `json:"queued_members"`
	DiscordEnabled bool  `json:"discord_enabled"`
	Scheduler      bool  `json:"scheduler"`
}

type memberResponse struct {
	MemberProgress
	Rank     int64 `json:"rank"`
	XPToNext int64 `json:"xp_to_next"`
}

type activityResponse struct {
	LevelUp *LevelUpEvent   `json:"level_up,omitempty"`
	Member  *MemberProgress `json:"member"`
}

type backfillPayload struct {
	Points       int64 `json:"points" binding:"min=0"`
	MessageCount int64 `json:"message_count" binding:"min=0"`

	// LastXPAt is a unix milli timestamp
	LastXPAt int64 `json:"last_xp_at" binding:"min=0"`
}

type profileResponse struct {
	Queued bool `json:"queued"`
}

type visibilityPayload struct {
	Hidden *bool `json:"hidden" binding:"required"`
}

type levelRolePayload struct {
	RoleID   string `json:"role_id" binding:"required"`
	RoleName string `json:"role_name" binding:"required"`
}

type levelRenamePayload struct {
	RoleName string `json:"role_name" binding:"required"`
}

type bucketResponse struct {
	Bucket  int      `json:"bucket"`
	Members []string `json:"members"`
}

type commandStatPayload struct {
	// EpochTime is the unix milli invocation time. Defaults to now.
	EpochTime         int64  `json:"epoch_time" binding:"min=0"`
	ChannelName       string `json:"channel_name"`
	Command           string `json:"command" binding:"required"`
	InvokedWith       string `json:"invoked_with" binding:"required"`
	InvokedSubcommand string `json:"invoked_subcommand"`
}

type commandStatsQuery struct {
	Group []string `form:"group"`
}

type embedAvatarQuery struct {
	URL string `form:"url" binding:"required,url"`
}

type embedAvatarPayload struct {
	URL string `json:"url" binding:"required,url"`
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrMemberNotFound), errors.Is(err, ErrLevelNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRoleAlreadyBound), errors.Is(err, ErrMemberExists):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidStatFilter):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ginReplyError logs err and aborts with the status errorStatus maps it
// to. Server errors are reported to the client as msg.
func ginReplyError(c *gin.Context, err error, msg string) {
	status := errorStatus(err)
	logger := ginContextLogger(c)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(c, msg, tint.Err(err))
		c.AbortWithStatusJSON(status, httpError{Error: msg})
		return
	}
	logger.WarnContext(c, msg, tint.Err(err))
	c.AbortWithStatusJSON(status, httpError{Error: err.Error()})
}

// ginBadRequest aborts with HTTP 400.
func ginBadRequest(c *gin.Context, err error) {
	ginContextLogger(c).WarnContext(c, "bad request", tint.Err(err))
	c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
}

// healthCheck reports scheduler state. It's unauthenticated.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	rc := h.w.runtimeConfig.Get()
	queued, err := h.w.reconciler.QueuedCount(c)
	if err != nil {
		ginReplyError(c, err, "error counting queued members")
		return
	}
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:         rc.Paused,
			NextBucket:     rc.NextBucket,
			LastTickAt:     rc.LastTickAt,
			QueuedMembers:  queued,
			DiscordEnabled: h.w.discord != nil,
			Scheduler:      h.w.scheduler != nil,
		},
	)
}

// getLeaderboard returns non-hidden members by points, with ranks.
//
// Responses:
//   - 200 OK: The requested page.
//   - 400 Bad Request: If the query parameters are invalid.
func (h *APIHandlers) getLeaderboard(c *gin.Context) {
	var pagination Pagination
	if err := c.ShouldBindQuery(&pagination); err != nil {
		ginBadRequest(c, err)
		return
	}
	if pagination.Limit == 0 {
		pagination.Limit = defaultPageLimit
	}

	members, err := h.w.ledger.Leaderboard(c, pagination.Limit, pagination.Offset)
	if err != nil {
		ginReplyError(c, err, "error getting leaderboard")
		return
	}

	entries := make([]memberResponse, len(members))
	g, ctx := errgroup.WithContext(c)
	g.SetLimit(leaderboardRankLimit)
	for i, m := range members {
		g.Go(
			func() error {
				rank, e := h.w.ledger.Rank(ctx, m.MemberID)
				if e != nil {
					return e
				}
				entries[i] = memberResponse{MemberProgress: m, Rank: rank}
				if threshold, ok := h.w.ledger.Levels().Threshold(m.Level); ok {
					entries[i].XPToNext = threshold.XPToNext
				}
				return nil
			},
		)
	}
	if err = g.Wait(); err != nil {
		ginReplyError(c, err, "error ranking members")
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *APIHandlers) memberResponse(ctx context.Context, memberID string) (memberResponse, error) {
	m, err := h.w.ledger.Member(ctx, memberID)
	if err != nil {
		return memberResponse{}, err
	}
	rank, err := h.w.ledger.Rank(ctx, memberID)
	if err != nil {
		return memberResponse{}, err
	}
	rv := memberResponse{MemberProgress: *m, Rank: rank}
	if threshold, ok := h.w.ledger.Levels().Threshold(m.Level); ok {
		rv.XPToNext = threshold.XPToNext
	}
	return rv, nil
}

func (h *APIHandlers) getMember(c *gin.Context) {
	rv, err := h.memberResponse(c, c.Param("id"))
	if err != nil {
		ginReplyError(c, err, "error getting member")
		return
	}
	c.JSON(http.StatusOK, rv)
}

// postActivity records a unit of qualifying activity for the member.
//
// Responses:
//   - 200 OK: The member after the grant (or cooldown skip), with the
//     level-up event if one occurred.
//   - 429 Too Many Requests: If the activity rate limit is exceeded.
func (h *APIHandlers) postActivity(c *gin.Context) {
	if !h.api.activityLimiter.Allow() {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "rate limit exceeded"})
		return
	}
	memberID := c.Param("id")
	event, err := h.w.ledger.GrantActivity(c, memberID, time.Now())
	if err != nil {
		ginReplyError(c, err, "error granting activity")
		return
	}
	m, err := h.w.ledger.Member(c, memberID)
	if err != nil {
		ginReplyError(c, err, "error getting member")
		return
	}
	c.JSON(http.StatusOK, activityResponse{LevelUp: event, Member: m})
}

func (h *APIHandlers) postBackfill(c *gin.Context) {
	var payload backfillPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		ginBadRequest(c, err)
		return
	}
	var lastXP time.Time
	if payload.LastXPAt > 0 {
		lastXP = time.UnixMilli(payload.LastXPAt)
	}
	m, err := h.w.ledger.Backfill(c, c.Param("id"), payload.Points, payload.MessageCount, lastXP)
	if err != nil {
		ginReplyError(c, err, "error backfilling member")
		return
	}
	c.JSON(http.StatusCreated, m)
}

// postProfile queues the member for reconciliation if the observed
// profile differs from the stored one.
func (h *APIHandlers) postProfile(c *gin.Context) {
	var observed Profile
	if err := c.ShouldBindJSON(&observed); err != nil {
		ginBadRequest(c, err)
		return
	}
	queued, err := h.w.reconciler.MarkDirty(c, c.Param("id"), observed)
	if err != nil {
		ginReplyError(c, err, "error queueing member")
		return
	}
	status := http.StatusOK
	if queued {
		status = http.StatusAccepted
	}
	c.JSON(status, profileResponse{Queued: queued})
}

func (h *APIHandlers) putVisibility(c *gin.Context) {
	var payload visibilityPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		ginBadRequest(c, err)
		return
	}
	memberID := c.Param("id")
	if err := h.w.ledger.SetHidden(c, memberID, *payload.Hidden); err != nil {
		ginReplyError(c, err, "error updating visibility")
		return
	}
	rv, err := h.memberResponse(c, memberID)
	if err != nil {
		ginReplyError(c, err, "error getting member")
		return
	}
	c.JSON(http.StatusOK, rv)
}

func (h *APIHandlers) getLevels(c *gin.Context) {
	c.JSON(http.StatusOK, h.w.levels.Table().Levels())
}

func levelParam(c *gin.Context) (int, bool) {
	level, err := strconv.Atoi(c.Param("number"))
	if err != nil || level < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: "invalid level number"})
		return 0, false
	}
	return level, true
}

func (h *APIHandlers) bindLevelRole(c *gin.Context) {
	level, ok := levelParam(c)
	if !ok {
		return
	}
	var payload levelRolePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		ginBadRequest(c, err)
		return
	}
	updated, err := h.w.levels.BindRole(c, level, payload.RoleID, payload.RoleName)
	if err != nil {
		ginReplyError(c, err, "error binding role")
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *APIHandlers) renameLevelRole(c *gin.Context) {
	level, ok := levelParam(c)
	if !ok {
		return
	}
	var payload levelRenamePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		ginBadRequest(c, err)
		return
	}
	updated, err := h.w.levels.RenameRole(c, level, payload.RoleName)
	if err != nil {
		ginReplyError(c, err, "error renaming role")
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *APIHandlers) unbindLevelRole(c *gin.Context) {
	level, ok := levelParam(c)
	if !ok {
		return
	}
	updated, err := h.w.levels.UnbindRole(c, level)
	if err != nil {
		ginReplyError(c, err, "error removing role")
		return
	}
	c.JSON(http.StatusOK, updated)
}

// getBucket lists the members of a bucket currently due for
// reconciliation.
func (h *APIHandlers) getBucket(c *gin.Context) {
	bucket, err := strconv.Atoi(c.Param("bucket"))
	if err != nil || bucket < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: "invalid bucket"})
		return
	}
	ids, err := h.w.reconciler.DueMembers(c, bucket)
	if err != nil {
		ginReplyError(c, err, "error selecting bucket")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, bucketResponse{Bucket: bucket, Members: ids})
}

// reconcileTick runs a scheduler pass immediately. With ?queue=true the
// queue is drained instead of advancing the bucket pointer.
//
// Responses:
//   - 200 OK: The TickReport.
//   - 503 Service Unavailable: If no scheduler is configured.
func (h *APIHandlers) reconcileTick(c *gin.Context) {
	if h.w.scheduler == nil {
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			httpError{Error: "profile scheduler is not configured"},
		)
		return
	}
	var (
		report TickReport
		err    error
	)
	if drain, _ := strconv.ParseBool(c.Query("queue")); drain {
		report, err = h.w.scheduler.DrainQueue(c)
	} else {
		report, err = h.w.scheduler.Tick(c)
	}
	if err != nil {
		ginReplyError(c, err, "error running reconciliation")
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.w.runtimeConfig.Get())
}

// updateRuntimeConfig applies a partial RuntimeConfig update and
// announces it to other instances.
//
// Responses:
//   - 200 OK: The updated runtime configuration.
//   - 400 Bad Request: If the request payload is invalid.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		ginBadRequest(c, err)
		return
	}
	if err := structValidator.Struct(update); err != nil {
		ginBadRequest(c, err)
		return
	}
	if update.NextBucket != nil && *update.NextBucket >= h.w.config.Reconciler.BucketCount {
		ginBadRequest(
			c,
			fmt.Errorf("next_bucket must be < %d", h.w.config.Reconciler.BucketCount),
		)
		return
	}
	rc, err := h.w.runtimeConfig.Update(c, update)
	if err != nil {
		ginReplyError(c, err, "error updating runtime config")
		return
	}
	c.JSON(http.StatusOK, rc)

	if h.w.dbNotifier != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c), apiNotifyTimeout)
		defer cancel()
		h.w.dbNotifier.RuntimeConfigUpdated(ctx)
	}
}

// getCommandStats returns command usage counts grouped by the columns
// given in the repeated `group` query parameter.
func (h *APIHandlers) getCommandStats(c *gin.Context) {
	var query commandStatsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		ginBadRequest(c, err)
		return
	}
	var groups []string
	for _, g := range query.Group {
		for _, col := range strings.Split(g, ",") {
			if col = strings.TrimSpace(col); col != "" {
				groups = append(groups, col)
			}
		}
	}
	counts, err := h.w.commandStats.Counts(c, groups...)
	if err != nil {
		ginReplyError(c, err, "error counting command stats")
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *APIHandlers) postCommandStat(c *gin.Context) {
	var payload commandStatPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		ginBadRequest(c, err)
		return
	}
	at := time.Now()
	if payload.EpochTime > 0 {
		at = time.UnixMilli(payload.EpochTime)
	}
	stat := NewCommandStat(
		at,
		h.w.commandStats.Location(),
		payload.ChannelName,
		payload.Command,
		payload.InvokedWith,
		payload.InvokedSubcommand,
	)
	if err := h.w.commandStats.Record(c, &stat); err != nil {
		ginReplyError(c, err, "error recording command stat")
		return
	}
	c.JSON(http.StatusCreated, stat)
}

func (h *APIHandlers) getEmbedAvatar(c *gin.Context) {
	var query embedAvatarQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		ginBadRequest(c, err)
		return
	}
	avatar, err := h.w.embedAvatars.GetByURL(c, query.URL)
	if err != nil {
		ginReplyError(c, err, "error getting embed avatar")
		return
	}
	if avatar == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "embed avatar not found"})
		return
	}
	c.JSON(http.StatusOK, avatar)
}

// postEmbedAvatar returns the permanent copy of an avatar URL, mirroring
// it first if needed.
func (h *APIHandlers) postEmbedAvatar(c *gin.Context) {
	var payload embedAvatarPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		ginBadRequest(c, err)
		return
	}
	avatar, err := h.w.embedAvatars.Permanent(c, payload.URL)
	if err != nil {
		ginReplyError(c, err, "error mirroring embed avatar")
		return
	}
	c.JSON(http.StatusOK, avatar)
}

// authMiddleware requires `Authorization: Bearer <secret>` on every
// request. An empty secret disables the check.
func authMiddleware(secret string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			logger.WarnContext(c, "unauthorized request", "remote_ip", c.RemoteIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns each request a UUID, echoed back in the
// X-Request-ID header. An incoming X-Request-ID is kept.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it completes.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)
		c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), requestLogger))

		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// structLevel adapts a func(reflect.Value) any validator, which returns
// a non-nil message for an invalid value, to a validator.StructLevelFunc.
func structLevel(fn func(reflect.Value) any) validator.StructLevelFunc {
	return func(sl validator.StructLevel) {
		if msg := fn(sl.Current()); msg != nil {
			sl.ReportError(sl.Current().Interface(), sl.Current().Type().Name(), "", fmt.Sprint(msg), "")
		}
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(
		structLevel(validateReconcilerConfig),
		ReconcilerConfig{},
	)
	structValidator.RegisterStructValidation(
		structLevel(validateRuntimeConfigUpdate),
		RuntimeConfigUpdate{},
	)
}
