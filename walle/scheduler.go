package walle

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const bucketUpdateBatchSize = 500

// BucketAssigner picks the reconciliation bucket for a member.
type BucketAssigner interface {
	Assign(memberID string) int
}

// HashBuckets assigns buckets by FNV-1a hash of the member ID, so a
// member always lands in the same bucket for a given Count.
type HashBuckets struct {
	Count int
}

func (h HashBuckets) Assign(memberID string) int {
	if h.Count <= 1 {
		return 0
	}
	f := fnv.New32a()
	_, _ = f.Write([]byte(memberID))
	return int(f.Sum32() % uint32(h.Count))
}

// RoundRobinBuckets deals members into buckets in the order they are
// assigned. Bucket sizes differ by at most one.
type RoundRobinBuckets struct {
	Count int
	next  atomic.Uint64
}

func (r *RoundRobinBuckets) Assign(string) int {
	if r.Count <= 1 {
		return 0
	}
	return int((r.next.Add(1) - 1) % uint64(r.Count))
}

// AssignBuckets recomputes every member's bucket with assigner, in
// member ID order, and writes the ones that changed. Returns the number
// of members moved.
func AssignBuckets(ctx context.Context, db DBI, assigner BucketAssigner) (int64, error) {
	type row struct {
		MemberID string
		Bucket   int
	}
	var rows []row
	err := db.DB().WithContext(ctx).
		Model(&MemberProgress{}).
		Select(columnMemberID, columnMemberBucket).
		Order(columnMemberID).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}

	moves := map[int][]string{}
	for _, r := range rows {
		if b := assigner.Assign(r.MemberID); b != r.Bucket {
			moves[b] = append(moves[b], r.MemberID)
		}
	}
	if len(moves) == 0 {
		return 0, nil
	}

	var moved int64
	err = db.Transaction(
		ctx, func(tx *gorm.DB) error {
			for bucket, ids := range moves {
				for _, batch := range chunkItems(bucketUpdateBatchSize, ids...) {
					rv := tx.Model(&MemberProgress{}).
						Where(columnMemberID+" IN ?", batch).
						Update(columnMemberBucket, bucket)
					if rv.Error != nil {
						return rv.Error
					}
					moved += rv.RowsAffected
				}
			}
			return nil
		},
	)
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// SchedulerState persists the scheduler's bucket pointer across
// restarts.
type SchedulerState interface {
	NextBucket(ctx context.Context) (int, error)
	AdvanceBucket(ctx context.Context, next int, at time.Time) error
	Paused() bool
}

// TickReport summarizes one pass over a bucket or the queue.
type TickReport struct {
	Bucket    int           `json:"bucket"`
	Members   int           `json:"members"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Elapsed   time.Duration `json:"elapsed"`
	Results   []Result      `json:"results,omitempty"`
}

func (t TickReport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("bucket", t.Bucket),
		slog.Int("members", t.Members),
		slog.Int("updated", t.Updated),
		slog.Int("unchanged", t.Unchanged),
		slog.Int("failed", t.Failed),
		slog.Int("skipped", t.Skipped),
		slog.Duration("elapsed", t.Elapsed),
	)
}

// Err joins the errors of all failed results.
func (t TickReport) Err() error {
	var errs []error
	for _, r := range t.Results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.MemberID, r.Err))
		}
	}
	return errors.Join(errs...)
}

// ProfileScheduler walks the reconciliation buckets, one per tick, and
// drains queued members when woken.
//
// Fields:
//   - reconciler: Applies observed profiles.
//   - directory: Source of current profiles.
//   - state: Persisted bucket pointer and pause flag.
//   - config: Bucket count, tick interval, timeouts and concurrency.
//   - limiter: Paces directory lookups. Unlimited when the configured
//     rate is 0.
//   - wake: Buffered signal to drain the queue ahead of the next tick.
//   - mu: Ensures only one pass runs at a time.
type ProfileScheduler struct {
	reconciler *Reconciler
	directory  DirectoryClient
	state      SchedulerState
	config     ReconcilerConfig
	limiter    *rate.Limiter
	wake       chan struct{}
	logger     *slog.Logger
	mu         sync.Mutex
}

func NewProfileScheduler(
	reconciler *Reconciler,
	directory DirectoryClient,
	state SchedulerState,
	config ReconcilerConfig,
	logger *slog.Logger,
) *ProfileScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if config.DirectoryRequestsPerSecond > 0 {
		limit = rate.Limit(config.DirectoryRequestsPerSecond)
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.BucketCount < 1 {
		config.BucketCount = 1
	}
	return &ProfileScheduler{
		reconciler: reconciler,
		directory:  directory,
		state:      state,
		config:     config,
		limiter:    rate.NewLimiter(limit, 1),
		wake:       make(chan struct{}, 1),
		logger:     logger.With(loggerNameKey, "profile_scheduler"),
	}
}

// Wake asks a running scheduler to drain the queue. Never blocks.
func (s *ProfileScheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// MemberQueued implements QueueNotifier by waking the scheduler.
func (s *ProfileScheduler) MemberQueued(_ context.Context, _ string) bool {
	s.Wake()
	return true
}

// Tick reconciles every due member of the bucket the persisted pointer
// refers to, then advances the pointer. Individual member failures are
// counted in the report and never abort the tick; the returned error is
// only set when the bucket couldn't be selected or the pointer couldn't
// be saved.
func (s *ProfileScheduler) Tick(ctx context.Context) (TickReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, err := s.state.NextBucket(ctx)
	if err != nil {
		return TickReport{}, fmt.Errorf("error reading bucket pointer: %w", err)
	}
	bucket %= s.config.BucketCount
	if bucket < 0 {
		bucket += s.config.BucketCount
	}

	ids, err := s.reconciler.DueMembers(ctx, bucket)
	if err != nil {
		return TickReport{Bucket: bucket}, fmt.Errorf("error selecting bucket %d: %w", bucket, err)
	}

	report := s.process(ctx, ids)
	report.Bucket = bucket

	next := (bucket + 1) % s.config.BucketCount
	if err = s.state.AdvanceBucket(ctx, next, time.Now()); err != nil {
		return report, fmt.Errorf("error saving bucket pointer: %w", err)
	}
	s.logger.InfoContext(ctx, "bucket reconciled", "report", report, "next_bucket", next)
	return report, nil
}

// DrainQueue reconciles up to QueueBatchSize queued members.
func (s *ProfileScheduler) DrainQueue(ctx context.Context) (TickReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.reconciler.QueuedMembers(ctx, s.config.QueueBatchSize)
	if err != nil {
		return TickReport{Bucket: -1}, fmt.Errorf("error selecting queued members: %w", err)
	}
	report := s.process(ctx, ids)
	report.Bucket = -1
	if report.Members > 0 {
		s.logger.InfoContext(ctx, "queue drained", "report", report)
	}
	return report, nil
}

// process reconciles ids with bounded concurrency. Members not started
// before ctx is done are counted as skipped.
func (s *ProfileScheduler) process(ctx context.Context, ids []string) TickReport {
	start := time.Now()
	results := make([]Result, len(ids))

	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)
	for i, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(
			func() error {
				if ctx.Err() != nil {
					return nil
				}
				results[i] = s.reconcileOne(ctx, id)
				return nil
			},
		)
	}
	_ = g.Wait()

	report := TickReport{Members: len(ids), Elapsed: time.Since(start)}
	for _, r := range results {
		switch r.Status {
		case StatusUpdated:
			report.Updated++
		case StatusUnchanged:
			report.Unchanged++
		case StatusFailed:
			report.Failed++
		default:
			report.Skipped++
			continue
		}
		report.Results = append(report.Results, r)
	}
	return report
}

// reconcileOne runs under its own MemberTimeout, detached from ctx, so
// a member that has started is allowed to finish.
func (s *ProfileScheduler) reconcileOne(ctx context.Context, memberID string) Result {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.MemberTimeout)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		return Result{MemberID: memberID}
	}
	profile, err := s.directory.FetchProfile(ctx, memberID)
	if err != nil {
		return s.reconciler.RecordFailure(
			ctx,
			memberID,
			fmt.Errorf("error fetching profile: %w", err),
		)
	}
	return s.reconciler.Reconcile(ctx, memberID, profile)
}

// Run ticks every TickInterval and drains the queue on Wake, until ctx
// is done. Nothing runs while the state reports paused.
func (s *ProfileScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.logger.InfoContext(
		ctx,
		"starting profile scheduler",
		"interval", s.config.TickInterval,
		"bucket_count", s.config.BucketCount,
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "stopping profile scheduler")
			return
		case <-ticker.C:
			if s.state.Paused() {
				s.logger.DebugContext(ctx, "paused, skipping tick")
				continue
			}
			if _, err := s.Tick(ctx); err != nil {
				s.logger.ErrorContext(ctx, "tick failed", tint.Err(err))
			}
		case <-s.wake:
			if s.state.Paused() {
				continue
			}
			if _, err := s.DrainQueue(ctx); err != nil {
				s.logger.ErrorContext(ctx, "queue drain failed", tint.Err(err))
			}
		}
	}
}
