package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/bsm/redislock"
	"github.com/diging/edrop-connector/config"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const confirmationLockKey = "lock:confirmation-check"

type Reconciler interface {
	Reconcile(ctx context.Context) (RunReport, error)
}

type RunLogPurger interface {
	PurgeRunLogs(ctx context.Context, olderThan time.Time) (int64, error)
}

// ConfirmationScheduler runs the confirmation check on a fixed interval and
// purges old run logs. At most one check runs at a time; a tick that finds
// a check already running is skipped.
type ConfirmationScheduler struct {
	Engine     Reconciler
	Logs       RunLogPurger
	Locker     *redislock.Client
	Logger     *logrus.Logger
	InstanceID string

	Interval          time.Duration
	LockTTL           time.Duration
	RetentionInterval time.Duration
	RunLogRetention   time.Duration

	running atomic.Bool
}

func NewConfirmationScheduler(engine Reconciler, logs RunLogPurger, locker *redislock.Client, logger *logrus.Logger, settings config.SchedulerSettings) *ConfirmationScheduler {
	s := &ConfirmationScheduler{
		Engine:            engine,
		Logs:              logs,
		Locker:            locker,
		Logger:            logger,
		InstanceID:        uuid.NewString(),
		Interval:          settings.Interval,
		LockTTL:           settings.LockTTL,
		RetentionInterval: settings.RetentionInterval,
		RunLogRetention:   settings.RunLogRetention,
	}
	if s.Interval <= 0 {
		s.Interval = 15 * time.Second
	}
	if s.LockTTL <= 0 {
		s.LockTTL = 5 * time.Minute
	}
	if s.RetentionInterval <= 0 {
		s.RetentionInterval = 24 * time.Hour
	}
	if s.RunLogRetention <= 0 {
		s.RunLogRetention = 7 * 24 * time.Hour
	}
	if s.Logger == nil {
		s.Logger = config.GetLogger()
	}
	return s
}

func (s *ConfirmationScheduler) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.Logger.WithFields(logrus.Fields{
		"instance": s.InstanceID,
		"interval": s.Interval.String(),
	}).Info("confirmation scheduler started")

	nextPurge := time.Now()
	for {
		select {
		case <-ctx.Done():
			s.Logger.WithField("instance", s.InstanceID).Info("confirmation scheduler stopped")
			return
		default:
		}
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunInProgress) && ctx.Err() == nil {
			config.LogError(s.Logger, "workflow", "ConfirmationScheduler.Run", "confirmation check", nil, err)
		}
		if !time.Now().Before(nextPurge) {
			s.purge(ctx)
			nextPurge = time.Now().Add(s.RetentionInterval)
		}
		select {
		case <-ctx.Done():
			s.Logger.WithField("instance", s.InstanceID).Info("confirmation scheduler stopped")
			return
		case <-time.After(s.Interval):
		}
	}
}

// RunOnce runs one confirmation check unless another is in progress, in
// this process or, when Redis is configured, in any other instance. A
// skipped check returns ErrRunInProgress.
func (s *ConfirmationScheduler) RunOnce(ctx context.Context) (RunReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.Logger.Debug("confirmation check still running, skipping tick")
		return RunReport{}, ErrRunInProgress
	}
	defer s.running.Store(false)

	if s.Locker != nil {
		lock, err := s.Locker.Obtain(ctx, confirmationLockKey, s.LockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			s.Logger.Warn("confirmation check running on another instance, skipping tick")
			return RunReport{}, ErrRunInProgress
		}
		if err != nil {
			s.Logger.WithError(err).Warn("confirmation lock unavailable, continuing with local guard only")
		} else {
			defer func() {
				if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
					s.Logger.WithError(err).Warn("release confirmation lock")
				}
			}()
		}
	}

	return s.Engine.Reconcile(ctx)
}

// Running reports whether a check is in progress in this process.
func (s *ConfirmationScheduler) Running() bool {
	return s.running.Load()
}

func (s *ConfirmationScheduler) purge(ctx context.Context) {
	if s.Logs == nil {
		return
	}
	cutoff := time.Now().UTC().Add(-s.RunLogRetention)
	n, err := s.Logs.PurgeRunLogs(ctx, cutoff)
	if err != nil {
		config.LogError(s.Logger, "workflow", "ConfirmationScheduler.purge", "purge run logs", map[string]string{"cutoff": cutoff.Format(time.RFC3339)}, err)
		return
	}
	if n > 0 {
		s.Logger.WithField("deleted", n).Info("purged old run logs")
	}
}
