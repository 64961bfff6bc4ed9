package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const (
	defaultReconcileSchedule    = "@every 6h"
	defaultReconcileConcurrency = 4
	defaultReconcileTimeout     = 30 * time.Minute
)

// UserLister lists the users whose subscriptions should be reconciled.
type UserLister interface {
	ListUserIDs(ctx context.Context) ([]string, error)
}

// UserListerFunc adapts a function to UserLister.
type UserListerFunc func(ctx context.Context) ([]string, error)

// ListUserIDs implements UserLister.
func (f UserListerFunc) ListUserIDs(ctx context.Context) ([]string, error) { return f(ctx) }

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Syncer Syncer
	Users  UserLister

	// Schedule is a robfig/cron spec (default: "@every 6h")
	Schedule string

	// Concurrency bounds parallel SyncUser calls (default: 4)
	Concurrency int

	// Timeout bounds a whole run started by the schedule (default: 30 minutes)
	Timeout time.Duration

	Logger entitlement.Logger
}

// ReconcileReport summarizes one reconciliation run.
type ReconcileReport struct {
	Users  int
	Synced int
	Failed int
}

// Reconciler periodically re-derives subscriptions from the provider's
// authoritative state. It repairs records left behind by lost webhooks and
// by stores that cannot apply events atomically.
type Reconciler struct {
	config ReconcilerConfig
	cron   *cron.Cron
	mu     sync.Mutex
}

// NewReconciler validates config and applies defaults.
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	if config.Syncer == nil || config.Users == nil {
		return nil, fmt.Errorf("%w: reconciler needs a syncer and a user lister", ErrProviderNotConfigured)
	}
	if config.Schedule == "" {
		config.Schedule = defaultReconcileSchedule
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaultReconcileConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultReconcileTimeout
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	return &Reconciler{config: config}, nil
}

// RunOnce syncs every listed user. Individual failures are logged and
// counted but do not stop the run; the joined errors are returned.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	users, err := r.config.Users.ListUserIDs(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("failed to list users: %w", err)
	}

	report := ReconcileReport{Users: len(users)}
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(r.config.Concurrency)
	for _, userID := range users {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			_, err := r.config.Syncer.SyncUser(ctx, userID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
				r.config.Logger.Warn("Subscription reconciliation failed",
					entitlement.Field{Key: "user_id", Value: userID},
					entitlement.Field{Key: "error", Value: err},
				)
				return nil
			}
			report.Synced++
			return nil
		})
	}
	_ = g.Wait()

	r.config.Logger.Info("Subscription reconciliation finished",
		entitlement.Field{Key: "users", Value: report.Users},
		entitlement.Field{Key: "synced", Value: report.Synced},
		entitlement.Field{Key: "failed", Value: report.Failed},
	)
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return report, errors.Join(errs...)
}

// Start schedules RunOnce on the configured cron spec.
func (r *Reconciler) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
		defer cancel()
		_, _ = r.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", r.config.Schedule, err)
	}
	c.Start()
	r.cron = c
	return nil
}

// Stop unschedules the job and waits for a running one to finish or ctx to
// be done.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
