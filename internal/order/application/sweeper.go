package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/SimelweN/rebooked-orders/internal/order/domain"
	"github.com/SimelweN/rebooked-orders/pkg/metrics"
)

// Sweeper is the recurring process that turns elapsed deadlines into
// transitions. Each run first cancels fully expired orders through the
// engine, then reminds sellers whose commit deadline falls inside the
// warning window. Runs are independent: expiry is derived from stored
// timestamps, so a skipped or doubled run changes nothing but latency,
// and the store's compare-and-set keeps overlapping runs safe.
type Sweeper struct {
	log     *slog.Logger
	engine  *Engine
	store   OrderStore
	notify  NotificationSink
	metrics *metrics.OrderMetrics

	schedule   string
	warning    time.Duration
	runTimeout time.Duration
	now        func() time.Time
}

func NewSweeper(log *slog.Logger, engine *Engine, store OrderStore, notify NotificationSink, m *metrics.OrderMetrics, schedule string, warning time.Duration) *Sweeper {
	return &Sweeper{
		log:        log,
		engine:     engine,
		store:      store,
		notify:     notify,
		metrics:    m,
		schedule:   schedule,
		warning:    warning,
		runTimeout: 30 * time.Second,
		now:        time.Now,
	}
}

// Run blocks until ctx is cancelled, firing RunOnce on the configured
// cron schedule (e.g. "@every 1m").
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
		s.RunOnce(runCtx)
	}); err != nil {
		return err
	}
	c.Start()
	s.log.Info("sweeper started", "schedule", s.schedule, "warning_window", s.warning)

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	s.log.Info("sweeper stopped")
	return nil
}

func (s *Sweeper) RunOnce(ctx context.Context) {
	start := s.now()
	defer func() { s.metrics.SweepDuration.Observe(s.now().Sub(start).Seconds()) }()

	s.expire(ctx)
	s.remind(ctx)
}

func (s *Sweeper) expire(ctx context.Context) {
	now := s.now().UTC()
	expired, err := s.engine.SweepExpired(ctx, now)
	if err != nil {
		s.metrics.SweepErrors.Inc()
		s.log.Error("expiry sweep failed", "err", err)
		return
	}
	for _, o := range expired {
		s.emit(ctx, o.SellerID, domain.NotificationOrderCancelled, o.ID,
			"The order expired because it was not committed within 48 hours.")
		s.emit(ctx, o.BuyerID, domain.NotificationOrderCancelled, o.ID,
			"Your order expired and was automatically cancelled. A refund has been requested.")
	}
	if len(expired) > 0 {
		s.log.Info("expiry sweep done", "expired", len(expired))
	}
}

func (s *Sweeper) remind(ctx context.Context) {
	now := s.now().UTC()
	due, err := s.store.QueryReminderDue(ctx, domain.StatusPaidPendingSeller, now.Add(s.warning), sweepBatchSize)
	if err != nil {
		s.metrics.SweepErrors.Inc()
		s.log.Error("reminder scan failed", "err", err)
		return
	}
	for _, o := range due {
		if err := s.notify.Notify(ctx, o.SellerID, domain.NotificationCommitReminder, o.ID,
			"Your order expires soon. Commit now to confirm the sale."); err != nil {
			s.log.Warn("reminder dropped", "order_id", o.ID, "err", err)
			continue
		}
		// Marked only after a successful send so the next sweep retries
		// a dropped reminder.
		if err := s.store.MarkReminderSent(ctx, o.ID, now); err != nil {
			s.metrics.SweepErrors.Inc()
			s.log.Error("mark reminder failed", "order_id", o.ID, "err", err)
			continue
		}
		s.metrics.RemindersSent.Inc()
	}
}

func (s *Sweeper) emit(ctx context.Context, userID string, kind domain.NotificationKind, orderID, message string) {
	if err := s.notify.Notify(ctx, userID, kind, orderID, message); err != nil {
		s.log.Warn("notification dropped", "kind", kind, "order_id", orderID, "err", err)
	}
}
