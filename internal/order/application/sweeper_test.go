package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimelweN/rebooked-orders/internal/order/domain"
)

func newTestSweeper(f *fixture, warning time.Duration) *Sweeper {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSweeper(log, f.engine, f.store, f.sink, f.engine.metrics, "@every 1m", warning)
	s.now = f.clock.Now
	return s
}

func TestSweeperExpiresAndNotifies(t *testing.T) {
	f := newFixture()
	s := newTestSweeper(f, 6*time.Hour)
	o := f.paidOrder("o1")

	f.clock.Set(testEpoch.Add(domain.CommitWindow + time.Minute))
	s.RunOnce(context.Background())

	stored, _ := f.store.Get(context.Background(), o.ID)
	assert.Equal(t, domain.StatusCancelled, stored.Status)
	assert.Equal(t, domain.ReasonCommitTimeout, stored.CancellationReason)

	cancelled := f.sink.byKind(domain.NotificationOrderCancelled)
	require.Len(t, cancelled, 2)
	recipients := []string{cancelled[0].UserID, cancelled[1].UserID}
	assert.ElementsMatch(t, []string{"buyer-1", "seller-1"}, recipients)

	// An expired order never also gets a reminder.
	assert.Empty(t, f.sink.byKind(domain.NotificationCommitReminder))
}

func TestSweeperSendsReminderOnce(t *testing.T) {
	f := newFixture()
	s := newTestSweeper(f, 6*time.Hour)
	o := f.paidOrder("o1")

	// Inside the warning window, before the deadline.
	f.clock.Set(testEpoch.Add(domain.CommitWindow - 3*time.Hour))
	s.RunOnce(context.Background())

	reminders := f.sink.byKind(domain.NotificationCommitReminder)
	require.Len(t, reminders, 1)
	assert.Equal(t, "seller-1", reminders[0].UserID)
	assert.Equal(t, o.ID, reminders[0].OrderID)

	stored, _ := f.store.Get(context.Background(), o.ID)
	require.NotNil(t, stored.ReminderSentAt)
	assert.Equal(t, domain.StatusPaidPendingSeller, stored.Status)

	// A second sweep does not duplicate the reminder.
	s.RunOnce(context.Background())
	assert.Len(t, f.sink.byKind(domain.NotificationCommitReminder), 1)
}

func TestSweeperSkipsOrdersOutsideWarningWindow(t *testing.T) {
	f := newFixture()
	s := newTestSweeper(f, 6*time.Hour)
	f.paidOrder("o1")

	// 24h before the deadline: too early for a reminder.
	f.clock.Set(testEpoch.Add(domain.CommitWindow - 24*time.Hour))
	s.RunOnce(context.Background())

	assert.Empty(t, f.sink.byKind(domain.NotificationCommitReminder))
}

func TestSweeperRetriesDroppedReminder(t *testing.T) {
	f := newFixture()
	s := newTestSweeper(f, 6*time.Hour)
	o := f.paidOrder("o1")

	f.clock.Set(testEpoch.Add(domain.CommitWindow - time.Hour))
	f.sink.failWith = errors.New("broker down")
	s.RunOnce(context.Background())

	stored, _ := f.store.Get(context.Background(), o.ID)
	assert.Nil(t, stored.ReminderSentAt, "a dropped reminder must stay unmarked")

	f.sink.failWith = nil
	s.RunOnce(context.Background())
	assert.Len(t, f.sink.byKind(domain.NotificationCommitReminder), 1)
	stored, _ = f.store.Get(context.Background(), o.ID)
	assert.NotNil(t, stored.ReminderSentAt)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	f := newFixture()
	s := newTestSweeper(f, 6*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop after context cancellation")
	}
}

func TestSweeperRunRejectsBadSchedule(t *testing.T) {
	f := newFixture()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSweeper(log, f.engine, f.store, f.sink, f.engine.metrics, "not-a-schedule", time.Hour)

	assert.Error(t, s.Run(context.Background()))
}
