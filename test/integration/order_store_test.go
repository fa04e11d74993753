package integration

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimelweN/rebooked-orders/internal/order/domain"
	orderpg "github.com/SimelweN/rebooked-orders/internal/order/infrastructure/postgres"
)

// docker-backed; run with: go test ./test/integration/...
func TestOrderStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	env, err := Setup(ctx)
	if err != nil {
		t.Skipf("container environment unavailable: %v", err)
	}
	t.Cleanup(func() { env.Teardown(context.Background()) })

	pool, err := pgxpool.New(ctx, env.PGURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	ddl, err := os.ReadFile("../../migrations/001_init.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(ddl))
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := orderpg.NewRepository(log, pool)
	require.NoError(t, repo.EnsureSchema(ctx))

	_, err = pool.Exec(ctx,
		`INSERT INTO books (id, seller_id, title, price_cents, available) VALUES ($1,$2,$3,$4,true)`,
		"book-1", "seller-1", "Linear Algebra", 12000)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	o, err := domain.NewOrder("buyer-1", "seller-1", "book-1", 12000, uuid.New().String(), now)
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, o))

	// The book sold in the same transaction as the insert.
	var available bool
	require.NoError(t, pool.QueryRow(ctx, `SELECT available FROM books WHERE id = 'book-1'`).Scan(&available))
	assert.False(t, available)

	// A second order against the sold book is rejected.
	o2, err := domain.NewOrder("buyer-2", "seller-1", "book-1", 12000, uuid.New().String(), now)
	require.NoError(t, err)
	assert.ErrorIs(t, repo.Create(ctx, o2), domain.ErrBookUnavailable)

	got, err := repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Nil(t, got.CommitDeadline)

	byRef, err := repo.GetByReference(ctx, o.PaymentReference)
	require.NoError(t, err)
	assert.Equal(t, o.ID, byRef.ID)

	// pending -> paid_pending_seller
	deadline := now.Add(domain.CommitWindow)
	require.NoError(t, repo.CompareAndSetStatus(ctx, o.ID, domain.StatusPending, domain.StatusUpdate{
		NewStatus:      domain.StatusPaidPendingSeller,
		CommitDeadline: &deadline,
	}))

	// Guard miss: the pre-state no longer matches.
	err = repo.CompareAndSetStatus(ctx, o.ID, domain.StatusPending, domain.StatusUpdate{
		NewStatus: domain.StatusPaidPendingSeller,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	err = repo.CompareAndSetStatus(ctx, "missing", domain.StatusPending, domain.StatusUpdate{
		NewStatus: domain.StatusCancelled,
	})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	// Deadline scan sees the order once its deadline has elapsed.
	due, err := repo.QueryByStatusAndDeadline(ctx, domain.StatusPaidPendingSeller, deadline.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, o.ID, due[0].ID)

	none, err := repo.QueryByStatusAndDeadline(ctx, domain.StatusPaidPendingSeller, deadline.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	// Reminder bookkeeping.
	remind, err := repo.QueryReminderDue(ctx, domain.StatusPaidPendingSeller, deadline, 10)
	require.NoError(t, err)
	require.Len(t, remind, 1)
	require.NoError(t, repo.MarkReminderSent(ctx, o.ID, now))
	remind, err = repo.QueryReminderDue(ctx, domain.StatusPaidPendingSeller, deadline, 10)
	require.NoError(t, err)
	assert.Empty(t, remind)

	// Cancellation releases the book and records the settlement event
	// in the same transaction.
	cancelledAt := now.Add(time.Hour)
	require.NoError(t, repo.CompareAndSetStatus(ctx, o.ID, domain.StatusPaidPendingSeller, domain.StatusUpdate{
		NewStatus:          domain.StatusCancelled,
		CancelledAt:        &cancelledAt,
		CancellationReason: domain.ReasonCommitTimeout,
		ReleaseBook:        true,
		SettlementType:     domain.EventRefundRequested,
		SettlementPayload:  []byte(`{"order_id":"` + o.ID + `"}`),
	}))

	require.NoError(t, pool.QueryRow(ctx, `SELECT available FROM books WHERE id = 'book-1'`).Scan(&available))
	assert.True(t, available)

	got, err = repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.ReasonCommitTimeout, got.CancellationReason)
	require.NotNil(t, got.CancelledAt)

	var outboxType string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT type FROM outbox WHERE aggregate_id = $1 AND status = 'pending'`, o.ID).Scan(&outboxType))
	assert.Equal(t, domain.EventRefundRequested, outboxType)

	// The settlement row survives a failed dispatch and a crashed
	// relay: failed rows and expired leases are both claimed again.
	ob := orderpg.NewOutboxStore(log, pool)
	batch, err := ob.LockBatch(ctx, "relay-a", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	eventID := batch[0].ID
	require.NoError(t, ob.MarkFailed(ctx, eventID, "broker down"))

	batch, err = ob.LockBatch(ctx, "relay-b", 10, -time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1, "failed row under the retry cap is re-offered")
	assert.Equal(t, eventID, batch[0].ID)

	// relay-b's lease is already expired, so a third relay takes over.
	batch, err = ob.LockBatch(ctx, "relay-c", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1, "in_progress row with an elapsed lease is reclaimed")
	require.NoError(t, ob.MarkSent(ctx, []int64{eventID}))

	batch, err = ob.LockBatch(ctx, "relay-d", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, batch, "sent rows are never re-offered")

	// A stale guard against the cancelled order misses.
	err = repo.CompareAndSetStatus(ctx, o.ID, domain.StatusPaidPendingSeller, domain.StatusUpdate{
		NewStatus: domain.StatusCommitted,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}
