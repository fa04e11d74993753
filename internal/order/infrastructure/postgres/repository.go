package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SimelweN/rebooked-orders/internal/order/domain"
)

const orderColumns = `id, buyer_id, seller_id, book_id, amount_cents, payment_reference,
	status, created_at, commit_deadline, committed_at, cancelled_at, completed_at,
	cancellation_reason, reminder_sent_at`

// Repository is the pgx-backed order store. Every transition goes
// through CompareAndSetStatus, whose guarded UPDATE is the single
// per-order linearization point: of two racing callers, exactly one
// matches the expected status and commits.
type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

// EnsureSchema verifies the required tables exist, once, at startup.
// Missing tables are a fatal configuration error, never worked around
// per call.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	required := []string{"orders", "books", "outbox"}
	rows, err := r.pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = 'public' AND table_name = ANY($1)`, required)
	if err != nil {
		return err
	}
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		found[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var missing []string
	for _, t := range required {
		if !found[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema check failed, missing tables: %s (run migrations/001_init.sql)",
			strings.Join(missing, ", "))
	}
	return nil
}

// Create inserts the pending order and marks its book sold in one
// transaction, so an available book can never carry a live order.
func (r *Repository) Create(ctx context.Context, o domain.Order) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ct, err := tx.Exec(ctx, `UPDATE books SET available = false WHERE id = $1 AND available`, o.BookID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrBookUnavailable
	}

	_, err = tx.Exec(ctx, `INSERT INTO orders
			(id, buyer_id, seller_id, book_id, amount_cents, payment_reference, status, created_at, cancellation_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '')`,
		o.ID, o.BuyerID, o.SellerID, o.BookID, o.AmountCents, o.PaymentReference, o.Status, o.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (r *Repository) GetByReference(ctx context.Context, reference string) (domain.Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_reference = $1`, reference)
	return scanOrder(row)
}

// CompareAndSetStatus applies the update only while the row's status
// still equals expected. The book release and the settlement outbox
// row ride in the same transaction. A guard miss on an existing order
// returns domain.ErrInvalidState; the caller re-fetches rather than
// retrying blindly.
func (r *Repository) CompareAndSetStatus(ctx context.Context, id string, expected domain.Status, u domain.StatusUpdate) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ct, err := tx.Exec(ctx, `UPDATE orders SET
			status = $2,
			commit_deadline = COALESCE($3, commit_deadline),
			committed_at = COALESCE($4, committed_at),
			cancelled_at = COALESCE($5, cancelled_at),
			completed_at = COALESCE($6, completed_at),
			cancellation_reason = CASE WHEN $7 = '' THEN cancellation_reason ELSE $7 END
		WHERE id = $1 AND status = $8`,
		id, u.NewStatus, u.CommitDeadline, u.CommittedAt, u.CancelledAt, u.CompletedAt,
		u.CancellationReason, expected)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrOrderNotFound
		}
		return domain.ErrInvalidState
	}

	if u.ReleaseBook {
		_, err = tx.Exec(ctx,
			`UPDATE books SET available = true WHERE id = (SELECT book_id FROM orders WHERE id = $1)`, id)
		if err != nil {
			return err
		}
	}
	if u.SettlementType != "" {
		_, err = tx.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, headers, traceparent, status)
			VALUES ('order', $1, $2, $3, $4, '', 'pending')`,
			id, u.SettlementType, u.SettlementPayload, map[string]string{})
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *Repository) QueryByStatusAndDeadline(ctx context.Context, status domain.Status, before time.Time, limit int) ([]domain.Order, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND commit_deadline IS NOT NULL AND commit_deadline < $2
		ORDER BY commit_deadline
		LIMIT $3`, status, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (r *Repository) QueryReminderDue(ctx context.Context, status domain.Status, deadlineBefore time.Time, limit int) ([]domain.Order, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND commit_deadline IS NOT NULL AND commit_deadline <= $2
			AND reminder_sent_at IS NULL
		ORDER BY commit_deadline
		LIMIT $3`, status, deadlineBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (r *Repository) MarkReminderSent(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE orders SET reminder_sent_at = $2 WHERE id = $1`, id, at)
	return err
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.BookID, &o.AmountCents, &o.PaymentReference,
		&o.Status, &o.CreatedAt, &o.CommitDeadline, &o.CommittedAt, &o.CancelledAt, &o.CompletedAt,
		&o.CancellationReason, &o.ReminderSentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func scanOrders(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
