package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SimelweN/rebooked-orders/internal/catalog/domain"
)

var ErrBookNotFound = errors.New("book not found")

// Repository reads and administers book listings. The availability
// flips tied to order transitions happen inside the order store's
// transactions; SetAvailable here is for listing management.
type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Book, error) {
	var b domain.Book
	err := r.pool.QueryRow(ctx,
		`SELECT id, seller_id, title, price_cents, available, created_at FROM books WHERE id = $1`, id).
		Scan(&b.ID, &b.SellerID, &b.Title, &b.PriceCents, &b.Available, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Book{}, ErrBookNotFound
	}
	if err != nil {
		return domain.Book{}, err
	}
	return b, nil
}

func (r *Repository) SetAvailable(ctx context.Context, id string, available bool) error {
	ct, err := r.pool.Exec(ctx, `UPDATE books SET available = $2 WHERE id = $1`, id, available)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrBookNotFound
	}
	return nil
}
