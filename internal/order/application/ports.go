package application

import (
	"context"
	"time"

	catalog "github.com/SimelweN/rebooked-orders/internal/catalog/domain"
	"github.com/SimelweN/rebooked-orders/internal/order/domain"
)

// OrderStore is the durable record of orders. All mutation goes through
// CompareAndSetStatus: the update is applied only while the row's
// status still equals the expected pre-state, and a miss surfaces as
// domain.ErrInvalidState. Create marks the book sold in the same
// transaction; an update with ReleaseBook set flips it back.
type OrderStore interface {
	Create(ctx context.Context, o domain.Order) error
	Get(ctx context.Context, id string) (domain.Order, error)
	GetByReference(ctx context.Context, reference string) (domain.Order, error)
	CompareAndSetStatus(ctx context.Context, id string, expected domain.Status, update domain.StatusUpdate) error
	QueryByStatusAndDeadline(ctx context.Context, status domain.Status, before time.Time, limit int) ([]domain.Order, error)
	QueryReminderDue(ctx context.Context, status domain.Status, deadlineBefore time.Time, limit int) ([]domain.Order, error)
	MarkReminderSent(ctx context.Context, id string, at time.Time) error
}

// NotificationSink records a user-facing notification. Best effort:
// the engine logs failures and never rolls back a transition over one.
type NotificationSink interface {
	Notify(ctx context.Context, userID string, kind domain.NotificationKind, orderID, message string) error
}

// PaymentGateway is the hosted-payment provider boundary.
type PaymentGateway interface {
	InitializeSession(ctx context.Context, buyerEmail string, amountCents int64, reference string, metadata map[string]string) (string, error)
	Confirm(ctx context.Context, reference string) (domain.PaymentConfirmation, error)
}

// BookCatalog reads listings for creation-time validation. Availability
// flips ride inside the order store transactions, not through here.
type BookCatalog interface {
	Get(ctx context.Context, id string) (catalog.Book, error)
}
