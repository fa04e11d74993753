package domain

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusPaidPendingSeller Status = "paid_pending_seller"
	StatusCommitted         Status = "committed"
	StatusCollected         Status = "collected"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
	StatusRefunded          Status = "refunded"
)

// CommitWindow is how long a seller has to commit after the buyer's
// payment is confirmed. The deadline is anchored on CreatedAt.
const CommitWindow = 48 * time.Hour

// Cancellation reasons attributed by the engine. Explicit cancels and
// admin refunds may carry a free-text reason instead.
const (
	ReasonBuyerCancelled  = "buyer_cancelled"
	ReasonSellerCancelled = "seller_cancelled"
	ReasonCommitTimeout   = "seller_commit_timeout"
	ReasonPaymentFailed   = "payment_failed"
)

// transitions is the legal edge set of the order state machine.
// Terminal states map to an empty slice.
var transitions = map[Status][]Status{
	StatusPending:           {StatusPaidPendingSeller, StatusCancelled, StatusRefunded},
	StatusPaidPendingSeller: {StatusCommitted, StatusCancelled, StatusRefunded},
	StatusCommitted:         {StatusCollected, StatusCompleted, StatusCancelled, StatusRefunded},
	StatusCollected:         {StatusCompleted, StatusRefunded},
	StatusCompleted:         {},
	StatusCancelled:         {},
	StatusRefunded:          {},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRefunded
}

// Order is the durable record of one buyer/seller transaction over a
// single book listing. Party ids, the book reference, the amount and
// the gateway reference are immutable after creation; everything else
// is mutated only through guarded status transitions.
type Order struct {
	ID                 string     `json:"id"`
	BuyerID            string     `json:"buyer_id"`
	SellerID           string     `json:"seller_id"`
	BookID             string     `json:"book_id"`
	AmountCents        int64      `json:"amount_cents"`
	PaymentReference   string     `json:"payment_reference"`
	Status             Status     `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	CommitDeadline     *time.Time `json:"commit_deadline,omitempty"`
	CommittedAt        *time.Time `json:"committed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	ReminderSentAt     *time.Time `json:"reminder_sent_at,omitempty"`
}

func NewOrder(buyerID, sellerID, bookID string, amountCents int64, paymentReference string, now time.Time) (Order, error) {
	if buyerID == "" || sellerID == "" || bookID == "" {
		return Order{}, ErrMissingParty
	}
	if buyerID == sellerID {
		return Order{}, ErrSelfPurchase
	}
	if amountCents <= 0 {
		return Order{}, ErrInvalidAmount
	}
	return Order{
		ID:               uuid.New().String(),
		BuyerID:          buyerID,
		SellerID:         sellerID,
		BookID:           bookID,
		AmountCents:      amountCents,
		PaymentReference: paymentReference,
		Status:           StatusPending,
		CreatedAt:        now.UTC(),
	}, nil
}

// StatusUpdate carries the fields one transition is allowed to touch.
// The store applies it only while the row's current status still
// matches the expected pre-state, together with the book release and
// the settlement outbox row, as one atomic unit.
type StatusUpdate struct {
	NewStatus          Status
	CommitDeadline     *time.Time
	CommittedAt        *time.Time
	CancelledAt        *time.Time
	CompletedAt        *time.Time
	CancellationReason string
	ReleaseBook        bool
	SettlementType     string
	SettlementPayload  []byte
}

// Apply mutates the in-memory order after a successful store CAS so
// callers can hand the updated snapshot onward without a re-read.
func (o *Order) Apply(u StatusUpdate) {
	o.Status = u.NewStatus
	if u.CommitDeadline != nil {
		o.CommitDeadline = u.CommitDeadline
	}
	if u.CommittedAt != nil {
		o.CommittedAt = u.CommittedAt
	}
	if u.CancelledAt != nil {
		o.CancelledAt = u.CancelledAt
	}
	if u.CompletedAt != nil {
		o.CompletedAt = u.CompletedAt
	}
	if u.CancellationReason != "" {
		o.CancellationReason = u.CancellationReason
	}
}
