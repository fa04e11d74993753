package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/SimelweN/rebooked-orders/internal/order/domain"
	"github.com/SimelweN/rebooked-orders/pkg/metrics"
)

const sweepBatchSize = 100

// Engine drives every order through its lifecycle. It owns the legal
// transitions, who may trigger them, and the side effects each one
// emits. All state lives in the OrderStore; per-order linearization
// comes from the store's compare-and-set, not from locks here, so the
// engine is safe to call from any number of handlers and the sweeper
// at once.
type Engine struct {
	log     *slog.Logger
	store   OrderStore
	books   BookCatalog
	gateway PaymentGateway
	notify  NotificationSink
	metrics *metrics.OrderMetrics
	now     func() time.Time
}

func NewEngine(log *slog.Logger, store OrderStore, books BookCatalog, gateway PaymentGateway, notify NotificationSink, m *metrics.OrderMetrics) *Engine {
	return &Engine{
		log:     log,
		store:   store,
		books:   books,
		gateway: gateway,
		notify:  notify,
		metrics: m,
		now:     time.Now,
	}
}

// Create validates the purchase, opens a hosted payment session and
// persists the pending order. The book is marked sold in the same
// store transaction as the insert.
func (e *Engine) Create(ctx context.Context, buyerID, buyerEmail, bookID string) (domain.Order, string, error) {
	book, err := e.books.Get(ctx, bookID)
	if err != nil {
		return domain.Order{}, "", err
	}
	if !book.Available {
		return domain.Order{}, "", domain.ErrBookUnavailable
	}

	reference := uuid.New().String()
	o, err := domain.NewOrder(buyerID, book.SellerID, book.ID, book.PriceCents, reference, e.now())
	if err != nil {
		return domain.Order{}, "", err
	}

	sessionURL, err := e.gateway.InitializeSession(ctx, buyerEmail, o.AmountCents, reference, map[string]string{
		"order_id": o.ID,
		"book_id":  o.BookID,
	})
	if err != nil {
		return domain.Order{}, "", fmt.Errorf("initialize payment session: %w", err)
	}

	if err := e.store.Create(ctx, o); err != nil {
		return domain.Order{}, "", err
	}
	e.log.Info("order created", "order_id", o.ID, "book_id", o.BookID, "amount_cents", o.AmountCents)
	return o, sessionURL, nil
}

// ConfirmPayment moves a pending order into the seller-commit window
// after the gateway has confirmed the charge. The commit deadline is
// CreatedAt + 48h.
func (e *Engine) ConfirmPayment(ctx context.Context, orderID, gatewayReference string) (err error) {
	defer func() { e.count("confirm_payment", err) }()

	o, err := e.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.PaymentReference != gatewayReference {
		e.log.Error("payment reference mismatch",
			"order_id", o.ID, "got", gatewayReference)
		return domain.ErrReferenceMismatch
	}
	if o.Status != domain.StatusPending {
		e.log.Warn("confirm payment rejected", "order_id", o.ID, "status", o.Status)
		return domain.ErrInvalidState
	}

	deadline := o.CreatedAt.Add(domain.CommitWindow)
	if err = e.store.CompareAndSetStatus(ctx, o.ID, domain.StatusPending, domain.StatusUpdate{
		NewStatus:      domain.StatusPaidPendingSeller,
		CommitDeadline: &deadline,
	}); err != nil {
		return err
	}

	e.log.Info("payment confirmed", "order_id", o.ID, "commit_deadline", deadline)
	e.emit(ctx, o.SellerID, domain.NotificationNewOrder, o.ID,
		"You have a new order. Commit within 48 hours to confirm the sale.")
	e.emit(ctx, o.BuyerID, domain.NotificationPaymentConfirmed, o.ID,
		"Payment confirmed. Waiting for the seller to commit.")
	return nil
}

// FailPayment cancels a pending order whose payment failed or was
// abandoned at the gateway. Nothing was captured, so no refund is
// requested; the book goes back on sale.
func (e *Engine) FailPayment(ctx context.Context, orderID, gatewayReference string) (err error) {
	defer func() { e.count("fail_payment", err) }()

	o, err := e.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.PaymentReference != gatewayReference {
		e.log.Error("payment reference mismatch", "order_id", o.ID, "got", gatewayReference)
		return domain.ErrReferenceMismatch
	}
	if o.Status != domain.StatusPending {
		return domain.ErrInvalidState
	}

	at := e.now().UTC()
	if err = e.store.CompareAndSetStatus(ctx, o.ID, domain.StatusPending, domain.StatusUpdate{
		NewStatus:          domain.StatusCancelled,
		CancelledAt:        &at,
		CancellationReason: domain.ReasonPaymentFailed,
		ReleaseBook:        true,
	}); err != nil {
		return err
	}
	e.log.Info("order cancelled, payment failed", "order_id", o.ID)
	return nil
}

// Commit is the seller's confirmation of a paid order, legal only
// before the commit deadline.
func (e *Engine) Commit(ctx context.Context, orderID, actingUserID string) (err error) {
	defer func() { e.count("commit", err) }()

	o, err := e.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if actingUserID != o.SellerID {
		e.log.Warn("commit by wrong actor", "order_id", o.ID, "actor", actingUserID)
		return domain.ErrForbidden
	}
	if o.Status != domain.StatusPaidPendingSeller {
		return domain.ErrInvalidState
	}
	now := e.now().UTC()
	if o.CommitDeadline != nil && !now.Before(*o.CommitDeadline) {
		return domain.ErrDeadlineExpired
	}

	if err = e.store.CompareAndSetStatus(ctx, o.ID, domain.StatusPaidPendingSeller, domain.StatusUpdate{
		NewStatus:   domain.StatusCommitted,
		CommittedAt: &now,
	}); err != nil {
		return err
	}

	e.log.Info("seller committed", "order_id", o.ID)
	e.emit(ctx, o.BuyerID, domain.NotificationSellerCommitted, o.ID,
		"The seller confirmed your order. Collection is being arranged.")
	return nil
}

// MarkCollected records the courier pickup, seller-only.
func (e *Engine) MarkCollected(ctx context.Context, orderID, actingUserID string) (err error) {
	defer func() { e.count("mark_collected", err) }()

	o, err := e.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if actingUserID != o.SellerID {
		return domain.ErrForbidden
	}
	if o.Status != domain.StatusCommitted {
		return domain.ErrInvalidState
	}

	if err = e.store.CompareAndSetStatus(ctx, o.ID, domain.StatusCommitted, domain.StatusUpdate{
		NewStatus: domain.StatusCollected,
	}); err != nil {
		return err
	}
	e.log.Info("order collected", "order_id", o.ID)
	e.emit(ctx, o.BuyerID, domain.NotificationOrderCollected, o.ID,
		"Your book has been collected and is on its way.")
	return nil
}

// ConfirmDelivery completes the order and requests release of the held
// funds to the seller. It accepts collected orders, or committed ones
// when the courier skipped the explicit collection scan.
func (e *Engine) ConfirmDelivery(ctx context.Context, orderID, actingUserID string) (err error) {
	defer func() { e.count("confirm_delivery", err) }()

	o, err := e.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if actingUserID != o.BuyerID {
		return domain.ErrForbidden
	}
	if o.Status != domain.StatusCollected && o.Status != domain.StatusCommitted {
		return domain.ErrInvalidState
	}

	now := e.now().UTC()
	payload, err := json.Marshal(domain.PaymentReleaseRequested{
		OrderID:     o.ID,
		SellerID:    o.SellerID,
		AmountCents: o.AmountCents,
		Reference:   o.PaymentReference,
	})
	if err != nil {
		return err
	}
	if err = e.store.CompareAndSetStatus(ctx, o.ID, o.Status, domain.StatusUpdate{
		NewStatus:         domain.StatusCompleted,
		CompletedAt:       &now,
		SettlementType:    domain.EventPaymentReleaseRequested,
		SettlementPayload: payload,
	}); err != nil {
		return err
	}

	e.log.Info("delivery confirmed", "order_id", o.ID, "amount_cents", o.AmountCents)
	e.emit(ctx, o.SellerID, domain.NotificationOrderDelivered, o.ID,
		"Delivery confirmed. Your payout is on the way.")
	return nil
}

// Cancel is a party-initiated cancellation, legal up through committed.
// It releases the book, requests a refund of any captured payment and
// notifies the counter-party.
func (e *Engine) Cancel(ctx context.Context, orderID, actingUserID, reason string) (err error) {
	defer func() { e.count("cancel", err) }()

	o, err := e.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if actingUserID != o.BuyerID && actingUserID != o.SellerID {
		return domain.ErrForbidden
	}
	switch o.Status {
	case domain.StatusPending, domain.StatusPaidPendingSeller, domain.StatusCommitted:
	default:
		// Past physical handoff (or already terminal) cancellation is
		// never legal.
		return domain.ErrInvalidState
	}

	if reason == "" {
		if actingUserID == o.BuyerID {
			reason = domain.ReasonBuyerCancelled
		} else {
			reason = domain.ReasonSellerCancelled
		}
	}

	now := e.now().UTC()
	update := domain.StatusUpdate{
		NewStatus:          domain.StatusCancelled,
		CancelledAt:        &now,
		CancellationReason: reason,
		ReleaseBook:        true,
	}
	if o.Status != domain.StatusPending {
		payload, merr := json.Marshal(domain.RefundRequested{
			OrderID:     o.ID,
			BuyerID:     o.BuyerID,
			AmountCents: o.AmountCents,
			Reference:   o.PaymentReference,
			Reason:      reason,
		})
		if merr != nil {
			return merr
		}
		update.SettlementType = domain.EventRefundRequested
		update.SettlementPayload = payload
	}
	if err = e.store.CompareAndSetStatus(ctx, o.ID, o.Status, update); err != nil {
		return err
	}

	e.log.Info("order cancelled", "order_id", o.ID, "by", actingUserID, "reason", reason)
	counterparty := o.SellerID
	if actingUserID == o.SellerID {
		counterparty = o.BuyerID
	}
	e.emit(ctx, counterparty, domain.NotificationOrderCancelled, o.ID,
		"The order was cancelled: "+reason)
	return nil
}

// Refund is the admin override: any non-terminal order moves straight
// to refunded, the book is released and a refund of the full amount is
// requested for any captured payment.
func (e *Engine) Refund(ctx context.Context, orderID, reason string) (err error) {
	defer func() { e.count("refund", err) }()

	o, err := e.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status.Terminal() {
		return domain.ErrInvalidState
	}
	if reason == "" {
		reason = "admin_refund"
	}

	now := e.now().UTC()
	update := domain.StatusUpdate{
		NewStatus:          domain.StatusRefunded,
		CancelledAt:        &now,
		CancellationReason: reason,
		ReleaseBook:        true,
	}
	if o.Status != domain.StatusPending {
		payload, merr := json.Marshal(domain.RefundRequested{
			OrderID:     o.ID,
			BuyerID:     o.BuyerID,
			AmountCents: o.AmountCents,
			Reference:   o.PaymentReference,
			Reason:      reason,
		})
		if merr != nil {
			return merr
		}
		update.SettlementType = domain.EventRefundRequested
		update.SettlementPayload = payload
	}
	if err = e.store.CompareAndSetStatus(ctx, o.ID, o.Status, update); err != nil {
		return err
	}

	e.log.Info("order refunded", "order_id", o.ID, "reason", reason)
	e.emit(ctx, o.BuyerID, domain.NotificationOrderRefunded, o.ID,
		"Your order was refunded: "+reason)
	e.emit(ctx, o.SellerID, domain.NotificationOrderRefunded, o.ID,
		"The order was refunded and the listing is available again.")
	return nil
}

// SweepExpired cancels every paid order whose commit deadline has
// elapsed, with reason seller_commit_timeout. Idempotent: an order
// already moved on by a racing commit or an earlier sweep is skipped,
// and one order's failure never stops the batch. The transitioned
// orders are returned for notification fan-out.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) ([]domain.Order, error) {
	batch, err := e.store.QueryByStatusAndDeadline(ctx, domain.StatusPaidPendingSeller, now, sweepBatchSize)
	if err != nil {
		return nil, err
	}

	var expired []domain.Order
	for _, o := range batch {
		at := now.UTC()
		payload, merr := json.Marshal(domain.RefundRequested{
			OrderID:     o.ID,
			BuyerID:     o.BuyerID,
			AmountCents: o.AmountCents,
			Reference:   o.PaymentReference,
			Reason:      domain.ReasonCommitTimeout,
		})
		if merr != nil {
			e.log.Error("sweep marshal failed", "order_id", o.ID, "err", merr)
			continue
		}
		update := domain.StatusUpdate{
			NewStatus:          domain.StatusCancelled,
			CancelledAt:        &at,
			CancellationReason: domain.ReasonCommitTimeout,
			ReleaseBook:        true,
			SettlementType:     domain.EventRefundRequested,
			SettlementPayload:  payload,
		}
		cerr := e.store.CompareAndSetStatus(ctx, o.ID, domain.StatusPaidPendingSeller, update)
		switch {
		case cerr == nil:
			o.Apply(update)
			expired = append(expired, o)
			e.metrics.SweepExpired.Inc()
			e.count("sweep_expire", nil)
			e.log.Info("order expired", "order_id", o.ID, "deadline", o.CommitDeadline)
		case errors.Is(cerr, domain.ErrInvalidState):
			// Lost the race against a commit or an earlier sweep.
			continue
		default:
			e.metrics.SweepErrors.Inc()
			e.log.Error("sweep transition failed", "order_id", o.ID, "err", cerr)
		}
	}
	return expired, nil
}

func (e *Engine) emit(ctx context.Context, userID string, kind domain.NotificationKind, orderID, message string) {
	if err := e.notify.Notify(ctx, userID, kind, orderID, message); err != nil {
		e.log.Warn("notification dropped", "kind", kind, "order_id", orderID, "err", err)
	}
}

func (e *Engine) count(transition string, err error) {
	e.metrics.Transitions.WithLabelValues(transition, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrForbidden),
		errors.Is(err, domain.ErrDeadlineExpired),
		errors.Is(err, domain.ErrReferenceMismatch):
		return "rejected"
	default:
		return "error"
	}
}
