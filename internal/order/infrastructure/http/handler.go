package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	catalogpg "github.com/SimelweN/rebooked-orders/internal/catalog/infrastructure/postgres"
	"github.com/SimelweN/rebooked-orders/internal/order/application"
	"github.com/SimelweN/rebooked-orders/internal/order/domain"
)

type orderLookup interface {
	Get(ctx context.Context, id string) (domain.Order, error)
	GetByReference(ctx context.Context, reference string) (domain.Order, error)
}

// Dedup short-circuits repeated webhook deliveries; pkg/idempotency
// provides the redis implementation. Keys are marked only after the
// delivery was applied, so a failed attempt is re-evaluated on the
// gateway's retry.
type Dedup interface {
	Key(event, reference string) string
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

type Handler struct {
	log     *slog.Logger
	engine  *application.Engine
	orders  orderLookup
	gateway application.PaymentGateway
	idem    Dedup
	tracer  trace.Tracer
}

func NewHandler(log *slog.Logger, engine *application.Engine, orders orderLookup, gateway application.PaymentGateway, idem Dedup) *Handler {
	return &Handler{
		log:     log,
		engine:  engine,
		orders:  orders,
		gateway: gateway,
		idem:    idem,
		tracer:  otel.Tracer("order-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/commit", h.commit)
	r.Post("/orders/{id}/collect", h.markCollected)
	r.Post("/orders/{id}/deliver", h.confirmDelivery)
	r.Post("/orders/{id}/cancel", h.cancel)
	r.Post("/orders/{id}/refund", h.refund)
	r.Post("/payments/webhook", h.paymentWebhook)
	return r
}

type createOrderReq struct {
	BuyerID    string `json:"buyer_id"`
	BuyerEmail string `json:"buyer_email"`
	BookID     string `json:"book_id"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateOrder")
	defer span.End()

	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	o, sessionURL, err := h.engine.Create(ctx, req.BuyerID, req.BuyerEmail, req.BookID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"order_id":    o.ID,
		"status":      string(o.Status),
		"payment_url": sessionURL,
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type actionReq struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) commit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CommitOrder")
	defer span.End()
	h.transition(ctx, w, r, func(ctx context.Context, orderID string, req actionReq) error {
		return h.engine.Commit(ctx, orderID, req.UserID)
	})
}

func (h *Handler) markCollected(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "MarkCollected")
	defer span.End()
	h.transition(ctx, w, r, func(ctx context.Context, orderID string, req actionReq) error {
		return h.engine.MarkCollected(ctx, orderID, req.UserID)
	})
}

func (h *Handler) confirmDelivery(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ConfirmDelivery")
	defer span.End()
	h.transition(ctx, w, r, func(ctx context.Context, orderID string, req actionReq) error {
		return h.engine.ConfirmDelivery(ctx, orderID, req.UserID)
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelOrder")
	defer span.End()
	h.transition(ctx, w, r, func(ctx context.Context, orderID string, req actionReq) error {
		return h.engine.Cancel(ctx, orderID, req.UserID, req.Reason)
	})
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RefundOrder")
	defer span.End()
	h.transition(ctx, w, r, func(ctx context.Context, orderID string, req actionReq) error {
		return h.engine.Refund(ctx, orderID, req.Reason)
	})
}

func (h *Handler) transition(ctx context.Context, w http.ResponseWriter, r *http.Request, fn func(context.Context, string, actionReq) error) {
	var req actionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	orderID := chi.URLParam(r, "id")
	if err := fn(ctx, orderID, req); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": orderID, "result": "ok"})
}

type webhookReq struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
	} `json:"data"`
}

// paymentWebhook handles the gateway's at-least-once delivery. The
// verdict is re-verified against the gateway rather than trusted from
// the body. Unknown references and duplicate deliveries get a 200 so
// the gateway stops retrying.
func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PaymentWebhook")
	defer span.End()

	var req webhookReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Event != "charge.success" && req.Event != "charge.failed" {
		w.WriteHeader(http.StatusOK)
		return
	}

	key := h.idem.Key(req.Event, req.Data.Reference)
	seen, err := h.idem.Seen(ctx, key)
	if err != nil {
		// Dedup is an optimization; the engine's CAS still rejects a
		// second application.
		h.log.Warn("webhook dedup unavailable", "err", err)
	}
	if seen {
		w.WriteHeader(http.StatusOK)
		return
	}

	o, err := h.orders.GetByReference(ctx, req.Data.Reference)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			h.log.Warn("webhook for unknown reference", "reference", req.Data.Reference)
			w.WriteHeader(http.StatusOK)
			return
		}
		h.writeError(w, err)
		return
	}

	conf, err := h.gateway.Confirm(ctx, req.Data.Reference)
	if err != nil {
		h.log.Error("gateway verify failed", "order_id", o.ID, "err", err)
		http.Error(w, "gateway verify failed", http.StatusBadGateway)
		return
	}

	if conf.Paid {
		err = h.engine.ConfirmPayment(ctx, o.ID, req.Data.Reference)
	} else {
		err = h.engine.FailPayment(ctx, o.ID, req.Data.Reference)
	}
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			// Already applied by an earlier delivery.
			h.markSeen(ctx, key)
			w.WriteHeader(http.StatusOK)
			return
		}
		h.writeError(w, err)
		return
	}
	h.markSeen(ctx, key)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) markSeen(ctx context.Context, key string) {
	if err := h.idem.Mark(ctx, key); err != nil {
		h.log.Warn("webhook dedup mark failed", "key", key, "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, catalogpg.ErrBookNotFound):
		writeJSON(w, http.StatusNotFound, errBody("not_found", err))
	case errors.Is(err, domain.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errBody("forbidden", errors.New("you are not allowed to perform this action")))
	case errors.Is(err, domain.ErrDeadlineExpired):
		writeJSON(w, http.StatusConflict, errBody("deadline_expired",
			errors.New("this order has expired and was automatically cancelled")))
	case errors.Is(err, domain.ErrInvalidState):
		writeJSON(w, http.StatusConflict, errBody("invalid_state", err))
	case errors.Is(err, domain.ErrBookUnavailable):
		writeJSON(w, http.StatusConflict, errBody("book_unavailable", err))
	case errors.Is(err, domain.ErrReferenceMismatch):
		writeJSON(w, http.StatusBadRequest, errBody("reference_mismatch", err))
	case errors.Is(err, domain.ErrSelfPurchase), errors.Is(err, domain.ErrMissingParty), errors.Is(err, domain.ErrInvalidAmount):
		writeJSON(w, http.StatusBadRequest, errBody("invalid_request", err))
	default:
		h.log.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errBody("internal", errors.New("internal error")))
	}
}

func errBody(code string, err error) map[string]string {
	return map[string]string{"code": code, "message": err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
