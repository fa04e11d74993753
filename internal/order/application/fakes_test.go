package application

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	catalog "github.com/SimelweN/rebooked-orders/internal/catalog/domain"
	"github.com/SimelweN/rebooked-orders/internal/order/domain"
	"github.com/SimelweN/rebooked-orders/pkg/metrics"
)

// memStore implements OrderStore with the same compare-and-set
// semantics the postgres repository provides: the update applies only
// while the stored status equals the expected pre-state, atomically.
type memStore struct {
	mu          sync.Mutex
	orders      map[string]domain.Order
	released    []string
	settlements []settlementRecord
}

type settlementRecord struct {
	OrderID string
	Type    string
	Payload []byte
}

func newMemStore() *memStore {
	return &memStore{orders: map[string]domain.Order{}}
}

func (s *memStore) put(o domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
}

func (s *memStore) Create(_ context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, nil
}

func (s *memStore) GetByReference(_ context.Context, reference string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.PaymentReference == reference {
			return o, nil
		}
	}
	return domain.Order{}, domain.ErrOrderNotFound
}

func (s *memStore) CompareAndSetStatus(_ context.Context, id string, expected domain.Status, u domain.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.Status != expected {
		return domain.ErrInvalidState
	}
	o.Apply(u)
	s.orders[id] = o
	if u.ReleaseBook {
		s.released = append(s.released, o.BookID)
	}
	if u.SettlementType != "" {
		s.settlements = append(s.settlements, settlementRecord{OrderID: id, Type: u.SettlementType, Payload: u.SettlementPayload})
	}
	return nil
}

func (s *memStore) QueryByStatusAndDeadline(_ context.Context, status domain.Status, before time.Time, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.Status == status && o.CommitDeadline != nil && o.CommitDeadline.Before(before) {
			out = append(out, o)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) QueryReminderDue(_ context.Context, status domain.Status, deadlineBefore time.Time, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.Status == status && o.CommitDeadline != nil && !o.CommitDeadline.After(deadlineBefore) && o.ReminderSentAt == nil {
			out = append(out, o)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) MarkReminderSent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o.ReminderSentAt = &at
	s.orders[id] = o
	return nil
}

func (s *memStore) releasedBooks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.released...)
}

func (s *memStore) settlementTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.settlements {
		out = append(out, r.Type)
	}
	return out
}

type note struct {
	UserID  string
	Kind    domain.NotificationKind
	OrderID string
	Message string
}

type sinkRecorder struct {
	mu       sync.Mutex
	notes    []note
	failWith error
}

func (r *sinkRecorder) Notify(_ context.Context, userID string, kind domain.NotificationKind, orderID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.notes = append(r.notes, note{UserID: userID, Kind: kind, OrderID: orderID, Message: message})
	return nil
}

func (r *sinkRecorder) byKind(kind domain.NotificationKind) []note {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []note
	for _, n := range r.notes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type fakeGateway struct {
	mu            sync.Mutex
	sessionURL    string
	initErr       error
	initialized   []string
	confirmations map[string]domain.PaymentConfirmation
}

func (g *fakeGateway) InitializeSession(_ context.Context, _ string, _ int64, reference string, _ map[string]string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initErr != nil {
		return "", g.initErr
	}
	g.initialized = append(g.initialized, reference)
	return g.sessionURL, nil
}

func (g *fakeGateway) Confirm(_ context.Context, reference string) (domain.PaymentConfirmation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	conf, ok := g.confirmations[reference]
	if !ok {
		return domain.PaymentConfirmation{}, fmt.Errorf("unknown reference %s", reference)
	}
	return conf, nil
}

type fakeCatalog struct {
	books map[string]catalog.Book
}

func (c *fakeCatalog) Get(_ context.Context, id string) (catalog.Book, error) {
	b, ok := c.books[id]
	if !ok {
		return catalog.Book{}, fmt.Errorf("book %s not found", id)
	}
	return b, nil
}

type fixture struct {
	engine  *Engine
	store   *memStore
	sink    *sinkRecorder
	gateway *fakeGateway
	catalog *fakeCatalog
	clock   *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture() *fixture {
	store := newMemStore()
	sink := &sinkRecorder{}
	gateway := &fakeGateway{sessionURL: "https://pay.example/session", confirmations: map[string]domain.PaymentConfirmation{}}
	books := &fakeCatalog{books: map[string]catalog.Book{
		"book-1": {ID: "book-1", SellerID: "seller-1", Title: "Calculus", PriceCents: 15000, Available: true},
	}}
	clock := &fakeClock{t: testEpoch}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewOrderMetrics(prometheus.NewRegistry())
	engine := NewEngine(log, store, books, gateway, sink, m)
	engine.now = clock.Now

	return &fixture{engine: engine, store: store, sink: sink, gateway: gateway, catalog: books, clock: clock}
}

// paidOrder seeds an order already in the seller-commit window.
func (f *fixture) paidOrder(id string) domain.Order {
	deadline := testEpoch.Add(domain.CommitWindow)
	o := domain.Order{
		ID:               id,
		BuyerID:          "buyer-1",
		SellerID:         "seller-1",
		BookID:           "book-1",
		AmountCents:      15000,
		PaymentReference: "ref-" + id,
		Status:           domain.StatusPaidPendingSeller,
		CreatedAt:        testEpoch,
		CommitDeadline:   &deadline,
	}
	f.store.put(o)
	return o
}
