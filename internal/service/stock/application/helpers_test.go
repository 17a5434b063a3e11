package application_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"stocknexus/internal/service/stock/application"
	"stocknexus/internal/service/stock/domain"
	"stocknexus/internal/service/stock/infrastructure"

	"go.opentelemetry.io/otel"
)

func seedProduct(t *testing.T, store *infrastructure.MemoryStore, id, name string, qty int) {
	t.Helper()
	err := store.Repositories().Stock.SaveProduct(context.Background(), &domain.Product{
		ProductID:         id,
		Name:              name,
		AvailableQuantity: qty,
	})
	if err != nil {
		t.Fatalf("Failed to seed product %s: %v", id, err)
	}
}

func getProduct(t *testing.T, store *infrastructure.MemoryStore, id string) *domain.Product {
	t.Helper()
	product, err := store.Repositories().Stock.GetProduct(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to read product %s: %v", id, err)
	}
	return product
}

func newService(store *infrastructure.MemoryStore) *application.StockApplicationService {
	return newServiceAttempts(store, 3)
}

func newServiceAttempts(store *infrastructure.MemoryStore, maxAttempts int) *application.StockApplicationService {
	return application.NewStockApplicationService(
		store, store.Repositories(), nil, otel.Tracer("test"), maxAttempts, time.Millisecond)
}

func newServiceWithUow(uow domain.UnitOfWork, store *infrastructure.MemoryStore) *application.StockApplicationService {
	return application.NewStockApplicationService(
		uow, store.Repositories(), nil, otel.Tracer("test"), 3, time.Millisecond)
}

// interceptUow 在事务前后挂接动作：before 在第一次事务执行前运行一次
// （模拟并发竞争者抢先提交），after 在每次事务成功提交后运行。
type interceptUow struct {
	store  *infrastructure.MemoryStore
	once   sync.Once
	before func()
	after  func()
}

func (u *interceptUow) Execute(ctx context.Context, fn func(context.Context, domain.Repositories) error) error {
	if u.before != nil {
		u.once.Do(u.before)
	}
	err := u.store.Execute(ctx, fn)
	if err == nil && u.after != nil {
		u.after()
	}
	return err
}

// fakeProducer 记录所有发出的结果事件，可注入发送失败。
type fakeProducer struct {
	mu     sync.Mutex
	events []*domain.StockDebitedEvent
	err    error
}

func (f *fakeProducer) PublishStockDebited(_ context.Context, event *domain.StockDebitedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeProducer) published() []*domain.StockDebitedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.StockDebitedEvent, len(f.events))
	copy(out, f.events)
	return out
}

func newRouter(store *infrastructure.MemoryStore, producer *fakeProducer) *application.EventRouter {
	tracer := otel.Tracer("test")
	return application.NewEventRouter(
		store,
		application.NewConfirmationProcessor(tracer),
		application.NewCompensationProcessor(tracer),
		producer,
		tracer,
	)
}

func confirmedEvent(t *testing.T, eventID, orderID string, items ...domain.OrderItem) application.InboundEvent {
	t.Helper()
	payload, err := json.Marshal(domain.OrderConfirmedEvent{
		EventID:        eventID,
		OrderID:        orderID,
		CustomerID:     "customer-1",
		Items:          items,
		CorrelationID:  "corr-" + orderID,
		OrderCreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Failed to marshal OrderConfirmed event: %v", err)
	}
	return application.InboundEvent{Type: domain.EventTypeOrderConfirmed, Payload: payload}
}

func cancelledEvent(t *testing.T, eventID, orderID, reason string) application.InboundEvent {
	t.Helper()
	payload, err := json.Marshal(domain.OrderCancelledEvent{
		EventID:            eventID,
		OrderID:            orderID,
		CancellationReason: reason,
		CorrelationID:      "corr-" + orderID,
		CancelledAt:        time.Now(),
	})
	if err != nil {
		t.Fatalf("Failed to marshal OrderCancelled event: %v", err)
	}
	return application.InboundEvent{Type: domain.EventTypeOrderCancelled, Payload: payload}
}

func reservationsByStatus(t *testing.T, store *infrastructure.MemoryStore, orderID string, status domain.ReservationStatus) []*domain.Reservation {
	t.Helper()
	rows, err := store.Repositories().Reservations.FindByOrderAndStatus(context.Background(), orderID, status)
	if err != nil {
		t.Fatalf("Failed to query reservations for order %s: %v", orderID, err)
	}
	return rows
}
