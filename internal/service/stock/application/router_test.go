package application_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"stocknexus/internal/service/stock/application"
	"stocknexus/internal/service/stock/domain"
	"stocknexus/internal/service/stock/infrastructure"

	"go.opentelemetry.io/otel"
)

// reserveForOrder 为路由测试准备一笔已预留的订单。
func reserveForOrder(t *testing.T, store *infrastructure.MemoryStore, orderID, productID string, qty int) string {
	t.Helper()
	svc := newService(store)
	resp, err := svc.Reserve(context.Background(), &application.ReserveStockRequest{
		OrderID:       orderID,
		CorrelationID: "corr-" + orderID,
		Items:         []application.ReserveItemRequest{{ProductID: productID, Quantity: qty}},
	})
	if err != nil || !resp.Success {
		t.Fatalf("Failed to seed reservation for order %s: err=%v resp=%+v", orderID, err, resp)
	}
	return resp.ReservationResults[0].ReservationID
}

func ledgerHas(t *testing.T, store *infrastructure.MemoryStore, eventID string) bool {
	t.Helper()
	exists, err := store.Repositories().ProcessedEvents.Exists(context.Background(), eventID)
	if err != nil {
		t.Fatalf("Failed to query idempotency ledger: %v", err)
	}
	return exists
}

func TestRoute_OrderConfirmed(t *testing.T) {
	store := infrastructure.NewMemoryStore()
	seedProduct(t, store, "product-1", "Widget", 100)
	reserveForOrder(t, store, "order-1", "product-1", 15)

	producer := &fakeProducer{}
	router := newRouter(store, producer)

	evt := confirmedEvent(t, "evt-1", "order-1", domain.OrderItem{ProductID: "product-1", ProductName: "Widget", Quantity: 15})
	if err := router.Route(context.Background(), evt); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// 预留转为最终扣减，库存台账不再变动
	if rows := reservationsByStatus(t, store, "order-1", domain.StatusDebited); len(rows) != 1 {
		t.Fatalf("Expected 1 debited row, got %d", len(rows))
	}
	if got := getProduct(t, store, "product-1").AvailableQuantity; got != 85 {
		t.Errorf("Confirmation must not touch stock again, got %d", got)
	}
	if !ledgerHas(t, store, "evt-1") {
		t.Error("Expected event recorded in the idempotency ledger")
	}

	published := producer.published()
	if len(published) != 1 {
		t.Fatalf("Expected 1 StockDebited event, got %d", len(published))
	}
	out := published[0]
	if out.OrderID != "order-1" || !out.AllDeductionsSuccessful {
		t.Errorf("Unexpected result event: %+v", out)
	}
	if len(out.StockDeductions) != 1 {
		t.Fatalf("Expected 1 deduction, got %d", len(out.StockDeductions))
	}
	d := out.StockDeductions[0]
	if d.QuantityDebited != 15 || d.PreviousStock != 100 || d.NewStock != 85 {
		t.Errorf("Unexpected deduction audit: %+v", d)
	}
}

func TestRoute_DuplicateDelivery(t *testing.T) {
	store := infrastructure.NewMemoryStore()
	seedProduct(t, store, "product-1", "Widget", 100)
	reserveForOrder(t, store, "order-1", "product-1", 15)

	producer := &fakeProducer{}
	router := newRouter(store, producer)

	evt := confirmedEvent(t, "evt-1", "order-1", domain.OrderItem{ProductID: "product-1", Quantity: 15})
	for i := 0; i < 3; i++ {
		if err := router.Route(context.Background(), evt); err != nil {
			t.Fatalf("Delivery %d: expected no error, got %v", i, err)
		}
	}

	// 效果只施加一次：一条账本记录，一个结果事件，库存不二次变动
	if len(producer.published()) != 1 {
		t.Errorf("Expected exactly 1 StockDebited event, got %d", len(producer.published()))
	}
	if got := getProduct(t, store, "product-1").AvailableQuantity; got != 85 {
		t.Errorf("Expected stock unchanged at 85, got %d", got)
	}
	if rows := reservationsByStatus(t, store, "order-1", domain.StatusDebited); len(rows) != 1 {
		t.Errorf("Expected 1 debited row, got %d", len(rows))
	}
}

func TestRoute_OrderCancelled(t *testing.T) {
	store := infrastructure.NewMemoryStore()
	seedProduct(t, store, "product-1", "Widget", 100)
	reserveForOrder(t, store, "order-1", "product-1", 15)

	producer := &fakeProducer{}
	router := newRouter(store, producer)

	if err := router.Route(context.Background(), cancelledEvent(t, "evt-1", "order-1", "payment timeout")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// 库存原数归还，预留流转为 RELEASED
	if got := getProduct(t, store, "product-1").AvailableQuantity; got != 100 {
		t.Errorf("Expected stock restored to 100, got %d", got)
	}
	rows := reservationsByStatus(t, store, "order-1", domain.StatusReleased)
	if len(rows) != 1 {
		t.Fatalf("Expected 1 released row, got %d", len(rows))
	}
	if !strings.Contains(rows[0].ProcessingNotes, "payment timeout") {
		t.Errorf("Expected cancellation reason in notes, got %q", rows[0].ProcessingNotes)
	}
	// 补偿不产生结果事件
	if len(producer.published()) != 0 {
		t.Errorf("Expected no StockDebited events, got %d", len(producer.published()))
	}
	if !ledgerHas(t, store, "evt-1") {
		t.Error("Expected cancellation recorded in the idempotency ledger")
	}
}

func TestRoute_CancelAfterConfirmIsNoOp(t *testing.T) {
	store := infrastructure.NewMemoryStore()
	seedProduct(t, store, "product-1", "Widget", 100)
	reserveForOrder(t, store, "order-1", "product-1", 15)

	producer := &fakeProducer{}
	router := newRouter(store, producer)

	if err := router.Route(context.Background(), confirmedEvent(t, "evt-confirm", "order-1",
		domain.OrderItem{ProductID: "product-1", Quantity: 15})); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if err := router.Route(context.Background(), cancelledEvent(t, "evt-cancel", "order-1", "changed mind")); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	// 确认在先，取消找不到 RESERVED 行：空转但记账，库存不归还
	if got := getProduct(t, store, "product-1").AvailableQuantity; got != 85 {
		t.Errorf("Expected stock to stay at 85, got %d", got)
	}
	if rows := reservationsByStatus(t, store, "order-1", domain.StatusDebited); len(rows) != 1 {
		t.Errorf("Expected the debited row to survive, got %d", len(rows))
	}
	if rows := reservationsByStatus(t, store, "order-1", domain.StatusReleased); len(rows) != 0 {
		t.Errorf("Expected no released rows, got %d", len(rows))
	}
	if !ledgerHas(t, store, "evt-cancel") {
		t.Error("Expected the no-op cancellation to be ledgered")
	}
}

func TestRoute_ConfirmWithoutReservations(t *testing.T) {
	store := infrastructure.NewMemoryStore()
	producer := &fakeProducer{}
	router := newRouter(store, producer)

	evt := confirmedEvent(t, "evt-1", "order-ghost", domain.OrderItem{ProductID: "product-1", Quantity: 1})
	if err := router.Route(context.Background(), evt); err != nil {
		t.Fatalf("Anomaly must be absorbed, got error: %v", err)
	}

	// 记账防止无限重投，但不发结果事件
	if !ledgerHas(t, store, "evt-1") {
		t.Error("Expected anomaly to be ledgered")
	}
	if len(producer.published()) != 0 {
		t.Errorf("Expected no StockDebited events, got %d", len(producer.published()))
	}
}

func TestRoute_ConfirmWithMissingProduct(t *testing.T) {
	store := infrastructure.NewMemoryStore()
	seedProduct(t, store, "product-1", "Widget", 100)
	reserveForOrder(t, store, "order-1", "product-1", 10)

	// 预留后商品记录被删：确认仍然推进，但结果事件带失败标记
	if err := store.DeleteProduct(context.Background(), "product-1"); err != nil {
		t.Fatalf("Failed to delete product: %v", err)
	}

	producer := &fakeProducer{}
	router := newRouter(store, producer)

	if err := router.Route(context.Background(), confirmedEvent(t, "evt-1", "order-1",
		domain.OrderItem{ProductID: "product-1", Quantity: 10})); err != nil {
		t.Fatalf("Expected anomaly to be absorbed, got: %v", err)
	}

	rows := reservationsByStatus(t, store, "order-1", domain.StatusDebited)
	if len(rows) != 1 {
		t.Fatalf("Expected 1 debited row, got %d", len(rows))
	}
	if !strings.Contains(rows[0].ProcessingNotes, "product record missing") {
		t.Errorf("Expected anomaly note, got %q", rows[0].ProcessingNotes)
	}

	published := producer.published()
	if len(published) != 1 {
		t.Fatalf("Expected 1 StockDebited event, got %d", len(published))
	}
	if published[0].AllDeductionsSuccessful {
		t.Error("Expected AllDeductionsSuccessful=false")
	}
	if !strings.Contains(published[0].ErrorMessage, "product-1") {
		t.Errorf("Expected failing product named in error message, got %q", published[0].ErrorMessage)
	}
}

func TestRoute_CancelWithMissingProduct(t *testing.T) {
	store := infrastructure.NewMemoryStore()
	seedProduct(t, store, "product-1", "Widget", 100)
	reserveForOrder(t, store, "order-1", "product-1", 10)

	if err := store.DeleteProduct(context.Background(), "product-1"); err != nil {
		t.Fatalf("Failed to delete product: %v", err)
	}

	router := newRouter(store, &fakeProducer{})
	if err := router.Route(context.Background(), cancelledEvent(t, "evt-1", "order-1", "cleanup")); err != nil {
		t.Fatalf("Expected anomaly to be absorbed, got: %v", err)
	}

	rows := reservationsByStatus(t, store, "order-1", domain.StatusReleased)
	if len(rows) != 1 {
		t.Fatalf("Expected 1 released row, got %d", len(rows))
	}
	if !strings.Contains(rows[0].ProcessingNotes, "product record missing") {
		t.Errorf("Expected anomaly note, got %q", rows[0].ProcessingNotes)
	}
}

func TestRoute_UnknownEventType(t *testing.T) {
	router := newRouter(infrastructure.NewMemoryStore(), &fakeProducer{})
	err := router.Route(context.Background(), application.InboundEvent{Type: "OrderShipped", Payload: []byte("{}")})
	if !errors.Is(err, application.ErrUnknownEventType) {
		t.Fatalf("Expected ErrUnknownEventType, got %v", err)
	}
}

func TestRoute_MalformedPayloadIsSkipped(t *testing.T) {
	store := infrastructure.NewMemoryStore()
	producer := &fakeProducer{}
	router := newRouter(store, producer)

	for _, typ := range []domain.EventType{domain.EventTypeOrderConfirmed, domain.EventTypeOrderCancelled} {
		evt := application.InboundEvent{Type: typ, Payload: []byte("not json")}
		if err := router.Route(context.Background(), evt); err != nil {
			t.Errorf("Type %s: malformed payload must be skipped, got %v", typ, err)
		}
	}
	if len(producer.published()) != 0 {
		t.Errorf("Expected no events published, got %d", len(producer.published()))
	}
}

func TestRoute_MissingEventIDIsSkipped(t *testing.T) {
	store := infrastructure.NewMemoryStore()
	seedProduct(t, store, "product-1", "Widget", 100)
	reserveForOrder(t, store, "order-1", "product-1", 10)

	router := newRouter(store, &fakeProducer{})
	if err := router.Route(context.Background(), confirmedEvent(t, "", "order-1",
		domain.OrderItem{ProductID: "product-1", Quantity: 10})); err != nil {
		t.Fatalf("Event without id must be skipped, got: %v", err)
	}
	// 无去重键的事件不能施加效果
	if rows := reservationsByStatus(t, store, "order-1", domain.StatusReserved); len(rows) != 1 {
		t.Errorf("Expected reservation to remain RESERVED, got %d reserved rows", len(rows))
	}
}

// failingUow 模拟存储故障：任何事务都以注入的错误失败。
type failingUow struct {
	err error
}

func (f *failingUow) Execute(context.Context, func(context.Context, domain.Repositories) error) error {
	return f.err
}

func TestRoute_StorageErrorLeavesEventUnacknowledged(t *testing.T) {
	storageErr := errors.New("connection refused")
	tracer := otel.Tracer("test")
	producer := &fakeProducer{}
	router := application.NewEventRouter(
		&failingUow{err: storageErr},
		application.NewConfirmationProcessor(tracer),
		application.NewCompensationProcessor(tracer),
		producer,
		tracer,
	)

	evt := confirmedEvent(t, "evt-1", "order-1", domain.OrderItem{ProductID: "product-1", Quantity: 1})
	if err := router.Route(context.Background(), evt); !errors.Is(err, storageErr) {
		t.Fatalf("Expected storage error to propagate, got %v", err)
	}
	if len(producer.published()) != 0 {
		t.Errorf("Expected no events published on failure, got %d", len(producer.published()))
	}
}

func TestRoute_ProducerFailureDoesNotFailRouting(t *testing.T) {
	store := infrastructure.NewMemoryStore()
	seedProduct(t, store, "product-1", "Widget", 100)
	reserveForOrder(t, store, "order-1", "product-1", 15)

	producer := &fakeProducer{err: errors.New("broker unavailable")}
	router := newRouter(store, producer)

	evt := confirmedEvent(t, "evt-1", "order-1", domain.OrderItem{ProductID: "product-1", Quantity: 15})
	// 结果事件只是尽力通知，发送失败不影响已提交的状态流转
	if err := router.Route(context.Background(), evt); err != nil {
		t.Fatalf("Expected publish failure to be absorbed, got: %v", err)
	}
	if rows := reservationsByStatus(t, store, "order-1", domain.StatusDebited); len(rows) != 1 {
		t.Errorf("Expected committed transition to survive, got %d debited rows", len(rows))
	}
	if !ledgerHas(t, store, "evt-1") {
		t.Error("Expected event ledgered despite publish failure")
	}
}

func TestRoute_ConcurrentDuplicates(t *testing.T) {
	store := infrastructure.NewMemoryStore()
	seedProduct(t, store, "product-1", "Widget", 100)
	reserveForOrder(t, store, "order-1", "product-1", 15)

	producer := &fakeProducer{}
	router := newRouter(store, producer)
	evt := confirmedEvent(t, "evt-1", "order-1", domain.OrderItem{ProductID: "product-1", Quantity: 15})

	const deliveries = 4
	var wg sync.WaitGroup
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = router.Route(context.Background(), evt)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Delivery %d failed: %v", i, err)
		}
	}
	if len(producer.published()) != 1 {
		t.Errorf("Expected exactly 1 StockDebited event, got %d", len(producer.published()))
	}
	if rows := reservationsByStatus(t, store, "order-1", domain.StatusDebited); len(rows) != 1 {
		t.Errorf("Expected 1 debited row, got %d", len(rows))
	}
}
