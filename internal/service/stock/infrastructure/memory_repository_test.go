package infrastructure

import (
	"context"
	"errors"
	"testing"
	"time"

	"stocknexus/internal/service/stock/domain"
)

func seedMemProduct(t *testing.T, store *MemoryStore, id string, qty int, version int64) {
	t.Helper()
	err := store.Repositories().Stock.SaveProduct(context.Background(), &domain.Product{
		ProductID:         id,
		Name:              "Widget",
		AvailableQuantity: qty,
		Version:           version,
	})
	if err != nil {
		t.Fatalf("Failed to seed product: %v", err)
	}
}

func TestMemoryStore_UpdateProductQuantityCAS(t *testing.T) {
	store := NewMemoryStore()
	seedMemProduct(t, store, "product-1", 10, 3)
	repo := store.Repositories().Stock

	if err := repo.UpdateProductQuantity(context.Background(), "product-1", 3, 7); err != nil {
		t.Fatalf("Expected CAS success, got: %v", err)
	}
	p, err := repo.GetProduct(context.Background(), "product-1")
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if p.AvailableQuantity != 7 || p.Version != 4 {
		t.Errorf("Expected quantity 7 version 4, got %+v", p)
	}

	// 陈旧版本必须被拒绝且不产生任何变更
	if err := repo.UpdateProductQuantity(context.Background(), "product-1", 3, 5); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Expected ErrConflict for stale version, got %v", err)
	}
	p, _ = repo.GetProduct(context.Background(), "product-1")
	if p.AvailableQuantity != 7 {
		t.Errorf("Stock must stay untouched after conflict, got %d", p.AvailableQuantity)
	}

	if err := repo.UpdateProductQuantity(context.Background(), "ghost", 0, 1); !errors.Is(err, domain.ErrProductNotFound) {
		t.Errorf("Expected ErrProductNotFound, got %v", err)
	}
}

func TestMemoryStore_RestoreProductQuantity(t *testing.T) {
	store := NewMemoryStore()
	seedMemProduct(t, store, "product-1", 10, 3)
	repo := store.Repositories().Stock

	if err := repo.RestoreProductQuantity(context.Background(), "product-1", 4); err != nil {
		t.Fatalf("Expected restore to succeed, got: %v", err)
	}
	p, _ := repo.GetProduct(context.Background(), "product-1")
	if p.AvailableQuantity != 14 || p.Version != 4 {
		t.Errorf("Expected quantity 14 version 4, got %+v", p)
	}

	if err := repo.RestoreProductQuantity(context.Background(), "ghost", 1); !errors.Is(err, domain.ErrProductNotFound) {
		t.Errorf("Expected ErrProductNotFound, got %v", err)
	}
	if err := repo.RestoreProductQuantity(context.Background(), "product-1", 0); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Expected ErrValidation for non-positive quantity, got %v", err)
	}
}

func TestMemoryStore_CreateRejectsDuplicateActiveReservation(t *testing.T) {
	store := NewMemoryStore()
	repo := store.Repositories().Reservations

	first, err := domain.NewReservation("order-1", "product-1", "Widget", 5, "")
	if err != nil {
		t.Fatalf("NewReservation failed: %v", err)
	}
	if err := repo.Create(context.Background(), first); err != nil {
		t.Fatalf("First create failed: %v", err)
	}

	// 同一订单同一商品的第二条 RESERVED 行必须被唯一约束拒绝
	second, _ := domain.NewReservation("order-1", "product-1", "Widget", 5, "")
	if err := repo.Create(context.Background(), second); !errors.Is(err, domain.ErrDuplicateReservation) {
		t.Fatalf("Expected ErrDuplicateReservation, got %v", err)
	}

	// 其他订单或商品不受影响
	other, _ := domain.NewReservation("order-2", "product-1", "Widget", 5, "")
	if err := repo.Create(context.Background(), other); err != nil {
		t.Errorf("Create for another order failed: %v", err)
	}

	// 终态行不再占用约束
	if err := first.MarkReleased(""); err != nil {
		t.Fatalf("MarkReleased failed: %v", err)
	}
	if err := repo.Update(context.Background(), first); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	third, _ := domain.NewReservation("order-1", "product-1", "Widget", 5, "")
	if err := repo.Create(context.Background(), third); err != nil {
		t.Errorf("Expected create after release to succeed, got %v", err)
	}
}

func TestMemoryStore_ExecuteRollsBackOnError(t *testing.T) {
	store := NewMemoryStore()
	seedMemProduct(t, store, "product-1", 10, 0)
	boom := errors.New("boom")

	err := store.Execute(context.Background(), func(ctx context.Context, repos domain.Repositories) error {
		if err := repos.Stock.UpdateProductQuantity(ctx, "product-1", 0, 4); err != nil {
			return err
		}
		res, _ := domain.NewReservation("order-1", "product-1", "Widget", 6, "")
		if err := repos.Reservations.Create(ctx, res); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected injected error, got %v", err)
	}

	// 事务内的全部写入都必须回滚
	p, _ := store.Repositories().Stock.GetProduct(context.Background(), "product-1")
	if p.AvailableQuantity != 10 || p.Version != 0 {
		t.Errorf("Expected product restored to snapshot, got %+v", p)
	}
	rows, _ := store.Repositories().Reservations.FindByOrder(context.Background(), "order-1")
	if len(rows) != 0 {
		t.Errorf("Expected no reservation rows after rollback, got %d", len(rows))
	}
}

func TestMemoryStore_ExecuteCommits(t *testing.T) {
	store := NewMemoryStore()
	seedMemProduct(t, store, "product-1", 10, 0)

	err := store.Execute(context.Background(), func(ctx context.Context, repos domain.Repositories) error {
		return repos.Stock.UpdateProductQuantity(ctx, "product-1", 0, 4)
	})
	if err != nil {
		t.Fatalf("Expected commit, got: %v", err)
	}
	p, _ := store.Repositories().Stock.GetProduct(context.Background(), "product-1")
	if p.AvailableQuantity != 4 {
		t.Errorf("Expected committed quantity 4, got %d", p.AvailableQuantity)
	}
}

func TestMemoryStore_RecordDuplicateEvent(t *testing.T) {
	store := NewMemoryStore()
	repo := store.Repositories().ProcessedEvents

	event := &domain.ProcessedEvent{
		EventID:     "evt-1",
		EventType:   domain.EventTypeOrderConfirmed,
		OrderID:     "order-1",
		ProcessedAt: time.Now(),
	}
	if err := repo.Record(context.Background(), event); err != nil {
		t.Fatalf("First record failed: %v", err)
	}
	if err := repo.Record(context.Background(), event); !errors.Is(err, domain.ErrDuplicateEvent) {
		t.Fatalf("Expected ErrDuplicateEvent, got %v", err)
	}

	exists, err := repo.Exists(context.Background(), "evt-1")
	if err != nil || !exists {
		t.Errorf("Expected event to exist, got exists=%t err=%v", exists, err)
	}
	exists, _ = repo.Exists(context.Background(), "evt-2")
	if exists {
		t.Error("Expected unknown event id to be absent")
	}
}

func TestMemoryStore_ReservationLifecycle(t *testing.T) {
	store := NewMemoryStore()
	repo := store.Repositories().Reservations

	res, err := domain.NewReservation("order-1", "product-1", "Widget", 5, "corr-1")
	if err != nil {
		t.Fatalf("NewReservation failed: %v", err)
	}
	if err := repo.Create(context.Background(), res); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_ = res.MarkDebited("done")
	if err := repo.Update(context.Background(), res); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err := repo.FindByID(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got.Status != domain.StatusDebited {
		t.Errorf("Expected DEBITED, got %s", got.Status)
	}

	// 按状态过滤只返回匹配行
	rows, _ := repo.FindByOrderAndStatus(context.Background(), "order-1", domain.StatusReserved)
	if len(rows) != 0 {
		t.Errorf("Expected no reserved rows, got %d", len(rows))
	}
	rows, _ = repo.FindByOrderAndStatus(context.Background(), "order-1", domain.StatusDebited)
	if len(rows) != 1 {
		t.Errorf("Expected 1 debited row, got %d", len(rows))
	}

	if err := repo.Delete(context.Background(), res.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := repo.FindByID(context.Background(), res.ID); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Errorf("Expected ErrReservationNotFound after delete, got %v", err)
	}
}
