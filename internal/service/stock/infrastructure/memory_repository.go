// internal/service/stock/infrastructure/memory_repository.go
package infrastructure

import (
	"context"
	"sync"

	"stocknexus/internal/service/stock/domain"
)

// MemoryStore 是三个仓储和 UnitOfWork 的进程内实现，
// 用于本地开发（storage: memory）和单元测试。
// Execute 持有全局锁并在失败时恢复快照，语义上等价于数据库事务；
// 非事务读走同一把锁的短临界区，乐观锁版本检查与 MySQL 实现一致。
type MemoryStore struct {
	mu           sync.Mutex
	products     map[string]domain.Product
	reservations map[string]domain.Reservation
	events       map[string]domain.ProcessedEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:     make(map[string]domain.Product),
		reservations: make(map[string]domain.Reservation),
		events:       make(map[string]domain.ProcessedEvent),
	}
}

// Repositories 返回带锁的仓储视图，供事务外的读路径使用。
func (s *MemoryStore) Repositories() domain.Repositories {
	return s.repositories(false)
}

func (s *MemoryStore) repositories(inTx bool) domain.Repositories {
	return domain.Repositories{
		Stock:           &memStockRepository{store: s, inTx: inTx},
		Reservations:    &memReservationRepository{store: s, inTx: inTx},
		ProcessedEvents: &memProcessedEventRepository{store: s, inTx: inTx},
	}
}

// Execute 实现 domain.UnitOfWork：fn 报错时恢复执行前的快照。
func (s *MemoryStore) Execute(ctx context.Context, fn func(ctx context.Context, repos domain.Repositories) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.clone()
	if err := fn(ctx, s.repositories(true)); err != nil {
		s.products = snapshot.products
		s.reservations = snapshot.reservations
		s.events = snapshot.events
		return err
	}
	return nil
}

// DeleteProduct 直接移除商品记录，用于构造商品缺失的异常场景。
func (s *MemoryStore) DeleteProduct(_ context.Context, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[productID]; !ok {
		return domain.ErrProductNotFound
	}
	delete(s.products, productID)
	return nil
}

type storeSnapshot struct {
	products     map[string]domain.Product
	reservations map[string]domain.Reservation
	events       map[string]domain.ProcessedEvent
}

func (s *MemoryStore) clone() storeSnapshot {
	snap := storeSnapshot{
		products:     make(map[string]domain.Product, len(s.products)),
		reservations: make(map[string]domain.Reservation, len(s.reservations)),
		events:       make(map[string]domain.ProcessedEvent, len(s.events)),
	}
	for k, v := range s.products {
		snap.products[k] = v
	}
	for k, v := range s.reservations {
		snap.reservations[k] = v
	}
	for k, v := range s.events {
		snap.events[k] = v
	}
	return snap
}

// withLock 在非事务访问时加锁；事务内锁已由 Execute 持有。
func (s *MemoryStore) withLock(inTx bool, fn func() error) error {
	if !inTx {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn()
}

type memStockRepository struct {
	store *MemoryStore
	inTx  bool
}

func (r *memStockRepository) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	var product domain.Product
	err := r.store.withLock(r.inTx, func() error {
		p, ok := r.store.products[productID]
		if !ok {
			return domain.ErrProductNotFound
		}
		product = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (r *memStockRepository) SaveProduct(_ context.Context, product *domain.Product) error {
	return r.store.withLock(r.inTx, func() error {
		r.store.products[product.ProductID] = *product
		return nil
	})
}

func (r *memStockRepository) UpdateProductQuantity(_ context.Context, productID string, expectedVersion int64, newQuantity int) error {
	if newQuantity < 0 {
		return domain.ErrInsufficientStock
	}
	return r.store.withLock(r.inTx, func() error {
		p, ok := r.store.products[productID]
		if !ok {
			return domain.ErrProductNotFound
		}
		if p.Version != expectedVersion {
			return domain.ErrConflict
		}
		p.AvailableQuantity = newQuantity
		p.Version = expectedVersion + 1
		r.store.products[productID] = p
		return nil
	})
}

func (r *memStockRepository) RestoreProductQuantity(_ context.Context, productID string, quantity int) error {
	if quantity <= 0 {
		return domain.ErrValidation
	}
	return r.store.withLock(r.inTx, func() error {
		p, ok := r.store.products[productID]
		if !ok {
			return domain.ErrProductNotFound
		}
		p.AvailableQuantity += quantity
		p.Version++
		r.store.products[productID] = p
		return nil
	})
}

type memReservationRepository struct {
	store *MemoryStore
	inTx  bool
}

func (r *memReservationRepository) Create(_ context.Context, reservation *domain.Reservation) error {
	return r.store.withLock(r.inTx, func() error {
		// 与 MySQL 的 active_key 唯一索引等价的防线
		if reservation.Status == domain.StatusReserved {
			for _, res := range r.store.reservations {
				if res.OrderID == reservation.OrderID &&
					res.ProductID == reservation.ProductID &&
					res.Status == domain.StatusReserved {
					return domain.ErrDuplicateReservation
				}
			}
		}
		r.store.reservations[reservation.ID] = *reservation
		return nil
	})
}

func (r *memReservationRepository) Delete(_ context.Context, id string) error {
	return r.store.withLock(r.inTx, func() error {
		delete(r.store.reservations, id)
		return nil
	})
}

func (r *memReservationRepository) FindByID(_ context.Context, id string) (*domain.Reservation, error) {
	var reservation domain.Reservation
	err := r.store.withLock(r.inTx, func() error {
		res, ok := r.store.reservations[id]
		if !ok {
			return domain.ErrReservationNotFound
		}
		reservation = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

func (r *memReservationRepository) FindByOrder(_ context.Context, orderID string) ([]*domain.Reservation, error) {
	return r.findBy(orderID, "")
}

func (r *memReservationRepository) FindByOrderAndStatus(_ context.Context, orderID string, status domain.ReservationStatus) ([]*domain.Reservation, error) {
	return r.findBy(orderID, status)
}

func (r *memReservationRepository) findBy(orderID string, status domain.ReservationStatus) ([]*domain.Reservation, error) {
	var out []*domain.Reservation
	err := r.store.withLock(r.inTx, func() error {
		for _, res := range r.store.reservations {
			if res.OrderID != orderID {
				continue
			}
			if status != "" && res.Status != status {
				continue
			}
			copied := res
			out = append(out, &copied)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *memReservationRepository) Update(_ context.Context, reservation *domain.Reservation) error {
	return r.store.withLock(r.inTx, func() error {
		if _, ok := r.store.reservations[reservation.ID]; !ok {
			return domain.ErrReservationNotFound
		}
		r.store.reservations[reservation.ID] = *reservation
		return nil
	})
}

type memProcessedEventRepository struct {
	store *MemoryStore
	inTx  bool
}

func (r *memProcessedEventRepository) Exists(_ context.Context, eventID string) (bool, error) {
	exists := false
	err := r.store.withLock(r.inTx, func() error {
		_, exists = r.store.events[eventID]
		return nil
	})
	return exists, err
}

func (r *memProcessedEventRepository) Record(_ context.Context, event *domain.ProcessedEvent) error {
	return r.store.withLock(r.inTx, func() error {
		if _, ok := r.store.events[event.EventID]; ok {
			return domain.ErrDuplicateEvent
		}
		r.store.events[event.EventID] = *event
		return nil
	})
}
