// internal/service/stock/domain/repository.go
package domain

import "context"

// StockRepository 定义库存台账的持久化接口。
// 它位于领域层，由基础设施层实现。
type StockRepository interface {
	// GetProduct 读取商品当前的可用数量和版本号。
	// 商品不存在时返回 ErrProductNotFound。
	GetProduct(ctx context.Context, productID string) (*Product, error)

	// SaveProduct 新建或覆盖一条商品记录（运维/初始化用，不走乐观锁）。
	SaveProduct(ctx context.Context, product *Product) error

	// UpdateProductQuantity 以乐观锁方式提交数量变更：
	// 仅当存储中的版本仍等于 expectedVersion 时写入 newQuantity 并递增版本，
	// 版本不匹配时返回 ErrConflict，商品不存在时返回 ErrProductNotFound。
	UpdateProductQuantity(ctx context.Context, productID string, expectedVersion int64, newQuantity int) error

	// RestoreProductQuantity 原子地把 quantity 归还到可用库存并递增版本号。
	// 自增不可能破坏非负不变量，因此不需要版本前置条件；
	// 商品不存在时返回 ErrProductNotFound。
	RestoreProductQuantity(ctx context.Context, productID string, quantity int) error
}

// ReservationRepository 定义预留记录的持久化接口。
type ReservationRepository interface {
	// Create 写入一条新的预留记录。
	// 同一订单同一商品已存在 RESERVED 行时返回 ErrDuplicateReservation，
	// 该约束由存储层强制，是去重检查在并发下的最终防线。
	Create(ctx context.Context, reservation *Reservation) error

	// Delete 物理删除一条预留记录。
	// 仅用于同步路径的立即回滚：本次 Reserve 内刚创建、尚未对外暴露的记录。
	Delete(ctx context.Context, id string) error

	// FindByID 按预留 ID 查找。不存在时返回 ErrReservationNotFound。
	FindByID(ctx context.Context, id string) (*Reservation, error)

	// FindByOrder 返回某订单下的全部预留记录。
	FindByOrder(ctx context.Context, orderID string) ([]*Reservation, error)

	// FindByOrderAndStatus 返回某订单下处于指定状态的预留记录。
	// 两个异步处理器只会用 StatusReserved 查询，终态行天然不可再流转。
	FindByOrderAndStatus(ctx context.Context, orderID string, status ReservationStatus) ([]*Reservation, error)

	// Update 保存状态流转后的预留记录。
	Update(ctx context.Context, reservation *Reservation) error
}

// ProcessedEventRepository 定义幂等账本的持久化接口。
type ProcessedEventRepository interface {
	// Exists 判断 EventID 是否已被处理。
	Exists(ctx context.Context, eventID string) (bool, error)

	// Record 插入一条账本记录。EventID 上有唯一约束，
	// 并发重复插入时返回 ErrDuplicateEvent。
	Record(ctx context.Context, event *ProcessedEvent) error
}

// Repositories 把三个仓储聚在一起，作为一个事务作用域内的访问入口。
type Repositories struct {
	Stock           StockRepository
	Reservations    ReservationRepository
	ProcessedEvents ProcessedEventRepository
}

// UnitOfWork 提供一个原子执行域：fn 内通过 repos 做的全部写入
// 要么一起提交，要么在 fn 返回错误时一起回滚。
// 事件路由依赖它保证"处理器的数据变更 + 幂等账本插入"是同一个事务。
type UnitOfWork interface {
	Execute(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}
