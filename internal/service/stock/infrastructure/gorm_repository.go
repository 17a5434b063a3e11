// internal/service/stock/infrastructure/gorm_repository.go
package infrastructure

import (
	"context"
	stderrors "errors"

	"stocknexus/internal/service/stock/domain"

	driver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const mysqlErrDuplicateEntry = 1062

// isDuplicateKey 识别唯一约束冲突（MySQL 1062 及 gorm 的翻译）。
func isDuplicateKey(err error) bool {
	var mysqlErr *driver.MySQLError
	if stderrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
		return true
	}
	return stderrors.Is(err, gorm.ErrDuplicatedKey)
}

// NewMysqlDB 打开 MySQL 连接并迁移表结构。
func NewMysqlDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open mysql connection")
	}
	if err := db.AutoMigrate(&ProductModel{}, &ReservationModel{}, &ProcessedEventModel{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate stock schema")
	}
	return db, nil
}

// NewGormRepositories 基于给定的 gorm 句柄（可以是事务句柄）构造仓储集合。
func NewGormRepositories(db *gorm.DB) domain.Repositories {
	return domain.Repositories{
		Stock:           &GormStockRepository{db: db},
		Reservations:    &GormReservationRepository{db: db},
		ProcessedEvents: &GormProcessedEventRepository{db: db},
	}
}

// GormUnitOfWork 用数据库事务实现原子执行域。
type GormUnitOfWork struct {
	db *gorm.DB
}

func NewGormUnitOfWork(db *gorm.DB) *GormUnitOfWork {
	return &GormUnitOfWork{db: db}
}

// Execute 在一个事务内运行 fn；fn 返回错误时整个事务回滚。
func (u *GormUnitOfWork) Execute(ctx context.Context, fn func(ctx context.Context, repos domain.Repositories) error) error {
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewGormRepositories(tx))
	})
}

// GormStockRepository 是 StockRepository 的 GORM 实现。
type GormStockRepository struct {
	db *gorm.DB
}

func (r *GormStockRepository) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var model ProductModel
	err := r.db.WithContext(ctx).Where("product_id = ?", productID).First(&model).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrProductNotFound
		}
		return nil, errors.Wrap(err, "failed to query product stock")
	}
	return ToDomainProduct(&model), nil
}

func (r *GormStockRepository) SaveProduct(ctx context.Context, product *domain.Product) error {
	var model ProductModel
	err := r.db.WithContext(ctx).Where("product_id = ?", product.ProductID).First(&model).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		model = ProductModel{
			ProductID:         product.ProductID,
			Name:              product.Name,
			AvailableQuantity: product.AvailableQuantity,
			Version:           product.Version,
		}
		return errors.Wrap(r.db.WithContext(ctx).Create(&model).Error, "failed to create product stock")
	}
	if err != nil {
		return errors.Wrap(err, "failed to query product stock")
	}
	updateData := map[string]interface{}{
		"name":               product.Name,
		"available_quantity": product.AvailableQuantity,
		"version":            product.Version,
	}
	return errors.Wrap(
		r.db.WithContext(ctx).Model(&ProductModel{}).Where("product_id = ?", product.ProductID).Updates(updateData).Error,
		"failed to update product stock")
}

// UpdateProductQuantity 以 version 为条件提交数量变更。
// RowsAffected 为 0 说明版本已被并发修改（或商品不存在），绝不盲写。
func (r *GormStockRepository) UpdateProductQuantity(ctx context.Context, productID string, expectedVersion int64, newQuantity int) error {
	if newQuantity < 0 {
		return domain.ErrInsufficientStock
	}
	res := r.db.WithContext(ctx).Model(&ProductModel{}).
		Where("product_id = ? AND version = ?", productID, expectedVersion).
		Updates(map[string]interface{}{
			"available_quantity": newQuantity,
			"version":            expectedVersion + 1,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to update product stock")
	}
	if res.RowsAffected == 0 {
		// 区分"商品不存在"与"版本冲突"
		var count int64
		if err := r.db.WithContext(ctx).Model(&ProductModel{}).Where("product_id = ?", productID).Count(&count).Error; err != nil {
			return errors.Wrap(err, "failed to check product existence")
		}
		if count == 0 {
			return domain.ErrProductNotFound
		}
		return domain.ErrConflict
	}
	return nil
}

// RestoreProductQuantity 用原子自增归还库存，不做版本前置检查。
// 归还只会让可用数量变大，与并发扣减天然可交换，失败只可能是商品缺失。
func (r *GormStockRepository) RestoreProductQuantity(ctx context.Context, productID string, quantity int) error {
	if quantity <= 0 {
		return domain.ErrValidation
	}
	res := r.db.WithContext(ctx).Model(&ProductModel{}).
		Where("product_id = ?", productID).
		Updates(map[string]interface{}{
			"available_quantity": gorm.Expr("available_quantity + ?", quantity),
			"version":            gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to restore product stock")
	}
	if res.RowsAffected == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

// GormReservationRepository 是 ReservationRepository 的 GORM 实现。
type GormReservationRepository struct {
	db *gorm.DB
}

func (r *GormReservationRepository) Create(ctx context.Context, reservation *domain.Reservation) error {
	err := r.db.WithContext(ctx).Create(ToReservationModel(reservation)).Error
	if err == nil {
		return nil
	}
	// 撞上 active_key 唯一索引：另一个并发请求已为该订单该商品占位
	if isDuplicateKey(err) {
		return domain.ErrDuplicateReservation
	}
	return errors.Wrap(err, "failed to create reservation")
}

func (r *GormReservationRepository) Delete(ctx context.Context, id string) error {
	return errors.Wrap(
		r.db.WithContext(ctx).Where("id = ?", id).Delete(&ReservationModel{}).Error,
		"failed to delete reservation")
}

func (r *GormReservationRepository) FindByID(ctx context.Context, id string) (*domain.Reservation, error) {
	var model ReservationModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrReservationNotFound
		}
		return nil, errors.Wrap(err, "failed to query reservation")
	}
	return ToDomainReservation(&model), nil
}

func (r *GormReservationRepository) FindByOrder(ctx context.Context, orderID string) ([]*domain.Reservation, error) {
	var models []ReservationModel
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("reserved_at").Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to query reservations by order")
	}
	return toDomainReservations(models), nil
}

func (r *GormReservationRepository) FindByOrderAndStatus(ctx context.Context, orderID string, status domain.ReservationStatus) ([]*domain.Reservation, error) {
	var models []ReservationModel
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND status = ?", orderID, string(status)).
		Order("reserved_at").Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to query reservations by order and status")
	}
	return toDomainReservations(models), nil
}

func (r *GormReservationRepository) Update(ctx context.Context, reservation *domain.Reservation) error {
	model := ToReservationModel(reservation)
	// 状态流转到终态时一并清掉 active_key，释放唯一约束占位
	updateData := map[string]interface{}{
		"status":           model.Status,
		"active_key":       model.ActiveKey,
		"processed_at":     model.ProcessedAt,
		"processing_notes": model.ProcessingNotes,
	}
	return errors.Wrap(
		r.db.WithContext(ctx).Model(&ReservationModel{}).Where("id = ?", reservation.ID).Updates(updateData).Error,
		"failed to update reservation")
}

func toDomainReservations(models []ReservationModel) []*domain.Reservation {
	reservations := make([]*domain.Reservation, 0, len(models))
	for i := range models {
		reservations = append(reservations, ToDomainReservation(&models[i]))
	}
	return reservations
}

// GormProcessedEventRepository 是 ProcessedEventRepository 的 GORM 实现。
type GormProcessedEventRepository struct {
	db *gorm.DB
}

func (r *GormProcessedEventRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&ProcessedEventModel{}).Where("event_id = ?", eventID).Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to query processed event ledger")
	}
	return count > 0, nil
}

func (r *GormProcessedEventRepository) Record(ctx context.Context, event *domain.ProcessedEvent) error {
	err := r.db.WithContext(ctx).Create(ToProcessedEventModel(event)).Error
	if err == nil {
		return nil
	}
	// 并发重复投递会撞上 event_id 的唯一约束，翻译为领域语义
	if isDuplicateKey(err) {
		return domain.ErrDuplicateEvent
	}
	return errors.Wrap(err, "failed to record processed event")
}
