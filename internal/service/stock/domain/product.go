// internal/service/stock/domain/product.go
package domain

// Product 是库存台账中的一条商品记录。
// AvailableQuantity 是核心流程唯一会修改的字段，Version 是乐观锁版本号：
// 所有数量变更都必须以"读到的版本仍然有效"为前提提交，保证跨实例下
// AvailableQuantity 永远不会变成负数。
type Product struct {
	ProductID         string
	Name              string
	AvailableQuantity int
	Version           int64
}

// CanFulfill 判断当前可用库存能否满足请求数量。
func (p *Product) CanFulfill(quantity int) bool {
	return p.AvailableQuantity >= quantity
}

// Decrement 在内存中扣减可用库存并递增版本号。
// 调用方必须先通过 CanFulfill 判断，这里只做兜底校验。
func (p *Product) Decrement(quantity int) error {
	if quantity <= 0 {
		return ErrValidation
	}
	if p.AvailableQuantity < quantity {
		return ErrInsufficientStock
	}
	p.AvailableQuantity -= quantity
	p.Version++
	return nil
}

// Increment 在内存中归还可用库存并递增版本号，是 Decrement 的逆操作。
func (p *Product) Increment(quantity int) error {
	if quantity <= 0 {
		return ErrValidation
	}
	p.AvailableQuantity += quantity
	p.Version++
	return nil
}
