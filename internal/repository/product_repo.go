package repository

import (
	"context"
	"errors"
	"time"

	"blendsync/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProductRepository covers the ledger side of products: quantity follows the
// append-only stock-movement log.
type ProductRepository interface {
	// ReconcileQuantity recomputes quantity from the stock-movement ledger and
	// bumps the product's syncVersion when the value changed.
	ReconcileQuantity(ctx context.Context, storeID, productID uuid.UUID) error
}

type productRepo struct{ db *gorm.DB }

func NewProductRepository(db *gorm.DB) ProductRepository { return &productRepo{db: db} }

func (r *productRepo) ReconcileQuantity(ctx context.Context, storeID, productID uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var product model.Product
		err := tx.Where("id = ? AND store_id = ?", productID, storeID).Take(&product).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var qty int
		err = tx.Model(&model.StockMovement{}).
			Select("COALESCE(SUM(qty), 0)").
			Where("store_id = ? AND product_id = ? AND deleted = false", storeID, productID).
			Scan(&qty).Error
		if err != nil {
			return err
		}
		if qty == product.Quantity {
			return nil
		}

		return tx.Model(&model.Product{}).
			Where("id = ? AND store_id = ?", productID, storeID).
			Updates(map[string]any{
				"quantity":       qty,
				"sync_version":   gorm.Expr("sync_version + 1"),
				"last_synced_at": time.Now().UTC(),
			}).Error
	})
}
