package repository

import (
	"context"
	"errors"
	"time"

	"blendsync/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CustomerRepository covers the derived-field side of customers: aggregates
// are recomputed from the non-voided sales of the tenant, never trusted from
// a client payload.
type CustomerRepository interface {
	RecomputeAggregates(ctx context.Context, storeID, customerID uuid.UUID) error
}

type customerRepo struct{ db *gorm.DB }

func NewCustomerRepository(db *gorm.DB) CustomerRepository { return &customerRepo{db: db} }

// RecomputeAggregates rebuilds totalOrders / totalSpent / lastOrderDate from
// the sales table and bumps the customer's syncVersion so clients pull the
// change. Idempotent: recomputing an unchanged customer still bumps nothing
// when the aggregates are identical.
func (r *customerRepo) RecomputeAggregates(ctx context.Context, storeID, customerID uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var customer model.Customer
		err := tx.Where("id = ? AND store_id = ?", customerID, storeID).Take(&customer).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // sale references a customer this tenant does not have
		}
		if err != nil {
			return err
		}

		type agg struct {
			Orders int
			Spent  decimal.Decimal
			Last   *time.Time
		}
		var a agg
		err = tx.Model(&model.Sale{}).
			Select("COUNT(*) AS orders, COALESCE(SUM(total), 0) AS spent, MAX(created_at) AS last").
			Where("store_id = ? AND customer_id = ? AND status <> ?", storeID, customerID, model.SaleVoided).
			Scan(&a).Error
		if err != nil {
			return err
		}

		sameLast := (customer.LastOrderDate == nil && a.Last == nil) ||
			(customer.LastOrderDate != nil && a.Last != nil && customer.LastOrderDate.Equal(*a.Last))
		if customer.TotalOrders == a.Orders && customer.TotalSpent.Equal(a.Spent) && sameLast {
			return nil
		}

		return tx.Model(&model.Customer{}).
			Where("id = ? AND store_id = ?", customerID, storeID).
			Updates(map[string]any{
				"total_orders":    a.Orders,
				"total_spent":     a.Spent,
				"last_order_date": a.Last,
				"sync_version":    gorm.Expr("sync_version + 1"),
				"last_synced_at":  time.Now().UTC(),
			}).Error
	})
}
