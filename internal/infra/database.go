package infra

import (
	"fmt"

	"blendsync/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase establishes a GORM connection backed by pgx, runs AutoMigrate
// for every synced entity plus the audit table, then applies the idempotent
// SQL patches AutoMigrate cannot express (partial indexes).
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)

	if err := RunMigrations(db); err != nil {
		return nil, err
	}
	return db, nil
}

// RunMigrations creates or updates all tables. Exported so integration tests
// can migrate a scratch database without opening a second connection.
func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Product{},
		&model.Sale{},
		&model.SaleItem{},
		&model.Customer{},
		&model.Credit{},
		&model.Employee{},
		&model.Category{},
		&model.Shift{},
		&model.StockMovement{},
		&model.AuditEvent{},
	); err != nil {
		return fmt.Errorf("AutoMigrate: %w", err)
	}
	return applySchemaPatches(db)
}

// applySchemaPatches runs idempotent DDL that AutoMigrate cannot express.
// Each statement is guarded so re-running on a patched schema is a no-op.
func applySchemaPatches(db *gorm.DB) error {
	patches := []string{
		// The pull query of every sync cycle filters by store and cursor;
		// one composite index per synced table keeps it on an index scan.
		`DO $$
		DECLARE t TEXT;
		BEGIN
		  FOREACH t IN ARRAY ARRAY['products','sales','customers','credits',
		                           'employees','categories','shifts','stock_movements'] LOOP
		    IF NOT EXISTS (SELECT 1 FROM pg_indexes
		                   WHERE indexname = 'idx_' || t || '_store_cursor') THEN
		      EXECUTE format('CREATE INDEX idx_%s_store_cursor ON %I (store_id, last_synced_at)', t, t);
		    END IF;
		  END LOOP;
		END $$`,
		// SKU is unique per store among live rows only; soft-deleted rows may
		// keep their SKU so a later restock can recreate the product.
		`DO $$ BEGIN
		  IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_products_store_sku_live') THEN
		    CREATE UNIQUE INDEX idx_products_store_sku_live
		        ON products (store_id, sku)
		        WHERE deleted = false;
		  END IF;
		END $$`,
		// Stock ledger reconciliation sums movements per product.
		`DO $$ BEGIN
		  IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_stock_movements_product') THEN
		    CREATE INDEX idx_stock_movements_product
		        ON stock_movements (store_id, product_id);
		  END IF;
		END $$`,
	}

	for _, sql := range patches {
		if err := db.Exec(sql).Error; err != nil {
			return fmt.Errorf("schema patch: %w", err)
		}
	}
	return nil
}
