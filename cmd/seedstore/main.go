// cmd/seedstore/main.go — seeds a demo store and prints a dev token for it.
// Usage: go run ./cmd/seedstore
package main

import (
	"fmt"
	"time"

	"blendsync/internal/config"
	"blendsync/internal/infra"
	"blendsync/internal/middleware"
	"blendsync/internal/model"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.JWTSecret == "" {
		log.Fatal().Msg("JWT_SECRET is required")
	}

	db, err := infra.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}

	storeID := uuid.New()
	now := time.Now().UTC()
	meta := func() model.SyncMeta {
		return model.SyncMeta{
			ID: uuid.New(), StoreID: storeID, SyncVersion: 1, LastSyncedAt: now,
		}
	}

	pinHash, err := bcrypt.GenerateFromPassword([]byte("1234"), bcrypt.DefaultCost)
	if err != nil {
		log.Fatal().Err(err).Msg("bcrypt error")
	}
	owner := model.Employee{
		SyncMeta: meta(), Name: "Demo Owner", Role: model.RoleOwner,
		PINHash: string(pinHash), IsActive: true,
	}

	category := model.Category{SyncMeta: meta(), Name: "Beverages"}
	products := []model.Product{
		{
			SyncMeta: meta(), Name: "Espresso Beans 1kg", SKU: "BEAN-001",
			Category: category.Name, Quantity: 40,
			Price:     decimal.NewFromFloat(18.50),
			CostPrice: decimal.NewFromFloat(11.00),
			LowStockThreshold: 10, IsActive: true,
		},
		{
			SyncMeta: meta(), Name: "Cold Brew Bottle", SKU: "BREW-001",
			Category: category.Name, Quantity: 24,
			Price:     decimal.NewFromFloat(4.75),
			CostPrice: decimal.NewFromFloat(2.10),
			LowStockThreshold: 6, IsActive: true,
		},
	}

	if err := db.Create(&owner).Error; err != nil {
		log.Fatal().Err(err).Msg("seed employee")
	}
	if err := db.Create(&category).Error; err != nil {
		log.Fatal().Err(err).Msg("seed category")
	}
	if err := db.Create(&products).Error; err != nil {
		log.Fatal().Err(err).Msg("seed products")
	}

	claims := middleware.JWTClaims{
		UserID:  owner.ID.String(),
		StoreID: storeID.String(),
		Role:    owner.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(cfg.JWTExpirationHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		log.Fatal().Err(err).Msg("sign token")
	}

	fmt.Printf("store_id: %s\n", storeID)
	fmt.Printf("SYNC_TOKEN=%s\n", token)
}
