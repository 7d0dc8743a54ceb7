package router

import (
	"time"

	"blendsync/internal/config"
	"blendsync/internal/handler"
	"blendsync/internal/middleware"
	"blendsync/internal/repository"
	"blendsync/internal/service"
	"blendsync/internal/worker"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// New wires all dependencies and returns a configured Gin engine.
// Dependency graph: Handler ← Service ← Repository ← DB/Redis
func New(cfg *config.Config, db *gorm.DB, rdb *redis.Client) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Global middleware chain (order matters)
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.RateLimiter(1000, time.Minute)) // 1000 req/min per IP

	// ── Repositories ─────────────────────────────────────────────────────────
	syncRepo := repository.NewSyncRepository(db)
	customerRepo := repository.NewCustomerRepository(db)
	productRepo := repository.NewProductRepository(db)

	// Audit dispatcher — tenant violations and resolver decisions go through
	// Redis so a slow audit store never blocks the write path.
	dispatcher := worker.NewDispatcher(rdb)

	// ── Services ─────────────────────────────────────────────────────────────
	syncSvc := service.NewSyncService(syncRepo, customerRepo, productRepo, dispatcher)

	// ── Handlers ─────────────────────────────────────────────────────────────
	syncH := handler.NewSyncHandler(syncSvc)
	conflictsH := handler.NewConflictHandler(syncSvc)

	// ── Routes ───────────────────────────────────────────────────────────────

	// Public — also the connectivity heartbeat for sync agents
	r.GET("/health", handler.Health(db, rdb))

	// Protected routes — every request runs under a store-bound principal
	jwtMW := middleware.JWTAuth(cfg.JWTSecret)
	api := r.Group("/api", jwtMW)
	{
		// Generic sync surface: any authenticated device can push and pull
		api.GET("/:entity", syncH.List)
		api.POST("/:entity", syncH.Create)
		api.PUT("/:entity/:id", syncH.Update)
		// Deletes are destructive even when soft — keep them off cashier devices
		api.DELETE("/:entity/:id", middleware.RequireRole("owner", "manager"), syncH.Delete)

		conflicts := api.Group("/conflicts")
		{
			conflicts.POST("/resolve", conflictsH.Resolve)
			conflicts.GET("/:entityType/:entityId", conflictsH.Snapshot)
		}
	}

	// Swagger UI — only enabled outside production
	if cfg.Env != "production" {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	return r
}
