package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quizmith/server/internal/infra/events"
	"github.com/quizmith/server/internal/module/access"
	"github.com/quizmith/server/internal/module/billing"
	"github.com/quizmith/server/internal/module/catalog"
	"github.com/quizmith/server/internal/module/generation"
	"github.com/quizmith/server/internal/module/quota"
	sharedcache "github.com/quizmith/server/internal/shared/cache"
	"github.com/quizmith/server/internal/shared/config"
	"github.com/quizmith/server/internal/shared/database"
	"github.com/quizmith/server/internal/shared/logger"
	"github.com/quizmith/server/internal/shared/metrics"
	"github.com/quizmith/server/internal/shared/middleware"
)

// App wires the modules together and owns their lifecycles.
type App struct {
	config  *config.Config
	logger  *zap.Logger
	db      *gorm.DB
	redis   *redis.Client
	metrics *metrics.Metrics
	router  *gin.Engine

	// Event infrastructure
	eventBus *events.Bus

	// Modules
	planCatalog       *catalog.Catalog
	billingService    *billing.Service
	billingHandler    *billing.Handler
	webhookHandler    *billing.WebhookHandler
	quotaLedger       *quota.Ledger
	quotaHandler      *quota.Handler
	generationHandler *generation.Handler
}

// New creates a fully wired application.
func New(cfg *config.Config) (*App, error) {
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	redisClient, err := sharedcache.NewRedisClient(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}

	app := &App{
		config:  cfg,
		logger:  log,
		db:      db,
		redis:   redisClient,
		metrics: metrics.New("quizmith"),
	}
	app.eventBus = events.NewBus(log)

	if err := app.initModules(); err != nil {
		return nil, err
	}
	app.setupRouter()

	return app, nil
}

func (a *App) initModules() error {
	ctx := context.Background()

	// Plan catalog: seed the defaults, then serve from memory.
	catalogRepo := catalog.NewRepository(a.db)
	if err := catalogRepo.Seed(ctx, catalog.DefaultPlans()); err != nil {
		return fmt.Errorf("seed plans: %w", err)
	}
	plans, err := catalogRepo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load plans: %w", err)
	}
	a.planCatalog = catalog.New(plans)

	// Billing: gateway, state machine, webhook intake.
	gateway := billing.NewStripeGateway(&billing.StripeGatewayConfig{
		APIKey:         a.config.Stripe.APIKey,
		WebhookSecret:  a.config.Stripe.WebhookSecret,
		MaxRetries:     a.config.Stripe.MaxRetries,
		RequestTimeout: a.config.Stripe.RequestTimeout,
	}, a.metrics, a.logger)

	billingRepo := billing.NewRepository(a.db)
	profileCache := billing.NewProfileCache(a.redis, a.config.Quota.ProfileCacheTTL, a.metrics, a.logger)
	a.eventBus.Subscribe(billing.NewCacheInvalidationHandler(profileCache))

	a.billingService = billing.NewService(
		a.planCatalog, gateway, billingRepo, profileCache, a.eventBus, a.metrics, a.logger)
	a.billingHandler = billing.NewHandler(a.billingService, a.logger)
	a.webhookHandler = billing.NewWebhookHandler(
		a.billingService, gateway, billingRepo, a.metrics, a.logger)

	// Quota: cycle-anchored counters over the billing plan state.
	quotaRepo := quota.NewRepository(a.db)
	counterCache := quota.NewCounterCache(a.redis, a.metrics, a.logger)
	a.quotaLedger = quota.NewLedger(
		quotaRepo, a.planCatalog, a.billingService, counterCache, a.metrics, a.logger)
	a.quotaHandler = quota.NewHandler(a.quotaLedger, a.logger)

	// Generation: plan gates + quota + language model.
	validator := access.NewValidator(a.planCatalog)
	generator := generation.NewOpenAIGenerator(a.config.Generation.OpenAIKey, a.config.Generation.Model, a.config.Generation.RequestTimeout)
	generationRepo := generation.NewRepository(a.db)
	generationService := generation.NewService(
		a.billingService, a.planCatalog, validator, a.quotaLedger,
		generator, generationRepo, a.metrics, a.logger)
	a.generationHandler = generation.NewHandler(generationService, a.logger)

	return nil
}

func (a *App) setupRouter() {
	if a.config.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		middleware.Recovery(a.logger),
		middleware.RequestID(),
		middleware.Logging(a.logger),
		middleware.CORS(middleware.DefaultCORSConfig()),
		middleware.Metrics(a.metrics),
	)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Webhooks authenticate by signature, not by bearer token.
	a.webhookHandler.RegisterRoutes(router.Group("/webhooks"))

	api := router.Group("/api/v1")
	api.Use(middleware.Auth(a.config.Auth.JWTSecret))
	api.Use(billing.ProvisionProfile(a.billingService, a.logger))
	a.billingHandler.RegisterRoutes(api)
	a.quotaHandler.RegisterRoutes(api)
	a.generationHandler.RegisterRoutes(api)

	a.router = router
}

// Router returns the HTTP handler.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Stop releases the application's resources.
func (a *App) Stop() {
	a.eventBus.Stop()

	if err := sharedcache.Close(a.redis); err != nil {
		a.logger.Error("failed to close redis", zap.Error(err))
	}
	if err := database.Close(a.db); err != nil {
		a.logger.Error("failed to close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&catalog.Plan{},
		&billing.Profile{},
		&billing.PendingChange{},
		&billing.WebhookEvent{},
		&quota.UsageCycle{},
		&quota.SubjectUsage{},
		&generation.Record{},
	)
}
