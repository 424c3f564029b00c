package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vendly/vendly/internal/config"
	"github.com/vendly/vendly/internal/idempotency"
	"github.com/vendly/vendly/internal/ledger"
	"github.com/vendly/vendly/internal/middleware"
	"github.com/vendly/vendly/internal/notification"
	"github.com/vendly/vendly/internal/purchase"
	"github.com/vendly/vendly/internal/vendors"
	"github.com/vendly/vendly/internal/wallet"
	"github.com/vendly/vendly/internal/webhook"
)

// Deps aggregates shared dependencies required to wire routes. Adapters is
// the set of vendor integrations to register; when empty in development mode
// a simulated vendor pair is wired instead.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Adapters []vendors.Adapter
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))

	// Health
	RegisterHealthRoutes(app, d)

	// Persistence
	var ledgerBackend ledger.Ledger
	if d.DB != nil {
		ledgerBackend = ledger.NewPostgresLedger(d.DB)
	} else {
		ledgerBackend = ledger.NewInMemory()
	}

	// Vendor registry snapshot + router
	var vendorRepo vendors.Repository
	adapters := d.Adapters
	if d.DB != nil {
		vendorRepo = vendors.NewPostgresRepository(d.DB)
	} else {
		repo := vendors.NewMemoryRepository()
		seedDevVendors(repo)
		vendorRepo = repo
		if len(adapters) == 0 {
			adapters = devAdapters()
		}
	}
	registry := vendors.NewRegistry(vendorRepo, d.Logger)
	for _, a := range adapters {
		registry.Register(a)
	}
	if err := registry.Refresh(context.Background()); err != nil {
		return fmt.Errorf("initial vendor registry load: %w", err)
	}
	go registry.Run(context.Background(), d.Cfg.RoutingRefresh)

	router := vendors.NewRouter(registry)

	// Idempotency guard
	var guard *idempotency.Guard
	if d.Cache != nil {
		guard = idempotency.NewGuard(d.Cache, d.Cfg.IdempotencyTTL, d.Logger)
	}

	// Services and handlers
	notifier := notification.NewLoggerNotifier(d.Logger)
	walletSvc := wallet.NewService(ledgerBackend)
	purchaseSvc := purchase.NewService(ledgerBackend, guard, router, purchase.DefaultPricer(),
		notifier, d.Logger, d.Cfg.VendorTimeout)
	webhookSvc := webhook.NewService(ledgerBackend, notifier, d.Logger)

	walletHandler := wallet.NewHandler(walletSvc)
	purchaseHandler := purchase.NewHandler(purchaseSvc)
	webhookHandler := webhook.NewHandler(webhookSvc, d.Cfg.WebhookSecret, d.Logger)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterWalletRoutes(api, walletHandler)
	RegisterPurchaseRoutes(api, purchaseHandler)
	RegisterAdminRoutes(api, purchaseHandler, registry, d.Logger)
	RegisterWebhookRoutes(app, webhookHandler)

	return nil
}

// seedDevVendors provisions a simulated vendor pair covering every service so
// database-less development mode can route purchases.
func seedDevVendors(repo interface {
	SetConfigs(configs ...vendors.Config)
	SetRoutes(routes ...vendors.Route)
}) {
	all := map[ledger.ServiceType]bool{
		ledger.ServiceAirtime: true,
		ledger.ServiceData:    true,
		ledger.ServiceTV:      true,
		ledger.ServiceBetting: true,
		ledger.ServiceExamPin: true,
	}
	repo.SetConfigs(
		vendors.Config{ID: "sim-primary", Name: "Simulated Primary", Enabled: true, Healthy: true, Priority: 1, Supports: all},
		vendors.Config{ID: "sim-fallback", Name: "Simulated Fallback", Enabled: true, Healthy: true, Priority: 2, Supports: all},
	)
	var rts []vendors.Route
	for service := range all {
		for _, network := range []string{"", "mtn", "airtel", "glo", "9mobile"} {
			rts = append(rts, vendors.Route{
				Service: service, Network: network,
				PrimaryID: "sim-primary", FallbackID: "sim-fallback",
			})
		}
	}
	repo.SetRoutes(rts...)
}

func devAdapters() []vendors.Adapter {
	return []vendors.Adapter{
		vendors.StaticAdapter{VendorID: "sim-primary", Status: vendors.OutcomeSuccess},
		vendors.StaticAdapter{VendorID: "sim-fallback", Status: vendors.OutcomeSuccess},
	}
}
