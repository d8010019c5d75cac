package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pbcex/settlement/internal/account"
	"github.com/pbcex/settlement/internal/asset"
	"github.com/pbcex/settlement/internal/audit"
	"github.com/pbcex/settlement/internal/config"
	"github.com/pbcex/settlement/internal/events"
	"github.com/pbcex/settlement/internal/funding"
	"github.com/pbcex/settlement/internal/idempotency"
	"github.com/pbcex/settlement/internal/ledger"
	"github.com/pbcex/settlement/internal/metrics"
	"github.com/pbcex/settlement/internal/middleware"
	"github.com/pbcex/settlement/internal/oracle"
	"github.com/pbcex/settlement/internal/settlement"
)

const devJWTSecret = "development-only-secret"

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg       config.Config
	DB        *pgxpool.Pool
	Cache     *redis.Client
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// Prices overrides the configured oracle. Used by tests.
	Prices    oracle.Oracle
	// Custodian confirms deposits and releases withdrawals; nil approves everything.
	Custodian funding.Custodian
}

// Services are the long-lived components built by Setup that the caller needs to run or inspect.
type Services struct {
	Ledger    *ledger.Service
	Accounts  *account.Directory
	Engine    *settlement.Engine
	Scheduler *audit.Scheduler
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) (*Services, error) {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !d.Cfg.IsDevelopment() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Publisher == nil {
		d.Publisher = events.NewLoggerPublisher(d.Logger)
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if d.Metrics != nil {
		app.Use(d.Metrics.Middleware())
	}
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	// Services
	assets := asset.DefaultRegistry()
	fees, err := buildFees(d.Cfg, assets)
	if err != nil {
		return nil, err
	}

	var ledgerOpts []ledger.Option
	var auditOpts []audit.Option
	var engineOpts []settlement.Option
	if d.Metrics != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithObserver(d.Metrics))
		auditOpts = append(auditOpts, audit.WithObserver(d.Metrics))
		engineOpts = append(engineOpts, settlement.WithRecorder(d.Metrics))
	}
	auditOpts = append(auditOpts, audit.WithPublisher(d.Publisher))
	engineOpts = append(engineOpts, settlement.WithPublisher(d.Publisher))

	var ledgerStore ledger.Store
	var accountRepo account.Repository
	if d.DB != nil {
		ledgerStore = ledger.NewPostgresStore(d.DB, d.Logger)
		accountRepo = account.NewPostgresRepository(d.DB)
	} else {
		d.Logger.Warn("no database configured, ledger is in memory")
		ledgerStore = ledger.NewInMemory()
		accountRepo = account.NewMemoryRepository()
	}
	ledgerSvc := ledger.NewService(ledgerStore, assets, d.Logger, ledgerOpts...)
	directory := account.NewDirectory(accountRepo, d.Cfg.HouseAccount)

	var idemStore idempotency.Store
	if d.Cache != nil {
		idemStore = idempotency.NewRedisStore(d.Cache)
	} else {
		idemStore = idempotency.NewMemoryStore()
	}
	guard := idempotency.NewGuard(idemStore, idempotency.Config{
		TTL:   d.Cfg.IdempotencyTTL,
		Lease: d.Cfg.IdempotencyLease,
		Wait:  d.Cfg.IdempotencyWait,
	}, d.Logger)

	prices := d.Prices
	if prices == nil {
		prices = buildOracle(d.Cfg, d.Logger)
	}

	engine := settlement.NewEngine(ledgerSvc, directory, assets, prices, guard,
		settlement.Config{QuoteTTL: d.Cfg.QuoteTTL, Fees: fees}, d.Logger, engineOpts...)
	scheduler := audit.NewScheduler(audit.NewAuditor(ledgerSvc, d.Logger, auditOpts...), d.Cfg.AuditInterval, d.Logger)

	// Health
	RegisterHealthRoutes(app, d, scheduler)
	if d.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(d.Metrics.Handler()))
	}

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID := middleware.RequestIDFrom(c)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	secret := d.Cfg.JWTSecret
	if secret == "" {
		d.Logger.Warn("JWT_SECRET not set, using the development secret")
		secret = devJWTSecret
	}
	protected := api.Group("", middleware.JWTAuth(secret))

	idem := middleware.Idempotency(guard, d.Logger)
	accountHandler := account.NewHandler(directory, ledgerSvc)
	fundingHandler := funding.NewHandler(funding.NewService(ledgerSvc, directory, assets, d.Custodian, d.Logger))
	RegisterAccountRoutes(protected, accountHandler)
	RegisterTradeRoutes(protected, settlement.NewHandler(engine), middleware.TradeRateLimit(d.Cache, d.Cfg.TradeRateLimit))
	RegisterFundingRoutes(protected, fundingHandler, idem)

	admin := protected.Group("/admin", middleware.RequireRole(middleware.RoleAdmin))
	RegisterAdminRoutes(admin, AdminHandlers{
		Ledger:   ledger.NewHandler(ledgerSvc),
		Accounts: accountHandler,
		Funding:  fundingHandler,
		Audit:    audit.NewHandler(scheduler),
	}, idem)

	return &Services{Ledger: ledgerSvc, Accounts: directory, Engine: engine, Scheduler: scheduler}, nil
}

// buildFees converts the configured schedules; every fee asset must be a registered real asset.
func buildFees(cfg config.Config, assets *asset.Registry) (settlement.FeeTable, error) {
	fees := make(settlement.FeeTable, len(cfg.Fees))
	for _, sym := range cfg.FeeAssets() {
		a, err := assets.Lookup(sym)
		if err != nil {
			return nil, fmt.Errorf("fees: %w", err)
		}
		if a.Kind != asset.KindReal {
			return nil, fmt.Errorf("fees: %s is not a real asset", sym)
		}
		fc := cfg.Fees[sym]
		schedule := settlement.FeeSchedule{BasisPoints: fc.BasisPoints, Floor: fc.Floor}
		if err := schedule.Validate(); err != nil {
			return nil, fmt.Errorf("fees %s: %w", sym, err)
		}
		fees[a.Symbol] = schedule
	}
	return fees, nil
}

func buildOracle(cfg config.Config, logger *slog.Logger) oracle.Oracle {
	var inner oracle.Oracle
	if strings.TrimSpace(cfg.OracleURL) != "" {
		inner = oracle.NewHTTPOracle(cfg.OracleURL, cfg.OracleTimeout, logger)
	} else {
		logger.Warn("no ORACLE_URL configured, serving static prices", slog.Int("symbols", len(cfg.Prices)))
		static := oracle.NewStatic()
		for sym, price := range cfg.Prices {
			static.Set(sym, price)
		}
		inner = static
	}
	return oracle.NewChecked(inner, cfg.OracleTimeout, cfg.OracleMaxAge)
}
