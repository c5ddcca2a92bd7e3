package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/internal/handler"
	"github.com/xenking/storefront/internal/lahza"
	"github.com/xenking/storefront/internal/notify"
	"github.com/xenking/storefront/internal/storage/postgres"
	"github.com/xenking/storefront/pkg/health"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and background
// workers, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Repositories.
	catalogRepo := postgres.NewCatalogRepository(pool)
	ruleRepo := postgres.NewRuleRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	paymentRepo := postgres.NewPaymentRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)

	// Notifications.
	var sender notify.Sender = notify.NewLogSender(lg)
	if cfg.Notify.SMSEndpoint != "" {
		sender = notify.NewSMSSender(cfg.Notify.SMSEndpoint, cfg.Notify.SMSToken, cfg.Notify.SMSSender, cfg.Notify.SendTimeout)
	}
	dispatcher := notify.NewDispatcher(sender, lg, notify.Options{
		QueueSize:   cfg.Notify.QueueSize,
		Workers:     cfg.Notify.Workers,
		SendTimeout: cfg.Notify.SendTimeout,
	})

	// Domain services.
	unitMode, err := payment.ParseUnitMode(cfg.Gateway.UnitMode)
	if err != nil {
		return errors.Wrap(err, "gateway unit mode")
	}
	catalogService := catalog.NewService(catalogRepo)
	ruleService := discount.NewService(ruleRepo)
	assembler := order.NewAssembler(catalogRepo, discount.NewResolver(ruleRepo), cfg.Orders.EnforceStock)
	orderService := order.NewService(assembler, orderRepo, cfg.Orders.EnforceStock)
	orderService.SetNotifier(dispatcher)

	gateway := lahza.New(lahza.Config{
		BaseURL:   cfg.Gateway.BaseURL,
		SecretKey: cfg.Gateway.SecretKey,
		Timeout:   cfg.Gateway.Timeout,
	})
	paymentService, err := payment.NewService(gateway, paymentRepo, orderRepo, dispatcher, payment.Options{
		UnitMode:       unitMode,
		MeterProvider:  m.MeterProvider(),
		TracerProvider: m.TracerProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create payment service")
	}
	authn := auth.NewAuthenticator(apikeyRepo, []byte(cfg.Auth.APIKeyPepper), []byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer)

	if cfg.Gateway.SecretKey == "" {
		lg.Warn("Gateway secret key not set, card payments will fail")
	}
	if cfg.Webhook.Secret == "" {
		lg.Warn("Webhook secret not set, every webhook will be rejected")
	}

	// HTTP handlers.
	h := handler.NewHandler(
		handler.Config{
			WebhookSecret: cfg.Webhook.Secret,
			CallbackURL:   cfg.Gateway.CallbackURL,
			ImageBaseURL:  cfg.ImageBaseURL,
		},
		catalogService,
		orderService,
		paymentService,
		ruleService,
		authn,
	)
	allowed, err := httpmiddleware.ParsePrefixes(cfg.Webhook.AllowCIDRs)
	if err != nil {
		return errors.Wrap(err, "webhook allow list")
	}
	api := h.Routes(httpmiddleware.AllowIPs(allowed, cfg.Webhook.TrustForwarded))

	// Health check service.
	healthSvc := health.New(health.Options{
		Interval:         cfg.Health.Interval,
		FailureThreshold: cfg.Health.FailureThreshold,
	})
	healthSvc.Register(health.Readiness, "postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.Register(health.Readiness, "notify_backlog", time.Second, health.BacklogCheck(dispatcher.Backlog, 0.8))
	healthSvc.Register(health.Liveness, "goroutines", time.Second, health.GoroutineCountCheck(cfg.Health.MaxGoroutines))
	healthSvc.SetReady(true)

	limiter := httpmiddleware.NewLimiter(httpmiddleware.RateLimitConfig{
		Max:            cfg.RateLimit.Max,
		Window:         cfg.RateLimit.Window,
		TrustForwarded: cfg.RateLimit.TrustForwarded,
	})

	// Mux: health endpoints + API routes on one server.
	routeFinder := httpmiddleware.MakeRouteFinder(api)
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", api)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.RequestID(),
			httpmiddleware.Instrument("storefront-api", routeFinder, m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				Origins:     cfg.CORS.Origins,
				Credentials: cfg.CORS.AllowCredentials,
				MaxAge:      cfg.CORS.MaxAge,
			}),
			limiter.Middleware(),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return limiter.Run(gctx) })
	g.Go(func() error { return healthSvc.Run(gctx) })

	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}
