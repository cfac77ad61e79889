package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/jhoicas/facturacion-sri/internal/application/billing"
	"github.com/jhoicas/facturacion-sri/internal/domain/entity"
	"github.com/jhoicas/facturacion-sri/internal/infrastructure/memory"
	"github.com/jhoicas/facturacion-sri/internal/infrastructure/metrics"
	infrapdf "github.com/jhoicas/facturacion-sri/internal/infrastructure/pdf"
	"github.com/jhoicas/facturacion-sri/internal/infrastructure/postgres"
	"github.com/jhoicas/facturacion-sri/internal/infrastructure/redislock"
	"github.com/jhoicas/facturacion-sri/internal/infrastructure/sales"
	infrasri "github.com/jhoicas/facturacion-sri/internal/infrastructure/sri"
	"github.com/jhoicas/facturacion-sri/internal/infrastructure/sri/signer"
	httpRouter "github.com/jhoicas/facturacion-sri/internal/interfaces/http"
	"github.com/jhoicas/facturacion-sri/pkg/config"
	"github.com/jhoicas/facturacion-sri/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("cargar configuración: " + err.Error())
	}

	log := logger.New(logger.Config{
		Env:     cfg.App.Env,
		Level:   cfg.App.LogLevel,
		Service: cfg.App.Name,
	})
	zl := log.Zerolog()
	log.Info().
		Str("env", cfg.App.Env).
		Str("sri_environment", cfg.SRI.Environment).
		Msg("iniciando aplicación")

	if cfg.JWT.Secret == "" {
		log.Fatal().Msg("JWT_SECRET es obligatorio")
	}

	ctx := context.Background()

	if err := postgres.Migrate(cfg.DB.ConnectionString(), zl); err != nil {
		log.Fatal().Err(err).Msg("migraciones")
	}
	pool, err := postgres.NewPool(ctx, cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("conexión a PostgreSQL")
	}
	defer pool.Close()
	invoiceRepo := postgres.NewInvoiceRepository(pool)

	// Candado por factura: Redis si hay varias réplicas, en proceso si no.
	var locker billing.RecordLocker
	if cfg.Redis.Addr != "" {
		rdb, err := redislock.NewClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("conexión a Redis")
		}
		defer rdb.Close()
		locker = redislock.New(rdb, cfg.Redis.LockTTL, zl)
	} else {
		log.Warn().Msg("REDIS_ADDR vacío: candado por factura solo en este proceso")
		locker = memory.NewKeyedLocker()
	}

	pipelineMetrics := metrics.NewPipelineMetrics()
	salesClient := sales.NewHTTPClient(cfg.Sales.BaseURL, cfg.Sales.Token, cfg.Sales.Timeout)

	builder, err := infrasri.NewDocumentBuilder(infrasri.BuilderOptions{
		TaxRate:     cfg.SRI.TaxRate,
		BuyerPolicy: infrasri.BuyerPolicy(cfg.SRI.BuyerPolicy),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("constructor de comprobantes")
	}

	credentials, err := signer.NewFileSource(cfg.SRI.CertP12Path, cfg.SRI.CertPassword, cfg.SRI.CertPath, cfg.SRI.CertKeyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("certificado de firma")
	}
	// Se valida al arrancar; la credencial se libera de inmediato.
	if cred, err := credentials.Acquire(ctx); err != nil {
		log.Fatal().Err(err).Msg("certificado de firma")
	} else {
		log.Info().Str("certificado", signer.Describe(cred.Certificate)).Msg("certificado de firma cargado")
		cred.Release()
	}

	transport := infrasri.NewSOAPClient(cfg.SRI.Timeout, map[string]infrasri.Endpoints{
		entity.EnvironmentTest:       {ReceptionURL: cfg.SRI.ReceptionURLTest, AuthorizationURL: cfg.SRI.AuthorizationURLTest},
		entity.EnvironmentProduction: {ReceptionURL: cfg.SRI.ReceptionURLProd, AuthorizationURL: cfg.SRI.AuthorizationURLProd},
	})

	issuer := infrasri.Issuer{
		RUC:                   cfg.Issuer.RUC,
		LegalName:             cfg.Issuer.LegalName,
		TradeName:             cfg.Issuer.TradeName,
		HeadOfficeAddress:     cfg.Issuer.HeadOfficeAddress,
		BranchAddress:         cfg.Issuer.BranchAddress,
		Establishment:         cfg.Issuer.Establishment,
		EmissionPoint:         cfg.Issuer.EmissionPoint,
		KeepsAccounting:       cfg.Issuer.KeepsAccounting,
		SpecialTaxpayerNumber: cfg.Issuer.SpecialTaxpayerNumber,
	}

	// Una tarea no dura más que runTimeout; una factura generated más antigua que eso quedó huérfana.
	runTimeout := 2*cfg.SRI.Timeout + time.Minute
	orchestrator := billing.NewOrchestrator(billing.OrchestratorDeps{
		Repo:        invoiceRepo,
		Sales:       salesClient,
		Builder:     builder,
		Credentials: credentials,
		Signer:      signer.NewService(),
		Transport:   transport,
		Locker:      locker,
		Metrics:     pipelineMetrics,
	}, issuer, zl).WithStaleGeneratedAfter(2 * runTimeout)

	queue := billing.NewTaskQueue(billing.QueueOptions{
		Workers:    cfg.SRI.Workers,
		Size:       cfg.SRI.QueueSize,
		RunTimeout: runTimeout,
	}, pipelineMetrics, zl)
	queue.Start()

	poller := billing.NewAuthorizationPoller(invoiceRepo, orchestrator, queue, billing.PollerOptions{
		Interval:          cfg.SRI.PollInterval,
		Rate:              cfg.SRI.PollRate,
		Batch:             cfg.SRI.PollBatch,
		CallTimeout:       cfg.SRI.Timeout + 15*time.Second,
		StalePendingAfter: 2 * cfg.SRI.PollInterval,
	}, zl)
	pollCtx, stopPolling := context.WithCancel(ctx)
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		poller.Run(pollCtx)
	}()

	invoiceUC := billing.NewInvoiceUseCase(invoiceRepo, salesClient, orchestrator, queue, issuer, cfg.SRI.Environment, zl)
	rideUC := billing.NewRIDEUseCase(invoiceRepo, infrapdf.NewRIDEGenerator())

	app := fiber.New(fiber.Config{
		AppName:      cfg.App.Name,
		ReadTimeout:  time.Second * 10,
		WriteTimeout: cfg.SRI.Timeout + 20*time.Second,
		IdleTimeout:  time.Second * 60,
	})
	app.Use(recover.New())

	// Swagger UI en local: http://localhost:<port>/docs
	app.Use(swagger.New(swagger.Config{
		BasePath: "/",
		FilePath: "./docs/swagger.json",
		Path:     "docs",
		Title:    "Facturación SRI API",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "service": cfg.App.Name})
	})

	httpRouter.Router(app, httpRouter.RouterDeps{
		Invoices:  invoiceUC,
		RIDE:      rideUC,
		Metrics:   pipelineMetrics.Handler(),
		JWTSecret: cfg.JWT.Secret,
		Log:       zl,
	})

	go func() {
		if err := app.Listen(cfg.HTTP.Addr()); err != nil {
			log.Error().Err(err).Msg("servidor HTTP finalizado")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("señal de apagado recibida, cerrando servidor...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.SRI.Timeout+10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("apagado del servidor")
	}
	stopPolling()
	<-pollDone
	// Las tareas en curso terminan su envío al SRI antes de cerrar el pool.
	if err := queue.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("cierre de la cola de tareas")
	}

	log.Info().Msg("aplicación detenida")
}
