package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/ips/internal/config"
	"github.com/ehr/ips/internal/domain/ips"
	"github.com/ehr/ips/internal/platform/auth"
	"github.com/ehr/ips/internal/platform/convert"
	"github.com/ehr/ips/internal/platform/db"
	"github.com/ehr/ips/internal/platform/envelope"
	"github.com/ehr/ips/internal/platform/hl7v2"
	"github.com/ehr/ips/internal/platform/middleware"
)

const version = "0.1.0"

// serverDeps is everything newServer wires into the router. svc and
// health are nil when no database is configured.
type serverDeps struct {
	cfg    *config.Config
	logger zerolog.Logger
	conv   *convert.Converter
	env    *envelope.Envelope
	svc    *ips.Service
	health echo.HandlerFunc
}

func newServer(d serverDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(d.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.logger))
	e.Use(middleware.SecurityHeaders(d.cfg.IsProduction()))
	e.Use(middleware.BodyLimit(d.cfg.BodyLimit))
	if len(d.cfg.CORSOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins:  d.cfg.CORSOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID},
			ExposeHeaders: []string{echo.HeaderXRequestID},
		}))
	}

	// Auth middleware
	if d.cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     d.cfg.AuthIssuer,
			Audience:   d.cfg.AuthAudience,
			SigningKey: []byte(d.cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":      "ok",
			"version":     version,
			"persistence": d.svc != nil,
		})
	})
	if d.health != nil {
		e.GET("/health/db", d.health)
	}

	apiV1 := e.Group("/api/v1")
	ips.NewHandler(d.svc, d.conv, d.env, d.logger).RegisterRoutes(apiV1)

	return e
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	env, err := envelope.NewFromConfig(cfg.EncryptionKey, cfg.ExposeKey, cfg.IsDev(), cfg.MaxDecompressed, logger)
	if err != nil {
		return err
	}
	conv := convert.New(env,
		convert.WithQRByteLimit(cfg.QRByteLimit),
		convert.WithLogger(logger),
	)

	deps := serverDeps{cfg: cfg, logger: logger, conv: conv, env: env}

	// Database
	ctx := context.Background()
	if cfg.HasDatabase() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		deps.svc = ips.NewService(ips.NewRecordRepoPG(pool), conv, logger)
		deps.health = db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) })
	} else {
		logger.Warn().Msg("DATABASE_URL is not set, record storage is disabled")
	}

	e := newServer(deps)

	// MLLP listener
	if cfg.MLLPAddr != "" && deps.svc == nil {
		logger.Warn().Str("addr", cfg.MLLPAddr).Msg("MLLP ingest needs DATABASE_URL, listener not started")
	} else if cfg.MLLPAddr != "" {
		mllpServer := hl7v2.NewMLLPServer(cfg.MLLPAddr, mllpIngest(deps.svc), logger)
		if err := mllpServer.Start(); err != nil {
			return err
		}
		defer mllpServer.Stop()
		logger.Info().Str("addr", mllpServer.Addr()).Msg("MLLP server started")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	sctx, cancel := shutdownContext()
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// recordImporter is the part of ips.Service the MLLP ingest path uses.
type recordImporter interface {
	Import(ctx context.Context, format convert.Format, payload []byte) (*ips.ImportResult, error)
}

// mllpIngest stores every inbound HL7 v2 message as a record. A decode or
// storage failure answers the sender with an AE acknowledgement.
func mllpIngest(svc recordImporter) hl7v2.MessageHandler {
	return func(ctx context.Context, raw []byte, msg *hl7v2.Message) error {
		if _, err := svc.Import(ctx, convert.FormatHL7, raw); err != nil {
			return fmt.Errorf("import %s: %w", msg.ControlID, err)
		}
		return nil
	}
}
