package main // Entry point of the activation server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/Leafyheader/LabSync/internal/config"
	"github.com/Leafyheader/LabSync/internal/database"
	"github.com/Leafyheader/LabSync/internal/handler"
	"github.com/Leafyheader/LabSync/internal/logging"
	"github.com/Leafyheader/LabSync/internal/metrics"
	"github.com/Leafyheader/LabSync/internal/middleware"
	"github.com/Leafyheader/LabSync/internal/model"
	"github.com/Leafyheader/LabSync/internal/repository"
	"github.com/Leafyheader/LabSync/internal/router"
	"github.com/Leafyheader/LabSync/internal/service"
)

func main() {
	log := logging.New("info", "json")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log = logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, dialect, err := openDB(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("open database")
	}
	defer db.Close()
	if err := database.Migrate(ctx, db, dialect); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	opts := []service.Option{}
	if cfg.RabbitMQURL != "" {
		pub := service.NewAMQPPublisher(cfg.RabbitMQURL)
		defer pub.Close()
		opts = append(opts, service.WithPublisher(pub))
	}
	gate := service.NewActivationGate(repository.NewActivationRepo(db), log, opts...)

	if seeded, err := gate.Seed(ctx, cfg.Activation.SeedCode, model.ActivationStatus(cfg.Activation.SeedStatus)); err != nil {
		log.Fatal().Err(err).Msg("seed activation code")
	} else if seeded {
		log.Info().Msg("activation store was empty; seed code created")
	}

	rdb := config.NewRedisClient(config.LoadRedisConfig())
	if rdb == nil {
		log.Warn().Msg("redis unavailable; code-check limiter runs in process")
	} else {
		defer rdb.Close()
	}

	metrics.MustRegister()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewRequestValidator()
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(log))
	e.Use(echomw.CORS())

	router.RegisterRoutes(e, db)
	router.RegisterActivation(e,
		handler.NewActivationHandler(gate, cfg.Activation.GenericErrors, log),
		cfg.JWTSecret,
		cfg.AdminRoles,
		middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, log),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Str("driver", cfg.DBDriver).Msg("listening")
		if err := e.StartServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("stopped")
}

func openDB(cfg config.Config) (*sql.DB, database.Dialect, error) {
	if cfg.DBDriver == "sqlite" {
		db, err := database.OpenSQLite(cfg.DBPath)
		return db, database.SQLite, err
	}
	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	return db, database.MySQL, err
}
