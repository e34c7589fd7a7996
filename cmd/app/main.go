package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/smartfarmdiy/strawbydetet/internal/auth"
	"github.com/smartfarmdiy/strawbydetet/internal/config"
	httpHandler "github.com/smartfarmdiy/strawbydetet/internal/handler/http"
	"github.com/smartfarmdiy/strawbydetet/internal/handler/ml"
	"github.com/smartfarmdiy/strawbydetet/internal/service"
)

func main() {
	// Загружаем конфигурацию
	cfg := config.Load()
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Инициализируем ML-адаптер
	modelAdapter, err := ml.NewModelAdapter(cfg.InferenceURL, &http.Client{}, tokenSource(cfg), ml.Timeouts{
		ImageUpload: cfg.ImageUploadTimeout,
		VideoUpload: cfg.VideoUploadTimeout,
		Poll:        cfg.PollRequestTimeout,
		StopStream:  cfg.StopStreamTimeout,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("create inference client")
	}

	// Проверяем доступность ML-сервиса
	healthCtx, cancel := context.WithTimeout(ctx, cfg.PollRequestTimeout)
	if err := modelAdapter.CheckHealth(healthCtx); err != nil {
		log.Warn().Err(err).Msg("ML service not available")
	}
	cancel()

	imagePolicy := service.ImagePolicy(cfg.MaxImageBytes)
	if cfg.ImageTypes != nil {
		imagePolicy.AllowedTypes = cfg.ImageTypes
	}
	videoPolicy := service.VideoPolicy(cfg.MaxVideoBytes)
	if cfg.VideoTypes != nil {
		videoPolicy.AllowedTypes = cfg.VideoTypes
	}

	// Создаём контроллер сессии
	controller := service.NewController(modelAdapter, service.NewRateLimiter(cfg.RateLimitInterval), service.Options{
		ImagePolicy:  imagePolicy,
		VideoPolicy:  videoPolicy,
		PollInterval: cfg.PollInterval,
		StopTimeout:  cfg.StopStreamTimeout,
	}, log.Logger)
	defer controller.Close()

	handler := httpHandler.NewHandler(controller, modelAdapter, cfg.MaxUploadBytes(), log.Logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpHandler.NewRouter(handler, cfg.StaticDir, log.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Err(err).Msg("shutdown server")
		}
	}()

	// Запускаем сервер
	log.Info().Str("addr", srv.Addr).Str("inference", cfg.InferenceURL).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("run server")
	}
	log.Info().Msg("server stopped")
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// tokenSource файл с токеном важнее переменной окружения
func tokenSource(cfg *config.Config) auth.TokenSource {
	switch {
	case cfg.AuthTokenFile != "":
		return auth.FileToken{Path: cfg.AuthTokenFile, Log: log.Logger}
	case cfg.AuthToken != "":
		return auth.StaticToken(cfg.AuthToken)
	default:
		return auth.None{}
	}
}
