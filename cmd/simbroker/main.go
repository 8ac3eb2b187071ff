// Package main запускает HTTP-сервер сервиса симброкер.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/simbroker-system/internal/config"
	"github.com/mmeshcher/simbroker-system/internal/handler"
	"github.com/mmeshcher/simbroker-system/internal/middleware"
	"github.com/mmeshcher/simbroker-system/internal/pricing"
	"github.com/mmeshcher/simbroker-system/internal/provider"
	"github.com/mmeshcher/simbroker-system/internal/remote"
	"github.com/mmeshcher/simbroker-system/internal/repository"
	"github.com/mmeshcher/simbroker-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	remoteOpts := []remote.Option{
		remote.WithRetries(cfg.RemoteRetries),
		remote.WithTimeout(cfg.RemoteTimeout),
	}

	registry := provider.NewRegistry(logger, cfg.DefaultProvider, cfg.PriceCacheTTL,
		provider.NewSMSLive(cfg.SMSLiveBaseURL, cfg.SMSLiveAPIKey, logger, remoteOpts...),
		provider.NewVirtline(cfg.VirtlineBaseURL, cfg.VirtlineAPIKey, cfg.VirtlineAPISecret, logger, remoteOpts...),
		provider.NewESIMFox(cfg.ESIMFoxBaseURL, cfg.ESIMFoxAPIKey, logger, remoteOpts...),
		provider.NewSMMBox(cfg.SMMBoxBaseURL, cfg.SMMBoxAPIKey, logger, remoteOpts...),
	)

	pricingCfg := pricing.Config{
		FXRate:        cfg.FXRate,
		MarkupPercent: cfg.MarkupPercent,
	}

	svc := service.NewService(repo, registry, pricingCfg, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой сверки статусов заказов
	g.Go(func() error {
		svc.StartReconciler(ctx, cfg.ReconcileInterval)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting simbroker server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
