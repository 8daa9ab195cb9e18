// Package main запускает сервис заказов кодов маркировки.
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

	"github.com/kirillbelykh/kontur-api/internal/config"
	"github.com/kirillbelykh/kontur-api/internal/engine"
	"github.com/kirillbelykh/kontur-api/internal/gateway"
	"github.com/kirillbelykh/kontur-api/internal/handler"
	"github.com/kirillbelykh/kontur-api/internal/registry"
	"github.com/kirillbelykh/kontur-api/internal/repository"
	"github.com/kirillbelykh/kontur-api/internal/session"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var history *repository.PostgresHistory
	if cfg.DatabaseURI != "" {
		history, err = repository.NewPostgresHistory(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("history initialization error", "error", err.Error())
		}
		defer history.Close()
	}

	provider := session.NewFileProvider(cfg.CookiesFile)
	sessions := session.NewCache(provider, cfg.SessionLifetime, cfg.SessionRetryInterval, sugar)

	gw := gateway.NewClient(cfg.VendorAddress, cfg.WarehouseID, cfg.OrganizationID, cfg.DownloadDir)

	reg := registry.New()
	eng := engine.New(gw, sessions, reg, engine.Options{
		CreateWorkers:   cfg.CreateWorkers,
		DownloadWorkers: cfg.DownloadWorkers,
		IntroWorkers:    cfg.IntroWorkers,
		PollInterval:    cfg.PollInterval,
		CreateTimeout:   cfg.CreateTimeout,
		DownloadTimeout: cfg.DownloadTimeout,
		IntroTimeout:    cfg.IntroTimeout,
	}, sugar)

	var hist handler.History
	if history != nil {
		hist = history
	}
	h := handler.NewHandler(eng, sessions, hist, logger)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового обновления сессии; первое получение — сразу,
	// чтобы первый заказ не ждал синхронной аутентификации.
	g.Go(func() error {
		return sessions.Run(ctx)
	})
	sessions.TriggerRefresh()

	// Запуск конвейера обработки заказов
	g.Go(func() error {
		return eng.Run(ctx)
	})

	// Единственный потребитель событий конвейера: журнал и история заказов
	g.Go(func() error {
		for ev := range eng.Events() {
			sugar.Infow("order event",
				"record", ev.RecordID,
				"order", ev.OrderName,
				"state", ev.State,
				"message", ev.Message,
			)

			if history == nil {
				continue
			}
			rec, err := reg.Get(ev.RecordID)
			if err != nil || rec.RemoteID == "" {
				continue
			}

			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := history.SaveRecord(saveCtx, rec); err != nil {
				sugar.Errorw("history save error", "record", ev.RecordID, "error", err)
			}
			cancel()
		}
		return nil
	})

	// Запуск HTTP-сервера управляющего API
	g.Go(func() error {
		sugar.Infow("starting konturmark server", "addr", cfg.RunAddress)
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
