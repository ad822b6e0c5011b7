// コーディネーターのエントリポイント。
// 登録台帳とリマインダー通知のHTTP APIを提供し、定期スキャンを実行する。
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prateekverma145/NGO-management-sub000/internal/app"
	"github.com/prateekverma145/NGO-management-sub000/internal/config"
	"github.com/prateekverma145/NGO-management-sub000/internal/lib/logger/sl"
)

// shutdownTimeout は停止時に実行中のリクエストとスキャンを待つ上限。
const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.MustLoad()

	logger := setupLogger(cfg.Env)
	logger.Info("コーディネーターを起動します",
		slog.String("env", cfg.Env),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("mail_transport", cfg.Mail.Transport),
		slog.String("timezone", cfg.Scheduler.Timezone),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, logger, cfg)
	if err != nil {
		logger.Error("初期化に失敗しました", sl.Err(err))
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- application.Run() }()

	select {
	case <-ctx.Done():
		logger.Info("停止シグナルを受信しました")
	case err := <-errCh:
		if err != nil {
			logger.Error("サーバーが異常終了しました", sl.Err(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		logger.Error("停止処理に失敗しました", sl.Err(err))
		os.Exit(1)
	}
	logger.Info("コーディネーターを停止しました")
}

func setupLogger(env string) *slog.Logger {
	var logger *slog.Logger

	switch env {
	case config.EnvLocal:
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case config.EnvDev:
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	default:
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return logger
}
