// Package app は設定からストレージ・送信手段・スケジューラー・HTTPサーバーを組み立てる。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prateekverma145/NGO-management-sub000/internal/config"
	"github.com/prateekverma145/NGO-management-sub000/internal/kafka"
	"github.com/prateekverma145/NGO-management-sub000/internal/ledger"
	"github.com/prateekverma145/NGO-management-sub000/internal/lib/logger/sl"
	"github.com/prateekverma145/NGO-management-sub000/internal/mailer"
	"github.com/prateekverma145/NGO-management-sub000/internal/metrics"
	"github.com/prateekverma145/NGO-management-sub000/internal/notification"
	"github.com/prateekverma145/NGO-management-sub000/internal/preference"
	"github.com/prateekverma145/NGO-management-sub000/internal/reminder"
	"github.com/prateekverma145/NGO-management-sub000/internal/runlock"
	"github.com/prateekverma145/NGO-management-sub000/internal/server"
	"github.com/prateekverma145/NGO-management-sub000/internal/storage/mongo"
	"github.com/prateekverma145/NGO-management-sub000/internal/storage/sqlite"
	"github.com/prateekverma145/NGO-management-sub000/pkg/event"
	"github.com/prateekverma145/NGO-management-sub000/pkg/httpclient"
)

// Store はsqliteとmongoの両実装が満たす。
type Store interface {
	ledger.ResourceStore
	notification.Store
	preference.Store
	reminder.ResourceSource
	server.Pinger
	io.Closer
}

// publisher はドメインイベントの配信先。
type publisher interface {
	PublishEvent(ctx context.Context, e *event.Event) error
}

// App はアプリケーション全体。
type App struct {
	log       *slog.Logger
	store     Store
	scheduler *reminder.Scheduler
	server    *server.Server
	http      *http.Server
	// closers は停止時に逆順で閉じる。
	closers []io.Closer
}

// New は設定からアプリケーションを組み立てる。途中で失敗した場合は開いた接続を閉じる。
func New(ctx context.Context, log *slog.Logger, cfg *config.Config) (_ *App, err error) {
	const op = "app.New"

	a := &App{log: log}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	a.store, err = openStore(ctx, log, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	a.closers = append(a.closers, a.store)

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	// 型付きnilをインターフェースに入れないよう、未設定時は素のnilのままにする。
	var events publisher
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.EventTopic != "" {
		p := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.EventTopic)
		a.closers = append(a.closers, p)
		events = p
	}

	transport, err := a.newTransport(ctx, log, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var locker runlock.Locker = runlock.Noop{}
	if cfg.RedisAddr != "" {
		r := runlock.NewRedis(cfg.RedisAddr)
		a.closers = append(a.closers, r)
		if err := r.Ping(ctx); err != nil {
			return nil, fmt.Errorf("%s: Redisに接続できません: %w", op, err)
		}
		locker = r
	}

	dispatcher, err := notification.New(log, a.store, transport, events, m, notification.Config{
		SendTimeout: cfg.SendTimeout,
		Concurrency: cfg.DispatchConcurrency,
		Location:    cfg.Scheduler.Location,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	prefs := preference.New(log, a.store, a.store)
	scanner := reminder.NewScanner(log, a.store, prefs, cfg.Scheduler.Location, cfg.Scheduler.DayBeforeRequiresOptIn)
	a.scheduler, err = reminder.NewScheduler(log, reminder.Tasks(scanner, dispatcher, reminder.Schedules{
		DayBefore:    cfg.Scheduler.DayBefore,
		SameDay:      cfg.Scheduler.SameDay,
		WeeklyDigest: cfg.Scheduler.WeeklyDigest,
	}), reminder.Options{
		Location:  cfg.Scheduler.Location,
		Locker:    locker,
		Metrics:   m,
		Publisher: events,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a.server = server.New(log, server.Deps{
		Registrations: ledger.New(log, a.store, events, m),
		Notifications: dispatcher,
		Preferences:   prefs,
		Scans:         a.scheduler,
		Health:        a.store,
		Metrics:       m,
	}, server.Options{
		JWTSecret:   cfg.JWTSecret,
		CORSOrigins: cfg.CORSOrigins,
		DevTokens:   cfg.Env == config.EnvLocal,
	})
	a.http = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func openStore(ctx context.Context, log *slog.Logger, cfg config.Storage) (Store, error) {
	switch cfg.Driver {
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := mongo.New(connectCtx, cfg.MongoURI, cfg.MongoDatabase, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := sqlite.New(ctx, cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func (a *App) newTransport(ctx context.Context, log *slog.Logger, cfg *config.Config) (mailer.Transport, error) {
	switch cfg.Mail.Transport {
	case "http":
		client := httpclient.New(cfg.Mail.RelayURL,
			httpclient.WithTimeout(cfg.SendTimeout),
			httpclient.WithBearerToken(cfg.Mail.RelayToken),
		)
		relay := mailer.NewHTTP(client)
		if err := relay.Ping(ctx); err != nil {
			return nil, fmt.Errorf("メールリレーに接続できません: %w", err)
		}
		return relay, nil
	case "kafka":
		p := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.MailTopic)
		a.closers = append(a.closers, p)
		return mailer.NewBroker(p), nil
	case "log":
		return mailer.NewLog(log), nil
	}
	return nil, fmt.Errorf("未知の送信方式です: %q", cfg.Mail.Transport)
}

// Run はスケジューラーを開始し、HTTPサーバーを起動する。サーバーが停止するまで戻らない。
func (a *App) Run() error {
	const op = "app.Run"

	a.scheduler.Start()
	a.log.Info("HTTPサーバーを起動します", slog.String("addr", a.http.Addr))
	if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Stop はHTTPサーバーとスケジューラーを停止し、送信中の通知を待ってから接続を閉じる。
func (a *App) Stop(ctx context.Context) error {
	const op = "app.Stop"

	var errs []error
	if err := a.http.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.server.Wait(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	a.closeAll()
	if len(errs) > 0 {
		return fmt.Errorf("%s: %w", op, errors.Join(errs...))
	}
	return nil
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn("接続のクローズに失敗しました", sl.Err(err))
		}
	}
	a.closers = nil
}
