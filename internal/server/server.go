// Package server は登録台帳・通知・リマインダー希望のHTTP APIを提供する。
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/prateekverma145/NGO-management-sub000/internal/ledger"
	"github.com/prateekverma145/NGO-management-sub000/internal/lib/logger/sl"
	"github.com/prateekverma145/NGO-management-sub000/internal/metrics"
	"github.com/prateekverma145/NGO-management-sub000/internal/model"
	"github.com/prateekverma145/NGO-management-sub000/internal/notification"
	"github.com/prateekverma145/NGO-management-sub000/internal/preference"
	"github.com/prateekverma145/NGO-management-sub000/internal/reminder"
	"github.com/prateekverma145/NGO-management-sub000/pkg/middleware"
)

// Registrations はリソースの作成・参照と登録台帳の操作。
type Registrations interface {
	CreateResource(ctx context.Context, ownerID string, in model.NewResource) (model.Resource, error)
	GetResource(ctx context.Context, viewerID, id string) (model.Resource, error)
	Register(ctx context.Context, resourceID string, participant model.Registrant) (ledger.Result, error)
	Unregister(ctx context.Context, resourceID, participantID string) (ledger.Result, error)
}

// Notifications はアプリ内通知の操作と登録完了通知。
type Notifications interface {
	NotifyRegistration(ctx context.Context, recipient model.Registrant, r model.Resource) notification.BatchResult
	List(ctx context.Context, recipientID string) ([]model.Notification, error)
	ListUnread(ctx context.Context, recipientID string) ([]model.Notification, error)
	MarkRead(ctx context.Context, recipientID, id string) error
	MarkAllRead(ctx context.Context, recipientID string) (int64, error)
}

// Preferences はリマインダー希望の操作。
type Preferences interface {
	SetPreference(ctx context.Context, participantID, resourceID string, enabled bool) error
	GetPreferences(ctx context.Context, participantID string) ([]model.Preference, error)
}

// Scans はスキャンタスクの手動実行。
type Scans interface {
	Trigger(ctx context.Context, name string) (notification.BatchResult, error)
}

// Pinger はストレージの疎通確認。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps はハンドラが利用するサービス。
type Deps struct {
	Registrations Registrations
	Notifications Notifications
	Preferences   Preferences
	Scans         Scans
	// Health がnilの場合、/health は常にokを返す。
	Health  Pinger
	Metrics *metrics.Metrics
}

// Options はサーバーの設定。
type Options struct {
	JWTSecret   string
	CORSOrigins []string
	// DevTokens が true の場合、開発用トークン発行エンドポイントを公開する。
	DevTokens bool
}

// Server はコーディネーターのHTTPサーバー。
type Server struct {
	log    *slog.Logger
	router *gin.Engine
	deps   Deps
	opts   Options

	// confirmations は応答後に送る登録完了通知の完了を待つ。
	confirmations sync.WaitGroup
}

// New は新しいServerを生成し、ルーティングを設定する。
func New(log *slog.Logger, deps Deps, opts Options) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(gin.Logger())
	router.Use(middleware.CORS(opts.CORSOrigins))

	s := &Server{
		log:    log,
		router: router,
		deps:   deps,
		opts:   opts,
	}
	s.setupRoutes()
	return s
}

// Handler はhttp.Serverに渡すハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait は送信中の登録完了通知がすべて終わるまで待つ。ctxが先に終了した場合はエラーを返す。
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.confirmations.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("server.Wait: %w", ctx.Err())
	}
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	if s.opts.DevTokens {
		s.router.POST("/auth/dev-token", s.handleDevToken())
	}

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.opts.JWTSecret))
	{
		// リソースと登録
		api.POST("/resources", s.handleCreateResource())
		api.GET("/resources/:id", s.handleGetResource())
		api.POST("/resources/:id/register", s.handleRegister())
		api.POST("/resources/:id/unregister", s.handleUnregister())

		// 通知
		api.GET("/notifications", s.handleListNotifications())
		api.GET("/notifications/unread", s.handleListUnread())
		api.PUT("/notifications/read-all", s.handleMarkAllAsRead())
		api.PUT("/notifications/:id/read", s.handleMarkAsRead())

		// リマインダー希望
		api.GET("/preferences", s.handleGetPreferences())
		api.POST("/preferences", s.handleSetPreference())

		// スキャンの手動実行（管理者のみ）
		api.POST("/internal/scans/:name/run", middleware.RequireRole(middleware.RoleAdmin), s.handleRunScan())
	}

	s.router.GET("/health", s.handleHealth())
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
}

func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Health != nil {
			if err := s.deps.Health.Ping(c.Request.Context()); err != nil {
				s.log.Error("ストレージの疎通確認に失敗しました", sl.Err(err))
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "coordinator"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "coordinator"})
	}
}

// errorResponse は {success:false, message} 形式でエラーを返す。
func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "message": message})
}

// statusMapping はドメインエラーとHTTPステータスの対応。メッセージはエラー自身のものを返す。
var statusMapping = []struct {
	err    error
	status int
}{
	{ledger.ErrNotFound, http.StatusNotFound},
	{notification.ErrNotFound, http.StatusNotFound},
	{preference.ErrResourceNotFound, http.StatusNotFound},
	{reminder.ErrUnknownTask, http.StatusNotFound},
	{ledger.ErrAlreadyRegistered, http.StatusConflict},
	{ledger.ErrNotRegistered, http.StatusConflict},
	{ledger.ErrResourceFull, http.StatusConflict},
	{reminder.ErrAlreadyRunning, http.StatusConflict},
	{notification.ErrForbidden, http.StatusForbidden},
	{ledger.ErrInvalidResource, http.StatusBadRequest},
	{notification.ErrInvalidInput, http.StatusBadRequest},
	{reminder.ErrStopped, http.StatusServiceUnavailable},
}

// writeError はエラーをステータスに対応付けて返す。未知のエラーはログに出し500を返す。
func (s *Server) writeError(c *gin.Context, op string, err error, fallback string) {
	for _, m := range statusMapping {
		if errors.Is(err, m.err) {
			errorResponse(c, m.status, m.err.Error())
			return
		}
	}
	s.log.Error(fallback, slog.String("op", op), sl.Err(err))
	errorResponse(c, http.StatusInternalServerError, fallback)
}

// requireUser は認証済みユーザーのIDを返す。取得できない場合は401を返して false。
func requireUser(c *gin.Context) (string, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		errorResponse(c, http.StatusUnauthorized, "ユーザーIDが取得できません")
		return "", false
	}
	return userID, true
}
