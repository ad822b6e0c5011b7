package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateekverma145/NGO-management-sub000/internal/ledger"
	"github.com/prateekverma145/NGO-management-sub000/internal/lib/logger/sl"
	"github.com/prateekverma145/NGO-management-sub000/internal/metrics"
	"github.com/prateekverma145/NGO-management-sub000/internal/model"
	"github.com/prateekverma145/NGO-management-sub000/internal/notification"
	"github.com/prateekverma145/NGO-management-sub000/internal/preference"
	"github.com/prateekverma145/NGO-management-sub000/internal/reminder"
	"github.com/prateekverma145/NGO-management-sub000/internal/storage/sqlite"
	"github.com/prateekverma145/NGO-management-sub000/pkg/middleware"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// memTransport は送信を記録する。gate が設定されている場合は閉じられるまで送信を止める。
type memTransport struct {
	mu   sync.Mutex
	sent []string
	gate chan struct{}
}

func (m *memTransport) Send(ctx context.Context, address, _, _ string) error {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, address)
	return nil
}

type fixture struct {
	server    *Server
	store     *sqlite.Storage
	transport *memTransport
}

// setupTestServer はインメモリSQLiteを使ったテスト用サーバーを構築する。
func setupTestServer(t *testing.T, opts Options) fixture {
	t.Helper()

	store, err := sqlite.New(t.Context(), ":memory:", sl.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := metrics.New()
	tr := &memTransport{}
	d, err := notification.New(sl.Discard(), store, tr, nil, m, notification.Config{Concurrency: 2})
	require.NoError(t, err)
	prefs := preference.New(sl.Discard(), store, store)
	scanner := reminder.NewScanner(sl.Discard(), store, prefs, time.UTC, true)
	scheduler, err := reminder.NewScheduler(sl.Discard(), reminder.Tasks(scanner, d, reminder.Schedules{
		DayBefore:    "0 18 * * *",
		SameDay:      "0 7 * * *",
		WeeklyDigest: "0 8 * * 1",
	}), reminder.Options{Metrics: m})
	require.NoError(t, err)

	if opts.JWTSecret == "" {
		opts.JWTSecret = testSecret
	}
	s := New(sl.Discard(), Deps{
		Registrations: ledger.New(sl.Discard(), store, ledger.NoopPublisher{}, m),
		Notifications: d,
		Preferences:   prefs,
		Scans:         scheduler,
		Health:        store,
		Metrics:       m,
	}, opts)
	t.Cleanup(func() { _ = s.Wait(context.Background()) })
	return fixture{server: s, store: store, transport: tr}
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := middleware.GenerateJWT(testSecret, userID, userID+"@example.com", role, time.Hour)
	require.NoError(t, err)
	return tok
}

// doRequest はテスト用のHTTPリクエストを実行する。tokが空の場合はAuthorizationヘッダーを付けない。
func (f fixture) doRequest(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequestWithContext(t.Context(), method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type registerResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	AvailableSlots *int   `json:"availableSlots"`
	Status         string `json:"status"`
}

func (m *memTransport) sentTo() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// waitConfirmations は応答後に送られる登録完了通知の処理を待つ。
func (f fixture) waitConfirmations(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.server.Wait(ctx))
}

func (f fixture) createResource(t *testing.T, ownerTok string, body map[string]any) model.Resource {
	t.Helper()
	w := f.doRequest(t, http.MethodPost, "/api/v1/resources", ownerTok, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[model.Resource](t, w)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := setupTestServer(t, Options{})
	w := f.doRequest(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := setupTestServer(t, Options{})
	w := f.doRequest(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()

	f := setupTestServer(t, Options{})
	w := f.doRequest(t, http.MethodGet, "/api/v1/notifications", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, decode[registerResponse](t, w).Success)
}

func TestDevToken(t *testing.T) {
	t.Parallel()

	t.Run("無効な場合はルートが存在しないこと", func(t *testing.T) {
		t.Parallel()
		f := setupTestServer(t, Options{})
		w := f.doRequest(t, http.MethodPost, "/auth/dev-token", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("発行したトークンでAPIを呼び出せること", func(t *testing.T) {
		t.Parallel()
		f := setupTestServer(t, Options{DevTokens: true})
		w := f.doRequest(t, http.MethodPost, "/auth/dev-token", "", map[string]string{"userId": "dev-1"})
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[map[string]string](t, w)
		assert.Equal(t, "dev-1", resp["user_id"])

		w = f.doRequest(t, http.MethodGet, "/api/v1/notifications", resp["token"], nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestCreateAndGetResource(t *testing.T) {
	t.Parallel()

	f := setupTestServer(t, Options{})
	owner := token(t, "owner-1", "")
	r := f.createResource(t, owner, map[string]any{
		"kind":        "opportunity",
		"title":       "炊き出しボランティア",
		"scheduledAt": time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339),
		"capacity":    3,
	})
	assert.Equal(t, "owner-1", r.OwnerID)
	assert.Equal(t, model.StatusOpen, r.Status)

	w := f.doRequest(t, http.MethodPost, "/api/v1/resources/"+r.ID+"/register", token(t, "user-1", ""), nil)
	require.Equal(t, http.StatusOK, w.Code)

	t.Run("主催者には登録者一覧が含まれること", func(t *testing.T) {
		w := f.doRequest(t, http.MethodGet, "/api/v1/resources/"+r.ID, owner, nil)
		require.Equal(t, http.StatusOK, w.Code)
		got := decode[model.Resource](t, w)
		assert.Len(t, got.Registrants, 1)
		assert.Equal(t, 1, got.RegistrantCount)
	})

	t.Run("主催者以外には登録者一覧が含まれないこと", func(t *testing.T) {
		w := f.doRequest(t, http.MethodGet, "/api/v1/resources/"+r.ID, token(t, "user-2", ""), nil)
		require.Equal(t, http.StatusOK, w.Code)
		got := decode[model.Resource](t, w)
		assert.Empty(t, got.Registrants)
		assert.Equal(t, 1, got.RegistrantCount)
	})

	t.Run("存在しないリソースは404を返すこと", func(t *testing.T) {
		w := f.doRequest(t, http.MethodGet, "/api/v1/resources/missing", owner, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("不正なリソースは400を返すこと", func(t *testing.T) {
		w := f.doRequest(t, http.MethodPost, "/api/v1/resources", owner, map[string]any{
			"kind":        "opportunity",
			"title":       "定員なし募集",
			"scheduledAt": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.False(t, decode[registerResponse](t, w).Success)
	})
}

func TestRegisterFlow(t *testing.T) {
	t.Parallel()

	f := setupTestServer(t, Options{})
	r := f.createResource(t, token(t, "owner-1", ""), map[string]any{
		"kind":        "opportunity",
		"title":       "植樹活動",
		"scheduledAt": time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339),
		"capacity":    2,
	})
	register := func(user string) *httptest.ResponseRecorder {
		return f.doRequest(t, http.MethodPost, "/api/v1/resources/"+r.ID+"/register", token(t, user, ""), nil)
	}
	unregister := func(user string) *httptest.ResponseRecorder {
		return f.doRequest(t, http.MethodPost, "/api/v1/resources/"+r.ID+"/unregister", token(t, user, ""), nil)
	}

	w := register("A")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[registerResponse](t, w)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.AvailableSlots)
	assert.Equal(t, 1, *resp.AvailableSlots)
	assert.Equal(t, "open", resp.Status)

	resp = decode[registerResponse](t, register("B"))
	assert.Equal(t, 0, *resp.AvailableSlots)
	assert.Equal(t, "closed", resp.Status)

	w = register("C")
	assert.Equal(t, http.StatusConflict, w.Code)
	resp = decode[registerResponse](t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, ledger.ErrResourceFull.Error(), resp.Message)

	w = register("B")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, ledger.ErrAlreadyRegistered.Error(), decode[registerResponse](t, w).Message)

	resp = decode[registerResponse](t, unregister("A"))
	assert.True(t, resp.Success)
	assert.Equal(t, "open", resp.Status)

	w = unregister("A")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, ledger.ErrNotRegistered.Error(), decode[registerResponse](t, w).Message)

	resp = decode[registerResponse](t, register("C"))
	assert.Equal(t, "closed", resp.Status)

	w = f.doRequest(t, http.MethodPost, "/api/v1/resources/missing/register", token(t, "A", ""), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	t.Run("登録が成功すると確認通知が作成され送信されること", func(t *testing.T) {
		f.waitConfirmations(t)
		w := f.doRequest(t, http.MethodGet, "/api/v1/notifications", token(t, "A", ""), nil)
		require.Equal(t, http.StatusOK, w.Code)
		list := decode[[]model.Notification](t, w)
		require.Len(t, list, 1)
		assert.Equal(t, model.TypeRegistrationConfirmation, list[0].Type)

		assert.ElementsMatch(t, []string{"A@example.com", "B@example.com", "C@example.com"}, f.transport.sentTo())
	})
}

func TestRegisterDoesNotWaitForConfirmation(t *testing.T) {
	t.Parallel()

	f := setupTestServer(t, Options{})
	f.transport.gate = make(chan struct{})
	r := f.createResource(t, token(t, "owner-1", ""), map[string]any{
		"kind":        "event",
		"title":       "炊き出し",
		"scheduledAt": time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339),
	})

	w := f.doRequest(t, http.MethodPost, "/api/v1/resources/"+r.ID+"/register", token(t, "A", ""), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.transport.sentTo())

	close(f.transport.gate)
	f.waitConfirmations(t)
	assert.Equal(t, []string{"A@example.com"}, f.transport.sentTo())
}

func TestRegisterUnlimitedEvent(t *testing.T) {
	t.Parallel()

	f := setupTestServer(t, Options{})
	r := f.createResource(t, token(t, "owner-1", ""), map[string]any{
		"kind":        "event",
		"title":       "地域交流会",
		"scheduledAt": time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339),
	})

	w := f.doRequest(t, http.MethodPost, "/api/v1/resources/"+r.ID+"/register", token(t, "A", ""), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"availableSlots":null`)
	assert.Equal(t, "open", decode[registerResponse](t, w).Status)
}

func TestNotificationEndpoints(t *testing.T) {
	t.Parallel()

	f := setupTestServer(t, Options{})
	r := f.createResource(t, token(t, "owner-1", ""), map[string]any{
		"kind":        "event",
		"title":       "防災訓練",
		"scheduledAt": time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339),
	})
	userTok := token(t, "user-1", "")
	w := f.doRequest(t, http.MethodPost, "/api/v1/resources/"+r.ID+"/register", userTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	f.waitConfirmations(t)

	list := decode[[]model.Notification](t, f.doRequest(t, http.MethodGet, "/api/v1/notifications/unread", userTok, nil))
	require.Len(t, list, 1)
	id := list[0].ID

	t.Run("他人の通知を既読にしようとすると403を返すこと", func(t *testing.T) {
		w := f.doRequest(t, http.MethodPut, "/api/v1/notifications/"+id+"/read", token(t, "user-2", ""), nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("存在しない通知は404を返すこと", func(t *testing.T) {
		w := f.doRequest(t, http.MethodPut, "/api/v1/notifications/missing/read", userTok, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("自分の通知を既読にできること", func(t *testing.T) {
		w := f.doRequest(t, http.MethodPut, "/api/v1/notifications/"+id+"/read", userTok, nil)
		require.Equal(t, http.StatusOK, w.Code)

		unread := decode[[]model.Notification](t, f.doRequest(t, http.MethodGet, "/api/v1/notifications/unread", userTok, nil))
		assert.Empty(t, unread)
	})

	t.Run("全件既読は更新件数を返すこと", func(t *testing.T) {
		w := f.doRequest(t, http.MethodPut, "/api/v1/notifications/read-all", userTok, nil)
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[map[string]any](t, w)
		assert.InDelta(t, 0, resp["count"], 0)
	})
}

func TestPreferenceEndpoints(t *testing.T) {
	t.Parallel()

	f := setupTestServer(t, Options{})
	r := f.createResource(t, token(t, "owner-1", ""), map[string]any{
		"kind":        "event",
		"title":       "読み聞かせ会",
		"scheduledAt": time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339),
	})
	userTok := token(t, "user-1", "")

	w := f.doRequest(t, http.MethodPost, "/api/v1/preferences", userTok, map[string]any{"resourceId": r.ID, "enabled": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	prefs := decode[[]model.Preference](t, f.doRequest(t, http.MethodGet, "/api/v1/preferences", userTok, nil))
	require.Len(t, prefs, 1)
	assert.Equal(t, r.ID, prefs[0].ResourceID)

	w = f.doRequest(t, http.MethodPost, "/api/v1/preferences", userTok, map[string]any{"resourceId": r.ID, "enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	prefs = decode[[]model.Preference](t, f.doRequest(t, http.MethodGet, "/api/v1/preferences", userTok, nil))
	assert.Empty(t, prefs)

	t.Run("存在しないリソースの希望は404を返すこと", func(t *testing.T) {
		w := f.doRequest(t, http.MethodPost, "/api/v1/preferences", userTok, map[string]any{"resourceId": "missing", "enabled": true})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("enabledがない場合は400を返すこと", func(t *testing.T) {
		w := f.doRequest(t, http.MethodPost, "/api/v1/preferences", userTok, map[string]any{"resourceId": r.ID})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRunScan(t *testing.T) {
	t.Parallel()

	f := setupTestServer(t, Options{})
	r := f.createResource(t, token(t, "owner-1", ""), map[string]any{
		"kind":        "event",
		"title":       "清掃活動",
		"scheduledAt": time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339),
	})
	for _, u := range []string{"a", "b"} {
		w := f.doRequest(t, http.MethodPost, "/api/v1/resources/"+r.ID+"/register", token(t, u, ""), nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	f.waitConfirmations(t)

	t.Run("管理者以外は403を返すこと", func(t *testing.T) {
		w := f.doRequest(t, http.MethodPost, "/api/v1/internal/scans/weekly-digest/run", token(t, "a", ""), nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("未登録のタスクは404を返すこと", func(t *testing.T) {
		w := f.doRequest(t, http.MethodPost, "/api/v1/internal/scans/monthly/run", token(t, "root", middleware.RoleAdmin), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("管理者は週次ダイジェストを実行できること", func(t *testing.T) {
		w := f.doRequest(t, http.MethodPost, "/api/v1/internal/scans/weekly-digest/run", token(t, "root", middleware.RoleAdmin), nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp struct {
			Success bool                     `json:"success"`
			Result  notification.BatchResult `json:"result"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, 2, resp.Result.Jobs)
		assert.Equal(t, 2, resp.Result.Notified)

		list := decode[[]model.Notification](t, f.doRequest(t, http.MethodGet, "/api/v1/notifications", token(t, "a", ""), nil))
		var types []string
		for _, n := range list {
			types = append(types, string(n.Type))
		}
		assert.Contains(t, strings.Join(types, ","), string(model.TypeWeeklyDigest))
	})
}
