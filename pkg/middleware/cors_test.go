package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

// TestCORS はCORSミドルウェアを検証する。
func TestCORS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		allowed     []string
		method      string
		origin      string
		wantOrigin  string
		wantStatus  int
		wantHandler bool
	}{
		{
			name:        "許可されたオリジンにCORSヘッダーが設定されること",
			allowed:     []string{"http://localhost:3000", "https://example.org"},
			method:      http.MethodGet,
			origin:      "https://example.org",
			wantOrigin:  "https://example.org",
			wantStatus:  http.StatusOK,
			wantHandler: true,
		},
		{
			name:        "許可されていないオリジンにCORSヘッダーが設定されないこと",
			allowed:     []string{"http://localhost:3000"},
			method:      http.MethodGet,
			origin:      "https://evil.example",
			wantStatus:  http.StatusOK,
			wantHandler: true,
		},
		{
			name:        "ワイルドカード指定で任意のオリジンが許可されること",
			allowed:     []string{"*"},
			method:      http.MethodGet,
			origin:      "https://volunteer.example",
			wantOrigin:  "https://volunteer.example",
			wantStatus:  http.StatusOK,
			wantHandler: true,
		},
		{
			name:        "ワイルドカードでもOriginヘッダーが無ければ設定されないこと",
			allowed:     []string{"*"},
			method:      http.MethodGet,
			wantStatus:  http.StatusOK,
			wantHandler: true,
		},
		{
			name:       "OPTIONSリクエストで204が返りハンドラーが実行されないこと",
			allowed:    []string{"http://localhost:3000"},
			method:     http.MethodOptions,
			origin:     "http://localhost:3000",
			wantOrigin: "http://localhost:3000",
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handled := false
			router := gin.New()
			router.Use(CORS(tt.allowed))
			router.Handle(tt.method, "/test", func(c *gin.Context) {
				handled = true
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest(tt.method, "/test", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if handled != tt.wantHandler {
				t.Errorf("ハンドラー実行 = %v, want %v", handled, tt.wantHandler)
			}
		})
	}
}
