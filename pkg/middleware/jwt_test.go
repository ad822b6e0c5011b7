package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// TestGenerateJWT はGenerateJWT関数を検証する。
func TestGenerateJWT(t *testing.T) {
	t.Parallel()

	t.Run("クレームと有効期限が設定されること", func(t *testing.T) {
		t.Parallel()

		before := time.Now()
		tokenStr, err := GenerateJWT(testSecret, "user-123", "test@example.com", RoleAdmin, time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		claims := &JWTClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
			return []byte(testSecret), nil
		})
		if err != nil || !token.Valid {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if claims.UserID != "user-123" || claims.Email != "test@example.com" || claims.Role != RoleAdmin {
			t.Errorf("claims = %+v", claims)
		}
		if claims.Issuer != Issuer {
			t.Errorf("Issuer = %q, want %q", claims.Issuer, Issuer)
		}
		exp := claims.ExpiresAt.Time
		if exp.Before(before.Add(time.Hour-time.Second)) || exp.After(time.Now().Add(time.Hour+time.Second)) {
			t.Errorf("ExpiresAt = %v, 1時間後ではない", exp)
		}
		if token.Method.Alg() != "HS256" {
			t.Errorf("アルゴリズム = %q, want HS256", token.Method.Alg())
		}
	})
}

type authResult struct {
	status int
	body   map[string]any
}

func serveAuth(t *testing.T, authHeader string, extra ...gin.HandlerFunc) authResult {
	t.Helper()

	router := gin.New()
	handlers := append([]gin.HandlerFunc{JWTAuth(testSecret)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id": GetUserID(c),
			"email":   GetEmail(c),
			"role":    GetRole(c),
		})
	})
	router.GET("/protected", handlers...)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v", err)
	}
	return authResult{status: w.Code, body: body}
}

func mustToken(t *testing.T, secret, role string, ttl time.Duration) string {
	t.Helper()
	tok, err := GenerateJWT(secret, "user-1", "user1@example.com", role, ttl)
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}
	return tok
}

// TestJWTAuth はJWTAuthミドルウェアを検証する。
func TestJWTAuth(t *testing.T) {
	t.Parallel()

	t.Run("有効なトークンでクレームがコンテキストに設定されること", func(t *testing.T) {
		t.Parallel()

		res := serveAuth(t, "Bearer "+mustToken(t, testSecret, "", time.Hour))
		if res.status != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", res.status, http.StatusOK)
		}
		if res.body["user_id"] != "user-1" || res.body["email"] != "user1@example.com" {
			t.Errorf("body = %v", res.body)
		}
	})

	tests := []struct {
		name   string
		header func(t *testing.T) string
	}{
		{"Authorizationヘッダーが無い場合401が返ること", func(*testing.T) string { return "" }},
		{"Bearer接頭辞が無い場合401が返ること", func(t *testing.T) string { return mustToken(t, testSecret, "", time.Hour) }},
		{"無効なトークンで401が返ること", func(*testing.T) string { return "Bearer not-a-jwt" }},
		{"異なるシークレットで署名されたトークンで401が返ること", func(t *testing.T) string {
			return "Bearer " + mustToken(t, "other-secret", "", time.Hour)
		}},
		{"期限切れトークンで401が返ること", func(t *testing.T) string {
			return "Bearer " + mustToken(t, testSecret, "", -time.Minute)
		}},
		{"HS256以外のアルゴリズムで401が返ること", func(t *testing.T) string {
			tok := jwt.NewWithClaims(jwt.SigningMethodHS512, JWTClaims{UserID: "user-1"})
			s, err := tok.SignedString([]byte(testSecret))
			if err != nil {
				t.Fatal(err)
			}
			return "Bearer " + s
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res := serveAuth(t, tt.header(t))
			if res.status != http.StatusUnauthorized {
				t.Errorf("ステータスコード = %d, want %d", res.status, http.StatusUnauthorized)
			}
			if res.body["success"] != false || res.body["message"] == "" {
				t.Errorf("body = %v", res.body)
			}
		})
	}
}

// TestRequireRole はRequireRoleミドルウェアを検証する。
func TestRequireRole(t *testing.T) {
	t.Parallel()

	t.Run("adminロールは通過できること", func(t *testing.T) {
		t.Parallel()

		res := serveAuth(t, "Bearer "+mustToken(t, testSecret, RoleAdmin, time.Hour), RequireRole(RoleAdmin))
		if res.status != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", res.status, http.StatusOK)
		}
	})

	t.Run("ロールが無い場合403が返ること", func(t *testing.T) {
		t.Parallel()

		res := serveAuth(t, "Bearer "+mustToken(t, testSecret, "", time.Hour), RequireRole(RoleAdmin))
		if res.status != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", res.status, http.StatusForbidden)
		}
	})
}

// TestGetUserID はコンテキストの値が無い場合の挙動を検証する。
func TestGetUserID(t *testing.T) {
	t.Parallel()

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if got := GetUserID(c); got != "" {
		t.Errorf("GetUserID() = %q, want empty", got)
	}
	c.Set("user_id", 12345)
	if got := GetUserID(c); got != "" {
		t.Errorf("文字列以外の値でGetUserID() = %q, want empty", got)
	}
}
