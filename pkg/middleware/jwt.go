package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Issuer は発行するトークンのiss。
const Issuer = "ngo-coordinator"

// RoleAdmin は運用操作を許可するロール。
const RoleAdmin = "admin"

// コンテキストキー。
const (
	ctxKeyUserID = "user_id"
	ctxKeyEmail  = "email"
	ctxKeyRole   = "role"
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。リマインダーの送信先になる。
	Email string `json:"email"`
	// Role はユーザーのロール。空は一般ユーザー。
	Role string `json:"role,omitempty"`
}

// GenerateJWT はユーザー情報から有効期限ttlのJWTトークンを生成する。
// 本番の発行は外部の認証基盤が行い、ここでは開発用トークンの発行とテストに使う。
func GenerateJWT(secret, userID, email, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    Issuer,
			Subject:   userID,
		},
		UserID: userID,
		Email:  email,
		Role:   role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id"、"email"、"role" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, http.StatusUnauthorized, "Authorizationヘッダーが必要です")
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			abort(c, http.StatusUnauthorized, "Bearer トークン形式が不正です")
			return
		}

		claims := &JWTClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid || claims.UserID == "" {
			abort(c, http.StatusUnauthorized, "トークンが無効です")
			return
		}

		c.Set(ctxKeyUserID, claims.UserID)
		c.Set(ctxKeyEmail, claims.Email)
		c.Set(ctxKeyRole, claims.Role)
		c.Next()
	}
}

// RequireRole は指定ロールを持たないリクエストを403で拒否する。
// JWTAuthの後に適用する。
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetRole(c) != role {
			abort(c, http.StatusForbidden, "この操作を行う権限がありません")
			return
		}
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
func GetUserID(c *gin.Context) string {
	return c.GetString(ctxKeyUserID)
}

// GetEmail はGinコンテキストからメールアドレスを取得する。
func GetEmail(c *gin.Context) string {
	return c.GetString(ctxKeyEmail)
}

// GetRole はGinコンテキストからロールを取得する。
func GetRole(c *gin.Context) string {
	return c.GetString(ctxKeyRole)
}
