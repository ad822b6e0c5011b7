// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの検証とロールによる認可、パニックリカバリ、
// CORS設定を含む。エラー応答はすべて {"success": false, "message": ...} の形式で返す。
package middleware
