// Package httpclient は外部サービスとJSONでやり取りするHTTPクライアントを提供する。
//
// メールリレーへの送信依頼など、外部APIの呼び出しパターンを統一する。
// 2xx以外の応答は *StatusError として返す。
package httpclient
