// Package sl はslogで使う属性ヘルパーを提供する。
package sl

import "log/slog"

// Err はエラーを "error" 属性として返す。
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// Discard は出力を捨てるロガーを返す。テストで使用する。
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
