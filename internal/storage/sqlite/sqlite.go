// Package sqlite はmodernc.org/sqliteを使ったストレージ実装を提供する。
//
// リソースの登録者集合・通知・リマインダー希望を1つのSQLiteファイルに保存する。
// 定員チェックと登録者の追加は1つの書き込みトランザクション内の
// 条件付きUPDATEで行い、読み取り→書き込みの競合を起こさない。
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/prateekverma145/NGO-management-sub000/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dsnParams は接続ごとに適用するプラグマ。
// _txlock=immediate により BEGIN 時点で書き込みロックを取得する。
const dsnParams = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

// Storage はSQLiteによるストレージ。
type Storage struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// New はpathのSQLiteデータベースを開き、マイグレーションを適用する。
// path に ":memory:" を指定するとインメモリDBになる。
func New(ctx context.Context, path string, log *slog.Logger) (*Storage, error) {
	const op = "storage.sqlite.New"

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("%s?%s", path, dsnParams))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// SQLiteの書き込みは常に1本に直列化されるため、接続も1本に固定する。
	// インメモリDBを接続間で共有する目的も兼ねる。
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if _, err := migration.Run(ctx, db, migrationsFS, "migrations", log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping は接続を確認する。ヘルスチェックで使用する。
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
