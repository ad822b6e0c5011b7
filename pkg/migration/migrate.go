// Package migration はSQLiteデータベースのスキーマを番号付きSQLファイルで管理する。
// fs.FSから "000001_説明.up.sql" 形式のファイルを読み込み、
// schema_migrations テーブルで適用済みバージョンを記録する。
package migration

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
)

const upSuffix = ".up.sql"

// File は1つのマイグレーションファイル。
type File struct {
	Version int
	Name    string
	path    string
}

// Run は未適用のマイグレーションをバージョン順に適用し、今回適用したファイルを返す。
func Run(ctx context.Context, db *sql.DB, fsys fs.FS, dir string, log *slog.Logger) ([]File, error) {
	const op = "migration.Run"

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`); err != nil {
		return nil, fmt.Errorf("%s: 管理テーブルの作成に失敗: %w", op, err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	files, err := Collect(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var done []File
	for _, f := range files {
		if applied[f.Version] {
			continue
		}
		if err := apply(ctx, db, fsys, f); err != nil {
			return done, fmt.Errorf("%s: %06d_%s の適用に失敗: %w", op, f.Version, f.Name, err)
		}
		log.Info("マイグレーションを適用しました", slog.Int("version", f.Version), slog.String("name", f.Name))
		done = append(done, f)
	}
	return done, nil
}

// Collect はdir直下のup.sqlファイルをバージョン順に返す。
// 番号として解釈できないファイルは無視する。
func Collect(fsys fs.FS, dir string) ([]File, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("マイグレーションディレクトリの読み込みに失敗: %w", err)
	}

	var files []File
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, upSuffix) {
			continue
		}
		num, rest, ok := strings.Cut(strings.TrimSuffix(name, upSuffix), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(num)
		if err != nil {
			continue
		}
		files = append(files, File{Version: version, Name: rest, path: path.Join(dir, name)})
	}

	slices.SortFunc(files, func(a, b File) int { return cmp.Compare(a.Version, b.Version) })
	return files, nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// apply は1ファイル分のSQLとバージョン記録を同一トランザクションで実行する。
func apply(ctx context.Context, db *sql.DB, fsys fs.FS, f File) error {
	content, err := fs.ReadFile(fsys, f.path)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)", f.Version, f.Name); err != nil {
		return err
	}
	return tx.Commit()
}
