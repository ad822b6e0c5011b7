package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prateekverma145/NGO-management-sub000/internal/model"
	"github.com/prateekverma145/NGO-management-sub000/internal/storage"
)

const resourceColumns = `id, owner_id, kind, title, location, scheduled_at, capacity, registrant_count, status, version, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (model.Resource, error) {
	var (
		r           model.Resource
		capacity    sql.NullInt64
		scheduledAt int64
		createdAt   int64
	)
	if err := row.Scan(
		&r.ID, &r.OwnerID, &r.Kind, &r.Title, &r.Location, &scheduledAt,
		&capacity, &r.RegistrantCount, &r.Status, &r.Version, &createdAt,
	); err != nil {
		return model.Resource{}, err
	}
	if capacity.Valid {
		c := int(capacity.Int64)
		r.Capacity = &c
	}
	r.ScheduledAt = fromNanos(scheduledAt)
	r.CreatedAt = fromNanos(createdAt)
	return r, nil
}

func nullCapacity(c *int) sql.NullInt64 {
	if c == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*c), Valid: true}
}

// SaveResource は新しいリソースを保存する。
func (s *Storage) SaveResource(ctx context.Context, r model.Resource) error {
	const op = "storage.sqlite.SaveResource"

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (`+resourceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, 0, ?)`,
		r.ID, r.OwnerID, r.Kind, r.Title, r.Location, toNanos(r.ScheduledAt),
		nullCapacity(r.Capacity), model.StatusOpen, toNanos(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Resource はIDでリソースを取得する。登録者一覧も含む。
func (s *Storage) Resource(ctx context.Context, id string) (model.Resource, error) {
	const op = "storage.sqlite.Resource"

	r, err := scanResource(s.db.QueryRowContext(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Resource{}, fmt.Errorf("%s: %w", op, storage.ErrResourceNotFound)
		}
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}

	regs, err := s.registrants(ctx, s.db, id)
	if err != nil {
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}
	r.Registrants = regs
	return r, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Storage) registrants(ctx context.Context, q querier, resourceID string) ([]model.Registrant, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT participant_id, email, registered_at
		 FROM registrations WHERE resource_id = ?
		 ORDER BY registered_at ASC, participant_id ASC`, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regs []model.Registrant
	for rows.Next() {
		var (
			reg model.Registrant
			at  int64
		)
		if err := rows.Scan(&reg.ParticipantID, &reg.Email, &at); err != nil {
			return nil, err
		}
		reg.RegisteredAt = fromNanos(at)
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// AddRegistrant は定員を超えない場合に限り参加者を登録者集合に追加する。
//
// 1つの書き込みトランザクション内で、登録行の挿入と
// 「定員未満のときだけ登録数を増やす」条件付きUPDATEを行う。
// UPDATEが0行ならロールバックして ErrResourceFull を返す。
// 返すリソースには登録者一覧を含めない。
func (s *Storage) AddRegistrant(ctx context.Context, resourceID string, reg model.Registrant) (model.Resource, error) {
	const op = "storage.sqlite.AddRegistrant"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := resourceExists(ctx, tx, resourceID); err != nil {
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO registrations (resource_id, participant_id, email, registered_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (resource_id, participant_id) DO NOTHING`,
		resourceID, reg.ParticipantID, reg.Email, toNanos(reg.RegisteredAt),
	)
	if err != nil {
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	} else if n == 0 {
		return model.Resource{}, fmt.Errorf("%s: %w", op, storage.ErrAlreadyRegistered)
	}

	updated, err := scanResource(tx.QueryRowContext(ctx,
		`UPDATE resources
		 SET registrant_count = registrant_count + 1,
		     version = version + 1,
		     status = CASE
		         WHEN capacity IS NOT NULL AND registrant_count + 1 >= capacity THEN 'closed'
		         ELSE 'open'
		     END
		 WHERE id = ? AND (capacity IS NULL OR registrant_count < capacity)
		 RETURNING `+resourceColumns, resourceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Resource{}, fmt.Errorf("%s: %w", op, storage.ErrResourceFull)
		}
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}
	return updated, nil
}

// RemoveRegistrant は参加者を登録者集合から取り除く。
// 定員付きリソースは取り除いた時点で必ず定員未満になるため、statusはopenに戻る。
func (s *Storage) RemoveRegistrant(ctx context.Context, resourceID, participantID string) (model.Resource, error) {
	const op = "storage.sqlite.RemoveRegistrant"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := resourceExists(ctx, tx, resourceID); err != nil {
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM registrations WHERE resource_id = ? AND participant_id = ?`,
		resourceID, participantID)
	if err != nil {
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	} else if n == 0 {
		return model.Resource{}, fmt.Errorf("%s: %w", op, storage.ErrNotRegistered)
	}

	updated, err := scanResource(tx.QueryRowContext(ctx,
		`UPDATE resources
		 SET registrant_count = registrant_count - 1,
		     version = version + 1,
		     status = 'open'
		 WHERE id = ? AND registrant_count > 0
		 RETURNING `+resourceColumns, resourceID))
	if err != nil {
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}
	return updated, nil
}

func resourceExists(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM resources WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrResourceNotFound
	}
	return err
}

// ResourcesScheduledBetween は開催日時が [from, to) に含まれるリソースを登録者付きで返す。
func (s *Storage) ResourcesScheduledBetween(ctx context.Context, from, to time.Time) ([]model.Resource, error) {
	const op = "storage.sqlite.ResourcesScheduledBetween"

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resourceColumns+` FROM resources
		 WHERE scheduled_at >= ? AND scheduled_at < ?
		 ORDER BY scheduled_at ASC, id ASC`,
		toNanos(from), toNanos(to))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var resources []model.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		resources = append(resources, r)
	}
	// 接続が1本のため、登録者の取得前に結果セットを閉じる必要がある。
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for i := range resources {
		regs, err := s.registrants(ctx, s.db, resources[i].ID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		resources[i].Registrants = regs
	}
	return resources, nil
}
