package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prateekverma145/NGO-management-sub000/internal/model"
)

// SavePreference はリマインダー希望を保存する。既に存在する場合は何もしない。
func (s *Storage) SavePreference(ctx context.Context, p model.Preference) error {
	const op = "storage.sqlite.SavePreference"

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_preferences (participant_id, resource_id, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (participant_id, resource_id) DO NOTHING`,
		p.ParticipantID, p.ResourceID, toNanos(p.CreatedAt)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeletePreference はリマインダー希望を削除する。存在しなくてもエラーにしない。
func (s *Storage) DeletePreference(ctx context.Context, participantID, resourceID string) error {
	const op = "storage.sqlite.DeletePreference"

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM reminder_preferences WHERE participant_id = ? AND resource_id = ?`,
		participantID, resourceID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Preferences は参加者のリマインダー希望一覧を返す。
func (s *Storage) Preferences(ctx context.Context, participantID string) ([]model.Preference, error) {
	const op = "storage.sqlite.Preferences"

	rows, err := s.db.QueryContext(ctx,
		`SELECT participant_id, resource_id, created_at FROM reminder_preferences
		 WHERE participant_id = ? ORDER BY created_at ASC, resource_id ASC`, participantID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	prefs := make([]model.Preference, 0)
	for rows.Next() {
		var (
			p  model.Preference
			at int64
		)
		if err := rows.Scan(&p.ParticipantID, &p.ResourceID, &at); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		p.CreatedAt = fromNanos(at)
		prefs = append(prefs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return prefs, nil
}

// HasPreference は参加者がリソースのリマインダーを希望しているかどうかを返す。
func (s *Storage) HasPreference(ctx context.Context, participantID, resourceID string) (bool, error) {
	const op = "storage.sqlite.HasPreference"

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM reminder_preferences WHERE participant_id = ? AND resource_id = ?`,
		participantID, resourceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}
