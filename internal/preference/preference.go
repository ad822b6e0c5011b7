// Package preference は参加者ごとのリマインダー希望を管理する。
package preference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prateekverma145/NGO-management-sub000/internal/model"
	"github.com/prateekverma145/NGO-management-sub000/internal/storage"
)

var ErrResourceNotFound = errors.New("リソースが見つかりません")

// Store はリマインダー希望の永続化を担う。
type Store interface {
	SavePreference(ctx context.Context, p model.Preference) error
	DeletePreference(ctx context.Context, participantID, resourceID string) error
	Preferences(ctx context.Context, participantID string) ([]model.Preference, error)
	HasPreference(ctx context.Context, participantID, resourceID string) (bool, error)
}

// ResourceLookup は希望を有効にする前にリソースの存在を確認する。
type ResourceLookup interface {
	Resource(ctx context.Context, id string) (model.Resource, error)
}

// Service はリマインダー希望のサービス。
type Service struct {
	log       *slog.Logger
	store     Store
	resources ResourceLookup
	now       func() time.Time
}

// New は新しいServiceを生成する。
func New(log *slog.Logger, store Store, resources ResourceLookup) *Service {
	return &Service{log: log, store: store, resources: resources, now: time.Now}
}

// SetPreference はリマインダー希望を有効または無効にする。
// 1組の (参加者, リソース) に対するレコードは高々1件。無効化は存在しなくても成功する。
func (s *Service) SetPreference(ctx context.Context, participantID, resourceID string, enabled bool) error {
	const op = "preference.SetPreference"
	log := s.log.With(
		slog.String("op", op),
		slog.String("participant_id", participantID),
		slog.String("resource_id", resourceID),
	)

	if !enabled {
		if err := s.store.DeletePreference(ctx, participantID, resourceID); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		log.Debug("リマインダー希望を無効にしました")
		return nil
	}

	if _, err := s.resources.Resource(ctx, resourceID); err != nil {
		if errors.Is(err, storage.ErrResourceNotFound) {
			return fmt.Errorf("%s: %w", op, ErrResourceNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.store.SavePreference(ctx, model.Preference{
		ParticipantID: participantID,
		ResourceID:    resourceID,
		CreatedAt:     s.now().UTC(),
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	log.Debug("リマインダー希望を有効にしました")
	return nil
}

// GetPreferences は参加者のリマインダー希望一覧を返す。
func (s *Service) GetPreferences(ctx context.Context, participantID string) ([]model.Preference, error) {
	const op = "preference.GetPreferences"

	prefs, err := s.store.Preferences(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return prefs, nil
}

// IsOptedIn は参加者がリソースのリマインダーを希望しているかどうかを返す。
func (s *Service) IsOptedIn(ctx context.Context, participantID, resourceID string) (bool, error) {
	const op = "preference.IsOptedIn"

	ok, err := s.store.HasPreference(ctx, participantID, resourceID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return ok, nil
}
