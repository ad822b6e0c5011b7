// Package ledger は定員付きリソースの登録台帳を提供する。
//
// 登録・登録取消は必ずストレージの原子的な条件付き更新を通して行い、
// 定員を超える登録者集合が観測されることはない。
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prateekverma145/NGO-management-sub000/internal/lib/logger/sl"
	"github.com/prateekverma145/NGO-management-sub000/internal/metrics"
	"github.com/prateekverma145/NGO-management-sub000/internal/model"
	"github.com/prateekverma145/NGO-management-sub000/internal/storage"
	"github.com/prateekverma145/NGO-management-sub000/pkg/event"
)

var (
	ErrNotFound          = errors.New("リソースが見つかりません")
	ErrAlreadyRegistered = errors.New("既に登録済みです")
	ErrNotRegistered     = errors.New("登録されていません")
	ErrResourceFull      = errors.New("定員に達しています")
	ErrInvalidResource   = errors.New("リソースの内容が不正です")
)

// ResourceStore はリソースと登録者集合の永続化を担う。
type ResourceStore interface {
	SaveResource(ctx context.Context, r model.Resource) error
	Resource(ctx context.Context, id string) (model.Resource, error)
	AddRegistrant(ctx context.Context, resourceID string, reg model.Registrant) (model.Resource, error)
	RemoveRegistrant(ctx context.Context, resourceID, participantID string) (model.Resource, error)
}

// EventPublisher はドメインイベントを配信する。
type EventPublisher interface {
	PublishEvent(ctx context.Context, e *event.Event) error
}

// NoopPublisher はイベントを捨てるEventPublisher。
type NoopPublisher struct{}

func (NoopPublisher) PublishEvent(context.Context, *event.Event) error { return nil }

// Result は登録・登録取消後のリソースの状態。
type Result struct {
	// AvailableSlots は残り枠。定員無制限の場合はnil。
	AvailableSlots *int
	Status         model.Status
	// Resource は変更後のリソース。登録者一覧は含まない。
	Resource model.Resource
}

// Ledger は登録台帳のサービス。
type Ledger struct {
	log       *slog.Logger
	store     ResourceStore
	publisher EventPublisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New は新しいLedgerを生成する。publisherがnilの場合はイベントを配信しない。
func New(log *slog.Logger, store ResourceStore, publisher EventPublisher, m *metrics.Metrics) *Ledger {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &Ledger{
		log:       log,
		store:     store,
		publisher: publisher,
		metrics:   m,
		now:       time.Now,
	}
}

// Register は参加者をリソースに登録する。
// エラーは ErrNotFound、ErrAlreadyRegistered、ErrResourceFull の順に判定される。
func (l *Ledger) Register(ctx context.Context, resourceID string, participant model.Registrant) (Result, error) {
	const op = "ledger.Register"
	log := l.log.With(
		slog.String("op", op),
		slog.String("resource_id", resourceID),
		slog.String("participant_id", participant.ParticipantID),
	)

	participant.RegisteredAt = l.now().UTC()
	r, err := l.store.AddRegistrant(ctx, resourceID, participant)
	if err != nil {
		mapped := mapStorageError(err)
		l.metrics.Registration("register", resultLabel(mapped))
		if isDomainError(mapped) {
			log.Debug("登録を受け付けませんでした", sl.Err(mapped))
			return Result{}, fmt.Errorf("%s: %w", op, mapped)
		}
		log.Error("登録に失敗しました", sl.Err(err))
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	l.metrics.Registration("register", "ok")
	log.Info("登録しました", slog.Int("registrant_count", r.RegistrantCount), slog.String("status", string(r.Status)))
	l.publish(ctx, log, r, event.TypeRegistrationCreated, participant.ParticipantID)
	return resultOf(r), nil
}

// Unregister は参加者の登録を取り消す。定員付きリソースは取消後に必ずopenになる。
func (l *Ledger) Unregister(ctx context.Context, resourceID, participantID string) (Result, error) {
	const op = "ledger.Unregister"
	log := l.log.With(
		slog.String("op", op),
		slog.String("resource_id", resourceID),
		slog.String("participant_id", participantID),
	)

	r, err := l.store.RemoveRegistrant(ctx, resourceID, participantID)
	if err != nil {
		mapped := mapStorageError(err)
		l.metrics.Registration("unregister", resultLabel(mapped))
		if isDomainError(mapped) {
			return Result{}, fmt.Errorf("%s: %w", op, mapped)
		}
		log.Error("登録取消に失敗しました", sl.Err(err))
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	l.metrics.Registration("unregister", "ok")
	log.Info("登録を取り消しました", slog.Int("registrant_count", r.RegistrantCount))
	l.publish(ctx, log, r, event.TypeRegistrationCancelled, participantID)
	return resultOf(r), nil
}

// CreateResource はownerIDを主催者とする新しいリソースを作成する。
// ボランティア募集は1以上の定員が必須。イベントは定員を省略すると無制限になる。
func (l *Ledger) CreateResource(ctx context.Context, ownerID string, in model.NewResource) (model.Resource, error) {
	const op = "ledger.CreateResource"
	log := l.log.With(slog.String("op", op), slog.String("owner_id", ownerID))

	if err := validateNewResource(in); err != nil {
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}

	r := model.Resource{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Kind:        in.Kind,
		Title:       strings.TrimSpace(in.Title),
		Location:    strings.TrimSpace(in.Location),
		ScheduledAt: in.ScheduledAt.UTC(),
		Capacity:    in.Capacity,
		Status:      model.StatusOpen,
		CreatedAt:   l.now().UTC(),
	}
	if err := l.store.SaveResource(ctx, r); err != nil {
		log.Error("リソースの保存に失敗しました", sl.Err(err))
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("リソースを作成しました", slog.String("resource_id", r.ID), slog.String("kind", string(r.Kind)))
	return r, nil
}

// GetResource はリソースを返す。登録者一覧は主催者にのみ含める。
func (l *Ledger) GetResource(ctx context.Context, viewerID, id string) (model.Resource, error) {
	const op = "ledger.GetResource"

	r, err := l.store.Resource(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrResourceNotFound) {
			return model.Resource{}, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}
	if r.OwnerID != viewerID {
		r.Registrants = nil
	}
	return r, nil
}

func validateNewResource(in model.NewResource) error {
	switch {
	case strings.TrimSpace(in.Title) == "":
		return fmt.Errorf("%w: タイトルは必須です", ErrInvalidResource)
	case in.ScheduledAt.IsZero():
		return fmt.Errorf("%w: 開催日時は必須です", ErrInvalidResource)
	case in.Capacity != nil && *in.Capacity < 1:
		return fmt.Errorf("%w: 定員は1以上を指定してください", ErrInvalidResource)
	}
	switch in.Kind {
	case model.KindOpportunity:
		if in.Capacity == nil {
			return fmt.Errorf("%w: ボランティア募集には定員が必要です", ErrInvalidResource)
		}
	case model.KindEvent:
	default:
		return fmt.Errorf("%w: 種類が不正です: %q", ErrInvalidResource, in.Kind)
	}
	return nil
}

func (l *Ledger) publish(ctx context.Context, log *slog.Logger, r model.Resource, t event.Type, participantID string) {
	ev, err := event.New(r.ID, event.AggregateTypeResource, t, r.Version, event.RegistrationData{
		ParticipantID:   participantID,
		RegistrantCount: r.RegistrantCount,
		AvailableSlots:  r.AvailableSlots(),
		Status:          string(r.Status),
	})
	if err == nil {
		err = l.publisher.PublishEvent(ctx, ev)
	}
	if err != nil {
		log.Warn("イベントの配信に失敗しました", slog.String("event_type", string(t)), sl.Err(err))
	}
}

func resultOf(r model.Resource) Result {
	return Result{
		AvailableSlots: r.AvailableSlots(),
		Status:         r.Status,
		Resource:       r,
	}
}

func mapStorageError(err error) error {
	switch {
	case errors.Is(err, storage.ErrResourceNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrAlreadyRegistered):
		return ErrAlreadyRegistered
	case errors.Is(err, storage.ErrNotRegistered):
		return ErrNotRegistered
	case errors.Is(err, storage.ErrResourceFull):
		return ErrResourceFull
	}
	return err
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyRegistered) ||
		errors.Is(err, ErrNotRegistered) || errors.Is(err, ErrResourceFull)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyRegistered):
		return "already_registered"
	case errors.Is(err, ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, ErrResourceFull):
		return "full"
	}
	return "error"
}
