package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/prateekverma145/NGO-management-sub000/internal/lib/logger/sl"
	"github.com/prateekverma145/NGO-management-sub000/internal/mailer"
	"github.com/prateekverma145/NGO-management-sub000/internal/metrics"
	"github.com/prateekverma145/NGO-management-sub000/internal/model"
	"github.com/prateekverma145/NGO-management-sub000/internal/storage"
	"github.com/prateekverma145/NGO-management-sub000/pkg/event"
)

var (
	ErrNotFound     = errors.New("通知が見つかりません")
	ErrForbidden    = errors.New("この通知を操作する権限がありません")
	ErrInvalidInput = errors.New("通知の内容が不正です")
)

// Store は通知の永続化を担う。
type Store interface {
	SaveNotification(ctx context.Context, n model.Notification) (bool, error)
	Notification(ctx context.Context, id string) (model.Notification, error)
	NotificationsByRecipient(ctx context.Context, recipientID string, unreadOnly bool) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context, recipientID string) (int64, error)
}

// EventPublisher はドメインイベントを配信する。
type EventPublisher interface {
	PublishEvent(ctx context.Context, e *event.Event) error
}

// BatchResult はDispatchBatchの集計結果。各値は処理順序に依存しない。
type BatchResult struct {
	Jobs int `json:"jobs"`
	// Notified は新たに作成したアプリ内通知の数。
	Notified int `json:"notified"`
	// Emailed は外部送信に成功した数。
	Emailed int `json:"emailed"`
	// EmailFailed は外部送信に失敗した数。通知自体は作成済み。
	EmailFailed int `json:"emailFailed"`
	// Duplicates は重複排除キーにより作成も送信もしなかった数。
	Duplicates int `json:"duplicates"`
	// Failed は通知を作成できなかった数。外部送信も行わない。
	Failed int `json:"failed"`
}

// Config はDispatcherの設定。
type Config struct {
	// SendTimeout は外部送信1回あたりの上限時間。
	SendTimeout time.Duration
	// Concurrency は同時に処理するジョブ数の上限。
	Concurrency int
	// Location は通知本文で日時を表示するタイムゾーン。
	Location *time.Location
}

// Dispatcher はジョブから通知を作成し、外部メッセージを送信する。
type Dispatcher struct {
	log       *slog.Logger
	store     Store
	transport mailer.Transport
	renderer  *Renderer
	publisher EventPublisher
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
}

// New は新しいDispatcherを生成する。publisherとmはnilでもよい。
func New(
	log *slog.Logger,
	store Store,
	transport mailer.Transport,
	publisher EventPublisher,
	m *metrics.Metrics,
	cfg Config,
) (*Dispatcher, error) {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	renderer, err := NewRenderer(cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("notification.New: %w", err)
	}
	return &Dispatcher{
		log:       log,
		store:     store,
		transport: transport,
		renderer:  renderer,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// CreateNotification はアプリ内通知を未読状態で作成する。
// 同じ重複排除キーの通知が既に存在する場合は何も作成せず created=false を返す。
func (d *Dispatcher) CreateNotification(ctx context.Context, in model.NewNotification) (model.Notification, bool, error) {
	const op = "notification.CreateNotification"

	if in.RecipientID == "" || !in.Type.Valid() || in.Title == "" {
		return model.Notification{}, false, fmt.Errorf("%s: %w", op, ErrInvalidInput)
	}

	n := model.Notification{
		ID:          uuid.NewString(),
		RecipientID: in.RecipientID,
		Type:        in.Type,
		Title:       in.Title,
		Message:     in.Message,
		ResourceID:  in.ResourceID,
		DedupeKey:   in.DedupeKey,
		CreatedAt:   d.now().UTC(),
	}
	created, err := d.store.SaveNotification(ctx, n)
	if err != nil {
		return model.Notification{}, false, fmt.Errorf("%s: %w", op, err)
	}
	return n, created, nil
}

// SendOutboundMessage はテンプレートを描画して外部メッセージを送信する。
// 失敗やタイムアウトは受信者と理由をログに出し、false を返す。
func (d *Dispatcher) SendOutboundMessage(ctx context.Context, address string, typ model.NotificationType, payload TemplateData) bool {
	const op = "notification.SendOutboundMessage"

	rendered, err := d.renderer.Render(typ, payload)
	if err != nil {
		d.log.Error("テンプレートの描画に失敗しました",
			slog.String("op", op), slog.String("type", string(typ)), sl.Err(err))
		return false
	}
	return d.send(ctx, address, payload.Recipient.ParticipantID, rendered)
}

func (d *Dispatcher) send(ctx context.Context, address, recipientID string, rendered Rendered) bool {
	const op = "notification.send"
	log := d.log.With(slog.String("op", op), slog.String("recipient_id", recipientID))

	if strings.TrimSpace(address) == "" {
		log.Warn("送信先アドレスがないため外部送信をスキップしました")
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	err := d.sendSafely(sendCtx, address, rendered)
	d.metrics.Send(time.Since(start))
	if err != nil {
		reason := "送信エラー"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "タイムアウト"
		}
		log.Warn("外部メッセージの送信に失敗しました",
			slog.String("address", address), slog.String("reason", reason), sl.Err(err))
		return false
	}
	return true
}

// sendSafely は送信手段のパニックをエラーに変換する。
func (d *Dispatcher) sendSafely(ctx context.Context, address string, rendered Rendered) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("送信中にパニックから回復しました",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("notification.sendSafely: panic: %v", r)
		}
	}()
	return d.transport.Send(ctx, address, rendered.Title, rendered.Body)
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeDuplicate
	outcomeEmailed
	outcomeEmailFailed
)

// dispatch は1件のジョブを処理する。
// 通知の作成に失敗した場合と重複の場合は外部送信を行わない。
// 処理中のパニックはこのジョブの失敗として扱い、他のジョブには波及させない。
func (d *Dispatcher) dispatch(ctx context.Context, job model.Job) (out outcome) {
	const op = "notification.dispatch"
	log := d.log.With(
		slog.String("op", op),
		slog.String("type", string(job.Type)),
		slog.String("recipient_id", job.Recipient.ParticipantID),
		slog.String("resource_id", job.ResourceID()),
	)
	typ := string(job.Type)

	defer func() {
		if r := recover(); r != nil {
			log.Error("ジョブの処理中にパニックから回復しました",
				sl.Err(fmt.Errorf("%s: panic: %v", op, r)),
				slog.String("stack", string(debug.Stack())),
			)
			d.metrics.Dispatch(typ, metrics.OutcomeFailed)
			out = outcomeFailed
		}
	}()

	data := TemplateData{Recipient: job.Recipient, Resource: job.Resource, Resources: job.Resources, Date: job.Date}
	rendered, err := d.renderer.Render(job.Type, data)
	if err != nil {
		log.Error("テンプレートの描画に失敗しました", sl.Err(err))
		d.metrics.Dispatch(typ, metrics.OutcomeFailed)
		return outcomeFailed
	}

	n, created, err := d.CreateNotification(ctx, model.NewNotification{
		RecipientID: job.Recipient.ParticipantID,
		Type:        job.Type,
		Title:       rendered.Title,
		Message:     rendered.Message,
		ResourceID:  job.ResourceID(),
		DedupeKey:   job.DedupeKey(),
	})
	if err != nil {
		log.Error("通知の作成に失敗しました", sl.Err(err))
		d.metrics.Dispatch(typ, metrics.OutcomeFailed)
		return outcomeFailed
	}
	if !created {
		log.Debug("通知は作成済みのためスキップしました", slog.String("dedupe_key", job.DedupeKey()))
		d.metrics.Dispatch(typ, metrics.OutcomeDuplicate)
		return outcomeDuplicate
	}
	d.metrics.Dispatch(typ, metrics.OutcomeNotified)

	emailed := d.send(ctx, job.Recipient.Email, job.Recipient.ParticipantID, rendered)
	if emailed {
		d.metrics.Dispatch(typ, metrics.OutcomeEmailed)
	} else {
		d.metrics.Dispatch(typ, metrics.OutcomeEmailFailed)
	}
	d.publishSent(ctx, log, n, emailed)

	if emailed {
		return outcomeEmailed
	}
	return outcomeEmailFailed
}

// DispatchBatch はジョブを並列に処理し、結果を集計する。
// 個々のジョブの失敗はログと集計にのみ反映され、他のジョブを止めない。
func (d *Dispatcher) DispatchBatch(ctx context.Context, jobs []model.Job) BatchResult {
	var notified, emailed, emailFailed, duplicates, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			switch d.dispatch(ctx, job) {
			case outcomeEmailed:
				notified.Add(1)
				emailed.Add(1)
			case outcomeEmailFailed:
				notified.Add(1)
				emailFailed.Add(1)
			case outcomeDuplicate:
				duplicates.Add(1)
			case outcomeFailed:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return BatchResult{
		Jobs:        len(jobs),
		Notified:    int(notified.Load()),
		Emailed:     int(emailed.Load()),
		EmailFailed: int(emailFailed.Load()),
		Duplicates:  int(duplicates.Load()),
		Failed:      int(failed.Load()),
	}
}

// NotifyRegistration は登録完了の通知を作成し、確認メッセージを送る。
func (d *Dispatcher) NotifyRegistration(ctx context.Context, recipient model.Registrant, r model.Resource) BatchResult {
	return d.DispatchBatch(ctx, []model.Job{{
		Type:      model.TypeRegistrationConfirmation,
		Recipient: recipient,
		Resource:  &r,
		Date:      d.now(),
	}})
}

func (d *Dispatcher) publishSent(ctx context.Context, log *slog.Logger, n model.Notification, emailed bool) {
	if d.publisher == nil {
		return
	}
	ev, err := event.New(n.ID, event.AggregateTypeNotification, event.TypeNotificationSent, 1, event.NotificationSentData{
		RecipientID: n.RecipientID,
		Type:        string(n.Type),
		Emailed:     emailed,
	})
	if err == nil {
		err = d.publisher.PublishEvent(ctx, ev)
	}
	if err != nil {
		log.Warn("イベントの配信に失敗しました", sl.Err(err))
	}
}

// List は受信者の通知を新しい順に返す。
func (d *Dispatcher) List(ctx context.Context, recipientID string) ([]model.Notification, error) {
	const op = "notification.List"

	list, err := d.store.NotificationsByRecipient(ctx, recipientID, false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return list, nil
}

// ListUnread は受信者の未読通知を新しい順に返す。
func (d *Dispatcher) ListUnread(ctx context.Context, recipientID string) ([]model.Notification, error) {
	const op = "notification.ListUnread"

	list, err := d.store.NotificationsByRecipient(ctx, recipientID, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return list, nil
}

// MarkRead は受信者自身の通知を既読にする。
func (d *Dispatcher) MarkRead(ctx context.Context, recipientID, id string) error {
	const op = "notification.MarkRead"

	n, err := d.store.Notification(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotificationNotFound) {
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if n.RecipientID != recipientID {
		return fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	if err := d.store.MarkNotificationRead(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotificationNotFound) {
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// MarkAllRead は受信者の未読通知をすべて既読にし、更新件数を返す。
func (d *Dispatcher) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	const op = "notification.MarkAllRead"

	n, err := d.store.MarkAllNotificationsRead(ctx, recipientID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}
