// Package model はボランティア募集・イベント登録と通知パイプラインで共有するドメイン型を定義する。
package model

import (
	"fmt"
	"time"
)

// Kind は登録対象リソースの種類を表す。
type Kind string

const (
	// KindOpportunity は定員付きのボランティア募集を表す。
	KindOpportunity Kind = "opportunity"
	// KindEvent は定員なしのコミュニティイベントを表す。
	KindEvent Kind = "event"
)

// Status は定員付きリソースの受付状態を表す。
type Status string

const (
	// StatusOpen は受付中を表す。
	StatusOpen Status = "open"
	// StatusClosed は定員に達して締め切られた状態を表す。
	StatusClosed Status = "closed"
)

// Registrant はリソースに登録済みの参加者。
type Registrant struct {
	// ParticipantID は参加者のユーザーID。
	ParticipantID string `json:"participant_id" bson:"participant_id"`
	// Email は登録時点の連絡先メールアドレス。リマインダー送信に使用する。
	Email string `json:"email" bson:"email"`
	// RegisteredAt は登録日時。
	RegisteredAt time.Time `json:"registered_at" bson:"registered_at"`
}

// Resource は参加者が登録するボランティア募集またはイベント。
type Resource struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title"`
	Location    string    `json:"location,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	// Capacity は定員。nilは無制限を表す。
	Capacity        *int         `json:"capacity"`
	RegistrantCount int          `json:"registrant_count"`
	Registrants     []Registrant `json:"registrants,omitempty"`
	Status          Status       `json:"status"`
	// Version は登録者集合が変わるたびに増加する。
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Bounded は定員が有限かどうかを返す。
func (r *Resource) Bounded() bool {
	return r.Capacity != nil
}

// AvailableSlots は残り枠数を返す。定員無制限の場合はnil。
func (r *Resource) AvailableSlots() *int {
	if r.Capacity == nil {
		return nil
	}
	n := max(*r.Capacity-r.RegistrantCount, 0)
	return &n
}

// HasRegistrant は指定された参加者が登録済みかどうかを返す。
func (r *Resource) HasRegistrant(participantID string) bool {
	for _, reg := range r.Registrants {
		if reg.ParticipantID == participantID {
			return true
		}
	}
	return false
}

// NewResource はリソース作成時の入力。
type NewResource struct {
	Kind        Kind
	Title       string
	Location    string
	ScheduledAt time.Time
	Capacity    *int
}

// NotificationType は通知の種類を表す。
type NotificationType string

const (
	// TypeRegistrationConfirmation は登録完了の確認通知。
	TypeRegistrationConfirmation NotificationType = "registration_confirmation"
	// TypeDayBeforeReminder は前日リマインダー。
	TypeDayBeforeReminder NotificationType = "day_before_reminder"
	// TypeSameDayReminder は当日リマインダー。
	TypeSameDayReminder NotificationType = "same_day_reminder"
	// TypeWeeklyDigest は週次ダイジェスト。
	TypeWeeklyDigest NotificationType = "weekly_digest"
)

// Valid は定義済みの通知種別かどうかを返す。
func (t NotificationType) Valid() bool {
	switch t {
	case TypeRegistrationConfirmation, TypeDayBeforeReminder, TypeSameDayReminder, TypeWeeklyDigest:
		return true
	}
	return false
}

// Notification はアプリ内通知のレコード。作成後に変更されるのはIsReadのみ。
type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipient_id"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	ResourceID  string           `json:"resource_id,omitempty"`
	DedupeKey   string           `json:"-"`
	IsRead      bool             `json:"is_read"`
	CreatedAt   time.Time        `json:"created_at"`
}

// NewNotification は通知作成時の入力。
type NewNotification struct {
	RecipientID string
	Type        NotificationType
	Title       string
	Message     string
	ResourceID  string
	// DedupeKey が空でない場合、同じキーの通知は一度しか作成されない。
	DedupeKey string
}

// Preference は参加者があるリソースのリマインダーを希望していることを表す。
type Preference struct {
	ParticipantID string    `json:"participant_id"`
	ResourceID    string    `json:"resource_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// dateLayout は重複排除キーに含める暦日の書式。
const dateLayout = "2006-01-02"

// digestScope は週次ダイジェストの重複排除キーでリソースIDの代わりに使う値。
const digestScope = "digest"

// Job はスキャナーが生成し、ディスパッチャーが処理する1件の通知ジョブ。
type Job struct {
	Type      NotificationType
	Recipient Registrant
	// Resource は単一リソース向けリマインダーの対象。
	Resource *Resource
	// Resources は週次ダイジェストに含めるリソース一覧。
	Resources []Resource
	// Date はジョブを生成したスキャンの暦日。
	Date time.Time
}

// DedupeKey は (リソースIDまたはdigest, 受信者, 種別, 暦日) からなる重複排除キーを返す。
// 登録確認はリソースのバージョンも含め、取消後の再登録では改めて通知する。
func (j Job) DedupeKey() string {
	scope := digestScope
	if j.Resource != nil {
		scope = j.Resource.ID
		if j.Type == TypeRegistrationConfirmation {
			scope = fmt.Sprintf("%s@v%d", j.Resource.ID, j.Resource.Version)
		}
	}
	return fmt.Sprintf("%s:%s:%s:%s", scope, j.Recipient.ParticipantID, j.Type, j.Date.Format(dateLayout))
}

// ResourceID はジョブが単一リソースを対象とする場合にそのIDを返す。
func (j Job) ResourceID() string {
	if j.Resource == nil {
		return ""
	}
	return j.Resource.ID
}
