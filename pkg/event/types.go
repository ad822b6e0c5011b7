// Package event はブローカーへ配信するドメインイベントの型を定義する。
package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeResource はボランティア募集・イベントを表す。
	AggregateTypeResource AggregateType = "Resource"
	// AggregateTypeNotification は通知を表す。
	AggregateTypeNotification AggregateType = "Notification"
	// AggregateTypeScan はリマインダースキャンの実行を表す。
	AggregateTypeScan AggregateType = "Scan"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeRegistrationCreated は参加者がリソースに登録したことを表す。
	TypeRegistrationCreated Type = "RegistrationCreated"
	// TypeRegistrationCancelled は参加者が登録を取り消したことを表す。
	TypeRegistrationCancelled Type = "RegistrationCancelled"
	// TypeNotificationSent は通知が作成され、送信が試みられたことを表す。
	TypeNotificationSent Type = "NotificationSent"
	// TypeScanCompleted はリマインダースキャンが完了したことを表す。
	TypeScanCompleted Type = "ScanCompleted"
)

// Event は不変のドメインイベント。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Version は変更後のエンティティのバージョン。
	Version int64 `json:"version"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// RegistrationData は登録・登録取消イベントのデータ。
type RegistrationData struct {
	// ParticipantID は参加者のユーザーID。
	ParticipantID string `json:"participant_id"`
	// RegistrantCount は変更後の登録者数。
	RegistrantCount int `json:"registrant_count"`
	// AvailableSlots は変更後の残り枠。定員無制限の場合はnull。
	AvailableSlots *int `json:"available_slots"`
	// Status は変更後の受付状態。
	Status string `json:"status"`
}

// NotificationSentData はNotificationSentイベントのデータ。
type NotificationSentData struct {
	// RecipientID は通知先のユーザーID。
	RecipientID string `json:"recipient_id"`
	// Type は通知の種類。
	Type string `json:"type"`
	// Emailed は外部メッセージの送信に成功したかどうか。
	Emailed bool `json:"emailed"`
}

// ScanCompletedData はScanCompletedイベントのデータ。
type ScanCompletedData struct {
	// Jobs は生成されたジョブ数。
	Jobs int `json:"jobs"`
	// Notified は新たに作成された通知数。
	Notified int `json:"notified"`
	// EmailFailed は外部メッセージの送信に失敗した数。
	EmailFailed int `json:"email_failed"`
}
