package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New は新しいイベントを生成する。
// dataにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(aggregateID string, aggregateType AggregateType, eventType Type, version int64, data any) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          jsonData,
		Version:       version,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Marshal はイベントをブローカーへ送るバイト列にする。
// キーは対象エンティティのIDで、同じエンティティのイベントは同じパーティションに入る。
func (e *Event) Marshal() (key, value []byte, err error) {
	value, err = json.Marshal(e)
	if err != nil {
		return nil, nil, fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}
	return []byte(e.AggregateID), value, nil
}

// Unmarshal はブローカーから受け取ったバイト列をイベントに戻す。
func Unmarshal(value []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(value, &e); err != nil {
		return nil, fmt.Errorf("イベントのデシリアライズに失敗: %w", err)
	}
	return &e, nil
}
