package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/prateekverma145/NGO-management-sub000/internal/model"
	"github.com/prateekverma145/NGO-management-sub000/internal/storage"
)

type notificationDoc struct {
	ID          string                 `bson:"_id"`
	RecipientID string                 `bson:"recipient_id"`
	Type        model.NotificationType `bson:"type"`
	Title       string                 `bson:"title"`
	Message     string                 `bson:"message"`
	ResourceID  string                 `bson:"resource_id,omitempty"`
	// 空のキーはフィールドごと省略し、スパースなユニークインデックスの対象外にする。
	DedupeKey string    `bson:"dedupe_key,omitempty"`
	IsRead    bool      `bson:"is_read"`
	CreatedAt time.Time `bson:"created_at"`
}

func (d notificationDoc) toModel() model.Notification {
	return model.Notification{
		ID:          d.ID,
		RecipientID: d.RecipientID,
		Type:        d.Type,
		Title:       d.Title,
		Message:     d.Message,
		ResourceID:  d.ResourceID,
		DedupeKey:   d.DedupeKey,
		IsRead:      d.IsRead,
		CreatedAt:   d.CreatedAt.UTC(),
	}
}

// SaveNotification は通知を保存する。重複排除キーが衝突した場合は false を返す。
func (s *Storage) SaveNotification(ctx context.Context, n model.Notification) (bool, error) {
	const op = "storage.mongo.SaveNotification"

	_, err := s.notifications.InsertOne(ctx, notificationDoc{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		Type:        n.Type,
		Title:       n.Title,
		Message:     n.Message,
		ResourceID:  n.ResourceID,
		DedupeKey:   n.DedupeKey,
		IsRead:      false,
		CreatedAt:   n.CreatedAt.UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

// Notification はIDで通知を取得する。
func (s *Storage) Notification(ctx context.Context, id string) (model.Notification, error) {
	const op = "storage.mongo.Notification"

	var doc notificationDoc
	if err := s.notifications.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Notification{}, fmt.Errorf("%s: %w", op, storage.ErrNotificationNotFound)
		}
		return model.Notification{}, fmt.Errorf("%s: %w", op, err)
	}
	return doc.toModel(), nil
}

// NotificationsByRecipient は受信者の通知を新しい順に返す。
func (s *Storage) NotificationsByRecipient(ctx context.Context, recipientID string, unreadOnly bool) ([]model.Notification, error) {
	const op = "storage.mongo.NotificationsByRecipient"

	filter := bson.M{"recipient_id": recipientID}
	if unreadOnly {
		filter["is_read"] = false
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	cur, err := s.notifications.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer cur.Close(ctx)

	var docs []notificationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	notifications := make([]model.Notification, 0, len(docs))
	for _, d := range docs {
		notifications = append(notifications, d.toModel())
	}
	return notifications, nil
}

// MarkNotificationRead は通知を既読にする。
func (s *Storage) MarkNotificationRead(ctx context.Context, id string) error {
	const op = "storage.mongo.MarkNotificationRead"

	res, err := s.notifications.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"is_read": true}})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotificationNotFound)
	}
	return nil
}

// MarkAllNotificationsRead は受信者の未読通知をすべて既読にする。
func (s *Storage) MarkAllNotificationsRead(ctx context.Context, recipientID string) (int64, error) {
	const op = "storage.mongo.MarkAllNotificationsRead"

	res, err := s.notifications.UpdateMany(ctx,
		bson.M{"recipient_id": recipientID, "is_read": false},
		bson.M{"$set": bson.M{"is_read": true}})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return res.ModifiedCount, nil
}
