// Package mongo はMongoDBを使ったストレージ実装を提供する。
//
// 登録者集合はリソースのドキュメントに埋め込み、定員チェックと追加は
// 単一ドキュメントへの FindOneAndUpdate で原子的に行う。
package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	resourcesCollection     = "resources"
	notificationsCollection = "notifications"
	preferencesCollection   = "reminder_preferences"

	connectTimeout = 10 * time.Second
)

// Storage はMongoDBによるストレージ。
type Storage struct {
	client        *mongo.Client
	resources     *mongo.Collection
	notifications *mongo.Collection
	preferences   *mongo.Collection
}

// New はMongoDBに接続し、必要なインデックスを作成する。
func New(ctx context.Context, uri, database string, log *slog.Logger) (*Storage, error) {
	const op = "storage.mongo.New"

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client:        client,
		resources:     db.Collection(resourcesCollection),
		notifications: db.Collection(notificationsCollection),
		preferences:   db.Collection(preferencesCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("MongoDBに接続しました", slog.String("database", database))
	return s, nil
}

func (s *Storage) ensureIndexes(ctx context.Context) error {
	if _, err := s.resources.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "scheduled_at", Value: 1}},
			Options: options.Index().SetName("resources_scheduled_at"),
		},
		{
			Keys:    bson.D{{Key: "registrants.participant_id", Value: 1}},
			Options: options.Index().SetName("resources_registrants"),
		},
	}); err != nil {
		return fmt.Errorf("resources indexes: %w", err)
	}

	if _, err := s.notifications.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "dedupe_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true).SetName("notifications_dedupe_key_unique"),
		},
		{
			Keys:    bson.D{{Key: "recipient_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("notifications_recipient_created"),
		},
	}); err != nil {
		return fmt.Errorf("notifications indexes: %w", err)
	}

	if _, err := s.preferences.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "participant_id", Value: 1}, {Key: "resource_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("preferences_pair_unique"),
	}); err != nil {
		return fmt.Errorf("preferences indexes: %w", err)
	}
	return nil
}

// Close は接続を切断する。
func (s *Storage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping は接続を確認する。
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}
