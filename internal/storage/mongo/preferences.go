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
)

type preferenceDoc struct {
	ParticipantID string    `bson:"participant_id"`
	ResourceID    string    `bson:"resource_id"`
	CreatedAt     time.Time `bson:"created_at"`
}

// SavePreference はリマインダー希望をupsertする。
func (s *Storage) SavePreference(ctx context.Context, p model.Preference) error {
	const op = "storage.mongo.SavePreference"

	filter := bson.M{"participant_id": p.ParticipantID, "resource_id": p.ResourceID}
	update := bson.M{"$setOnInsert": bson.M{"created_at": p.CreatedAt.UTC()}}
	_, err := s.preferences.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	// 同時upsertの片方はユニークインデックス違反になるが、結果は同じ。
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeletePreference はリマインダー希望を削除する。
func (s *Storage) DeletePreference(ctx context.Context, participantID, resourceID string) error {
	const op = "storage.mongo.DeletePreference"

	if _, err := s.preferences.DeleteOne(ctx,
		bson.M{"participant_id": participantID, "resource_id": resourceID}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Preferences は参加者のリマインダー希望一覧を返す。
func (s *Storage) Preferences(ctx context.Context, participantID string) ([]model.Preference, error) {
	const op = "storage.mongo.Preferences"

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "resource_id", Value: 1}})
	cur, err := s.preferences.Find(ctx, bson.M{"participant_id": participantID}, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer cur.Close(ctx)

	var docs []preferenceDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	prefs := make([]model.Preference, 0, len(docs))
	for _, d := range docs {
		prefs = append(prefs, model.Preference{
			ParticipantID: d.ParticipantID,
			ResourceID:    d.ResourceID,
			CreatedAt:     d.CreatedAt.UTC(),
		})
	}
	return prefs, nil
}

// HasPreference は参加者がリソースのリマインダーを希望しているかどうかを返す。
func (s *Storage) HasPreference(ctx context.Context, participantID, resourceID string) (bool, error) {
	const op = "storage.mongo.HasPreference"

	err := s.preferences.FindOne(ctx,
		bson.M{"participant_id": participantID, "resource_id": resourceID}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}
