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

// resourceDoc はresourcesコレクションのドキュメント。
// capacity はnullを明示的に保存し、無制限を表す。
type resourceDoc struct {
	ID              string             `bson:"_id"`
	OwnerID         string             `bson:"owner_id"`
	Kind            model.Kind         `bson:"kind"`
	Title           string             `bson:"title"`
	Location        string             `bson:"location"`
	ScheduledAt     time.Time          `bson:"scheduled_at"`
	Capacity        *int               `bson:"capacity"`
	RegistrantCount int                `bson:"registrant_count"`
	Registrants     []model.Registrant `bson:"registrants"`
	Status          model.Status       `bson:"status"`
	Version         int64              `bson:"version"`
	CreatedAt       time.Time          `bson:"created_at"`
}

func (d resourceDoc) toModel() model.Resource {
	return model.Resource{
		ID:              d.ID,
		OwnerID:         d.OwnerID,
		Kind:            d.Kind,
		Title:           d.Title,
		Location:        d.Location,
		ScheduledAt:     d.ScheduledAt.UTC(),
		Capacity:        d.Capacity,
		RegistrantCount: d.RegistrantCount,
		Registrants:     d.Registrants,
		Status:          d.Status,
		Version:         d.Version,
		CreatedAt:       d.CreatedAt.UTC(),
	}
}

// SaveResource は新しいリソースを保存する。
func (s *Storage) SaveResource(ctx context.Context, r model.Resource) error {
	const op = "storage.mongo.SaveResource"

	doc := resourceDoc{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Kind:        r.Kind,
		Title:       r.Title,
		Location:    r.Location,
		ScheduledAt: r.ScheduledAt.UTC(),
		Capacity:    r.Capacity,
		Registrants: []model.Registrant{},
		Status:      model.StatusOpen,
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if _, err := s.resources.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Resource はIDでリソースを取得する。
func (s *Storage) Resource(ctx context.Context, id string) (model.Resource, error) {
	const op = "storage.mongo.Resource"

	var doc resourceDoc
	if err := s.resources.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Resource{}, fmt.Errorf("%s: %w", op, storage.ErrResourceNotFound)
		}
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}
	return doc.toModel(), nil
}

// AddRegistrant は定員を超えない場合に限り参加者を登録者集合に追加する。
//
// 「未登録かつ定員未満」をフィルタに含めた単一ドキュメントの更新で、
// 追加・登録数・バージョン・statusの再計算を1回で行う。
// 一致しなかった場合は読み直して原因を分類する。
func (s *Storage) AddRegistrant(ctx context.Context, resourceID string, reg model.Registrant) (model.Resource, error) {
	const op = "storage.mongo.AddRegistrant"

	filter := bson.M{
		"_id":                        resourceID,
		"registrants.participant_id": bson.M{"$ne": reg.ParticipantID},
		"$or": bson.A{
			bson.M{"capacity": nil},
			bson.M{"$expr": bson.M{"$lt": bson.A{"$registrant_count", "$capacity"}}},
		},
	}
	// 登録者は$literalで包み、値が"$"で始まってもフィールド参照と解釈させない。
	appended := bson.M{"$concatArrays": bson.A{
		bson.M{"$ifNull": bson.A{"$registrants", bson.A{}}},
		bson.M{"$literal": bson.A{reg}},
	}}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"registrants":      appended,
			"registrant_count": bson.M{"$add": bson.A{"$registrant_count", 1}},
			"version":          bson.M{"$add": bson.A{"$version", 1}},
		}}},
		{{Key: "$set", Value: bson.M{
			"status": bson.M{"$cond": bson.A{
				bson.M{"$and": bson.A{
					bson.M{"$isNumber": "$capacity"},
					bson.M{"$gte": bson.A{"$registrant_count", "$capacity"}},
				}},
				string(model.StatusClosed),
				string(model.StatusOpen),
			}},
		}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc resourceDoc
	err := s.resources.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.toModel(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}

	current, err := s.Resource(ctx, resourceID)
	if err != nil {
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}
	if current.HasRegistrant(reg.ParticipantID) {
		return model.Resource{}, fmt.Errorf("%s: %w", op, storage.ErrAlreadyRegistered)
	}
	return model.Resource{}, fmt.Errorf("%s: %w", op, storage.ErrResourceFull)
}

// RemoveRegistrant は参加者を登録者集合から取り除き、statusをopenに戻す。
func (s *Storage) RemoveRegistrant(ctx context.Context, resourceID, participantID string) (model.Resource, error) {
	const op = "storage.mongo.RemoveRegistrant"

	filter := bson.M{
		"_id":                        resourceID,
		"registrants.participant_id": participantID,
	}
	update := bson.M{
		"$pull": bson.M{"registrants": bson.M{"participant_id": participantID}},
		"$inc":  bson.M{"registrant_count": -1, "version": 1},
		"$set":  bson.M{"status": model.StatusOpen},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc resourceDoc
	err := s.resources.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.toModel(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}

	if _, err := s.Resource(ctx, resourceID); err != nil {
		return model.Resource{}, fmt.Errorf("%s: %w", op, err)
	}
	return model.Resource{}, fmt.Errorf("%s: %w", op, storage.ErrNotRegistered)
}

// ResourcesScheduledBetween は開催日時が [from, to) に含まれるリソースを返す。
func (s *Storage) ResourcesScheduledBetween(ctx context.Context, from, to time.Time) ([]model.Resource, error) {
	const op = "storage.mongo.ResourcesScheduledBetween"

	filter := bson.M{"scheduled_at": bson.M{"$gte": from.UTC(), "$lt": to.UTC()}}
	opts := options.Find().SetSort(bson.D{{Key: "scheduled_at", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := s.resources.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer cur.Close(ctx)

	var resources []model.Resource
	for cur.Next(ctx) {
		var doc resourceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		resources = append(resources, doc.toModel())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resources, nil
}
