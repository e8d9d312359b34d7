package message

import (
	"context"

	"contact_chat/internal/model"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoLog struct {
	collection *mongo.Collection
}

var _ Log = (*MongoLog)(nil)

func NewMongoLog(db *mongo.Database) *MongoLog {
	return &MongoLog{collection: db.Collection("messages")}
}

func (l *MongoLog) EnsureIndexes(ctx context.Context) error {
	_, err := l.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
	})
	return errors.Wrap(err, "create messages index")
}

func (l *MongoLog) Apply(ctx context.Context, env *model.Envelope) error {
	var (
		res *mongo.UpdateResult
		err error
	)
	switch env.Kind {
	case model.KindMessage:
		res, err = l.collection.UpdateOne(ctx,
			bson.M{"_id": env.ID},
			bson.M{"$setOnInsert": env.ToMessage()},
			options.Update().SetUpsert(true),
		)
		return errors.Wrap(err, "insert message")

	case model.KindRead:
		res, err = l.collection.UpdateOne(ctx,
			bson.M{"_id": env.Target(), "receiver_id": env.SenderID},
			bson.M{"$set": bson.M{"is_read": true}},
		)

	case model.KindEdit:
		// The prior body moves into edit_history in the same document update.
		// Stale or replayed edits match nothing.
		res, err = l.collection.UpdateOne(ctx,
			bson.M{"_id": env.Target(), "sender_id": env.SenderID, "updated_at": bson.M{"$lt": env.CreatedAt}},
			mongo.Pipeline{{{Key: "$set", Value: bson.M{
				"edit_history": bson.M{"$concatArrays": bson.A{
					bson.M{"$ifNull": bson.A{"$edit_history", bson.A{}}},
					bson.A{bson.M{
						"ciphertext":  "$ciphertext",
						"algo":        "$algo",
						"key_version": "$key_version",
						"at":          "$updated_at",
					}},
				}},
				"ciphertext":  env.Ciphertext,
				"algo":        env.Algo,
				"key_version": env.KeyVersion,
				"updated_at":  env.CreatedAt,
			}}}},
		)
		if err == nil && res.MatchedCount == 0 {
			return l.checkExists(ctx, env)
		}
		return errors.Wrap(err, "edit message")

	case model.KindReaction:
		res, err = l.collection.UpdateOne(ctx,
			bson.M{
				"_id":       env.Target(),
				"reactions": bson.M{"$not": bson.M{"$elemMatch": bson.M{"user_id": env.SenderID, "tag": env.Reaction}}},
			},
			bson.M{"$push": bson.M{"reactions": model.Reaction{UserID: env.SenderID, Tag: env.Reaction, At: env.CreatedAt}}},
		)
		if err == nil && res.MatchedCount == 0 {
			return l.checkExists(ctx, env)
		}
		return errors.Wrap(err, "react to message")

	default:
		return ErrInvalidKind
	}

	if err != nil {
		return errors.Wrap(err, "mark message read")
	}
	if res.MatchedCount == 0 {
		return l.checkExists(ctx, env)
	}
	return nil
}

// checkExists separates "already applied" from "no such message".
func (l *MongoLog) checkExists(ctx context.Context, env *model.Envelope) error {
	var m model.Message
	err := l.collection.FindOne(ctx, bson.M{"_id": env.Target()}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "find message")
	}
	switch env.Kind {
	case model.KindRead:
		if m.ReceiverID != env.SenderID {
			return ErrNotPermitted
		}
	case model.KindEdit:
		if m.SenderID != env.SenderID {
			return ErrNotPermitted
		}
	}
	return nil
}

func (l *MongoLog) History(ctx context.Context, room model.RoomID, limit int64) ([]*model.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := l.collection.Find(ctx, bson.M{"room_id": room}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find messages")
	}
	defer cur.Close(ctx)

	var out []*model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode messages")
	}
	model.SortMessages(out)
	return out, nil
}
