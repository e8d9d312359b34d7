package key

import (
	"context"
	"time"

	"contact_chat/internal/model"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDirectory stores one document per (user, version) in "keys".
type MongoDirectory struct {
	collection *mongo.Collection
	users      Users
}

var (
	_ Directory = (*MongoDirectory)(nil)
	_ Publisher = (*MongoDirectory)(nil)
)

func NewMongoDirectory(db *mongo.Database, users Users) *MongoDirectory {
	return &MongoDirectory{
		collection: db.Collection("keys"),
		users:      users,
	}
}

func (d *MongoDirectory) EnsureIndexes(ctx context.Context) error {
	_, err := d.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "version", Value: -1}},
		Options: options.Index().SetUnique(true),
	})
	return errors.Wrap(err, "create keys index")
}

func (d *MongoDirectory) latest(ctx context.Context, userID model.UserRef) (*model.KeyRecord, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})

	var rec model.KeyRecord
	err := d.collection.FindOne(ctx, bson.M{"user_id": userID}, opts).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find key")
	}
	return &rec, nil
}

func (d *MongoDirectory) PublicKeyOf(ctx context.Context, userID model.UserRef) (*model.KeyRecord, error) {
	if err := checkUser(ctx, d.users, userID); err != nil {
		return nil, err
	}
	rec, err := d.latest(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNoKey
	}
	return rec, nil
}

// Publish inserts version latest+1. Two concurrent publishes for one user
// collide on the unique index and the loser retries.
func (d *MongoDirectory) Publish(ctx context.Context, userID model.UserRef, publicKey []byte) (*model.KeyRecord, error) {
	if err := checkPublicKey(publicKey); err != nil {
		return nil, err
	}
	if err := checkUser(ctx, d.users, userID); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		prev, err := d.latest(ctx, userID)
		if err != nil {
			return nil, err
		}
		rec := &model.KeyRecord{
			UserID:    userID,
			PublicKey: publicKey,
			Version:   1,
			CreatedAt: time.Now().UTC(),
		}
		if prev != nil {
			rec.Version = prev.Version + 1
		}

		_, err = d.collection.InsertOne(ctx, rec)
		if mongo.IsDuplicateKeyError(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "insert key")
		}
		return rec, nil
	}
	return nil, errors.New("key: publish kept conflicting with a concurrent rotation")
}
