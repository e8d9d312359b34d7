package relationship

import (
	"context"

	"contact_chat/internal/model"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoBackend stores one document per directed edge in the
// "relationships" collection. Every Update is a multi-document transaction,
// so Mongo must run as a replica set.
type MongoBackend struct {
	client     *mongo.Client
	collection *mongo.Collection
}

var _ Backend = (*MongoBackend)(nil)

func NewMongoBackend(db *mongo.Database) *MongoBackend {
	return &MongoBackend{
		client:     db.Client(),
		collection: db.Collection("relationships"),
	}
}

// EnsureIndexes creates the unique (owner, other) index.
func (b *MongoBackend) EnsureIndexes(ctx context.Context) error {
	_, err := b.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "owner", Value: 1}, {Key: "other", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("owner_other"),
	})
	return errors.Wrap(err, "create relationships index")
}

func (b *MongoBackend) Update(ctx context.Context, x, y model.UserRef, fn func(Txn) error) error {
	sess, err := b.client.StartSession()
	if err != nil {
		return errors.Wrap(err, "start session")
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		txn := &mongoTxn{
			ctx:        sc,
			collection: b.collection,
			a:          x,
			b:          y,
			staged:     make(map[edgeKey]*model.Relationship),
		}
		if err := fn(txn); err != nil {
			return nil, err
		}
		return nil, txn.commit()
	})
	return err
}

func (b *MongoBackend) List(ctx context.Context, owner model.UserRef) ([]*model.Relationship, error) {
	opts := options.Find().SetSort(bson.D{{Key: "other", Value: 1}})
	cur, err := b.collection.Find(ctx, bson.M{"owner": owner}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find relationships")
	}
	defer cur.Close(ctx)

	var out []*model.Relationship
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode relationships")
	}
	return out, nil
}

type mongoTxn struct {
	ctx        mongo.SessionContext
	collection *mongo.Collection
	a, b       model.UserRef
	staged     map[edgeKey]*model.Relationship
}

func edgeFilter(owner, other model.UserRef) bson.M {
	return bson.M{"owner": owner, "other": other}
}

func (t *mongoTxn) Get(owner, other model.UserRef) (*model.Relationship, error) {
	if !inPair(t.a, t.b, owner, other) {
		return nil, ErrOutsidePair
	}
	if rel, ok := t.staged[edgeKey{owner, other}]; ok {
		if rel == nil {
			return nil, nil
		}
		cp := *rel
		return &cp, nil
	}

	var rel model.Relationship
	err := t.collection.FindOne(t.ctx, edgeFilter(owner, other)).Decode(&rel)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find relationship")
	}
	return &rel, nil
}

func (t *mongoTxn) Put(rel *model.Relationship) error {
	if !inPair(t.a, t.b, rel.Owner, rel.Other) {
		return ErrOutsidePair
	}
	cp := *rel
	t.staged[edgeKey{rel.Owner, rel.Other}] = &cp
	return nil
}

func (t *mongoTxn) Delete(owner, other model.UserRef) error {
	if !inPair(t.a, t.b, owner, other) {
		return ErrOutsidePair
	}
	t.staged[edgeKey{owner, other}] = nil
	return nil
}

func (t *mongoTxn) commit() error {
	for key, rel := range t.staged {
		filter := edgeFilter(key.owner, key.other)
		if rel == nil {
			if _, err := t.collection.DeleteOne(t.ctx, filter); err != nil {
				return errors.Wrap(err, "delete relationship")
			}
			continue
		}
		_, err := t.collection.ReplaceOne(t.ctx, filter, rel, options.Replace().SetUpsert(true))
		if err != nil {
			return errors.Wrap(err, "replace relationship")
		}
	}
	return nil
}
