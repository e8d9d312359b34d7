package user

import (
	"context"

	"contact_chat/internal/model"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrUsernameTaken   = errors.New("user: username already taken")
	ErrInvalidUsername = errors.New("user: username is empty")
)

type (
	// Repo is the read side of the account store the core depends on.
	// Lookups return nil, nil when no account matches.
	Repo interface {
		GetByName(ctx context.Context, name string) (*model.User, error)
		GetByID(ctx context.Context, id model.UserRef) (*model.User, error)
	}

	// Accounts adds sign-up to Repo.
	Accounts interface {
		Repo
		Register(ctx context.Context, username string) (*model.User, error)
	}

	UserRepo struct {
		collection *mongo.Collection
	}
)

var _ Accounts = (*UserRepo)(nil)

func NewUserRepo(db *mongo.Database) *UserRepo {
	return &UserRepo{
		collection: db.Collection("users"),
	}
}

func (r *UserRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	return errors.Wrap(err, "create users indexes")
}

func (r *UserRepo) GetByName(ctx context.Context, name string) (*model.User, error) {
	return r.findOne(ctx, bson.M{"username": model.NormalizeUsername(name)})
}

func (r *UserRepo) GetByID(ctx context.Context, id model.UserRef) (*model.User, error) {
	return r.findOne(ctx, bson.M{"user_id": id})
}

func (r *UserRepo) findOne(ctx context.Context, filter bson.M) (*model.User, error) {
	var user model.User
	err := r.collection.FindOne(ctx, filter).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find user")
	}
	return &user, nil
}

// Create stores a new account under a fresh UserRef.
func (r *UserRepo) Create(ctx context.Context, user *model.User) (primitive.ObjectID, error) {
	user.Username = model.NormalizeUsername(user.Username)
	if user.UserID == "" {
		user.UserID = model.UserRef(uuid.NewString())
	}

	res, err := r.collection.InsertOne(ctx, user)
	if mongo.IsDuplicateKeyError(err) {
		return primitive.NilObjectID, ErrUsernameTaken
	}
	if err != nil {
		return primitive.NilObjectID, errors.Wrap(err, "insert user")
	}

	id := res.InsertedID.(primitive.ObjectID)
	user.ID = id
	return id, nil
}

func (r *UserRepo) Register(ctx context.Context, username string) (*model.User, error) {
	user := &model.User{Username: username}
	if model.NormalizeUsername(username) == "" {
		return nil, ErrInvalidUsername
	}
	if _, err := r.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}
