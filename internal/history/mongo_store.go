package history

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultMongoDatabase      = "followminer"
	mongoConnectTimeout       = 10 * time.Second
	mongoDisconnectTimeout    = 5 * time.Second
	mongoFieldUsername        = "username"
	mongoFieldFollowedAt      = "followed_at"
	mongoFieldStatus          = "status"
	mongoOperatorGreaterEqual = "$gte"
	errMessageMongoConnect    = "mongodb connect"
	errMessageMongoPing       = "mongodb ping"
	errMessageMongoIndex      = "mongodb index"
	errMessageMongoInsert     = "mongodb insert"
	errMessageMongoCount      = "mongodb count"
	errMessageMongoFind       = "mongodb find"
)

// MongoStore implements Store on a MongoDB collection.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

type mongoFollowDocument struct {
	Username   string    `bson:"username"`
	FollowedAt time.Time `bson:"followed_at"`
	Status     string    `bson:"status"`
}

var _ Store = (*MongoStore)(nil)

// OpenMongoStore connects to uri and uses the follow_history collection of database.
func OpenMongoStore(ctx context.Context, uri string, database string) (*MongoStore, error) {
	if database == "" {
		database = defaultMongoDatabase
	}
	connectContext, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectContext, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageMongoConnect, err)
	}
	if err := client.Ping(connectContext, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%s: %w", errMessageMongoPing, err)
	}

	collection := client.Database(database).Collection(TableName)
	_, err = collection.Indexes().CreateMany(connectContext, []mongo.IndexModel{
		{Keys: bson.D{{Key: mongoFieldUsername, Value: 1}}},
		{Keys: bson.D{{Key: mongoFieldFollowedAt, Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%s: %w", errMessageMongoIndex, err)
	}
	return &MongoStore{client: client, collection: collection}, nil
}

// RecordFollow inserts a followed document.
func (store *MongoStore) RecordFollow(ctx context.Context, username string, followedAt time.Time) error {
	normalized, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	document := bson.D{
		{Key: mongoFieldUsername, Value: normalized},
		{Key: mongoFieldFollowedAt, Value: followedAt.UTC()},
		{Key: mongoFieldStatus, Value: StatusFollowed},
	}
	if _, err := store.collection.InsertOne(ctx, document); err != nil {
		return fmt.Errorf("%s: %w", errMessageMongoInsert, err)
	}
	return nil
}

// CountSince counts documents at or after since.
func (store *MongoStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	filter := bson.D{{Key: mongoFieldFollowedAt, Value: bson.D{{Key: mongoOperatorGreaterEqual, Value: since.UTC()}}}}
	count, err := store.collection.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", errMessageMongoCount, err)
	}
	return count, nil
}

// HasFollowed reports whether any document exists for username.
func (store *MongoStore) HasFollowed(ctx context.Context, username string) (bool, error) {
	normalized, err := normalizeUsername(username)
	if err != nil {
		return false, err
	}
	count, err := store.collection.CountDocuments(ctx, bson.D{{Key: mongoFieldUsername, Value: normalized}}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("%s: %w", errMessageMongoCount, err)
	}
	return count > 0, nil
}

// Entries lists the ledger newest first.
func (store *MongoStore) Entries(ctx context.Context, limit int) ([]Entry, error) {
	findOptions := options.Find().SetSort(bson.D{{Key: mongoFieldFollowedAt, Value: -1}})
	if limit > 0 {
		findOptions.SetLimit(int64(limit))
	}
	cursor, err := store.collection.Find(ctx, bson.D{}, findOptions)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageMongoFind, err)
	}
	var documents []mongoFollowDocument
	if err := cursor.All(ctx, &documents); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageMongoFind, err)
	}
	entries := make([]Entry, 0, len(documents))
	for _, document := range documents {
		entries = append(entries, Entry{Username: document.Username, FollowedAt: document.FollowedAt, Status: document.Status})
	}
	return entries, nil
}

// Close disconnects the client.
func (store *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	defer cancel()
	return store.client.Disconnect(ctx)
}
