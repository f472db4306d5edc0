package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"huddle/internal/logger"
	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

// MongoStore keeps messages in one collection. Ephemeral records carry an
// expiresAt date covered by a TTL index, so the server deletes them; reads
// filter on expiresAt as well because the TTL monitor only runs periodically.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	log        *zap.Logger
	now        func() time.Time
}

type messageDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Username  string             `bson:"username"`
	Text      string             `bson:"text"`
	FileName  string             `bson:"fileName,omitempty"`
	Type      string             `bson:"type"`
	Timestamp time.Time          `bson:"timestamp"`
	ExpiresAt *time.Time         `bson:"expiresAt,omitempty"`
	Edited    bool               `bson:"edited"`
	Reactions map[string]string  `bson:"reactions"`
}

func NewMongoStore(ctx context.Context, uri string, opts Options) (*MongoStore, error) {
	opts = opts.withDefaults()

	connectCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s := &MongoStore{
		client:     client,
		collection: client.Database(opts.Database).Collection(opts.Collection),
		log:        logger.Or(opts.Logger).Named("mongo"),
		now:        opts.Clock,
	}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	s.log.Info("mongo_store_opened",
		zap.String("database", opts.Database),
		zap.String("collection", opts.Collection))
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetName("expiresAt_ttl").SetExpireAfterSeconds(0),
		},
		{
			Keys:    bson.D{{Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("timestamp_desc"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Insert(ctx context.Context, message *types.Message) error {
	if message.Timestamp.IsZero() {
		message.Timestamp = s.now()
	}
	if message.Reactions == nil {
		message.Reactions = types.Reactions{}
	}

	doc := toDoc(message)
	doc.ID = primitive.NewObjectID()
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	message.ID = doc.ID.Hex()
	// Mongo keeps millisecond precision; mirror what a read would return.
	message.Timestamp = doc.Timestamp
	message.ExpiresAt = doc.ExpiresAt
	return nil
}

func (s *MongoStore) History(ctx context.Context, query interfaces.HistoryQuery) ([]*types.Message, error) {
	now := query.Now
	if now.IsZero() {
		now = s.now()
	}

	var filter bson.M
	switch query.Room {
	case types.RoomPermanent:
		filter = bson.M{"expiresAt": bson.M{"$exists": false}}
	case types.RoomEphemeral:
		filter = bson.M{"expiresAt": bson.M{"$gt": now}}
	default:
		return nil, types.ErrInvalidRoom
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(query.Limit))

	cursor, err := s.collection.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}

	messages := make([]*types.Message, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		messages = append(messages, docs[i].toMessage())
	}
	return messages, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*types.Message, error) {
	filter, err := s.liveFilter(id, "")
	if err != nil {
		return nil, err
	}
	var doc messageDoc
	if err := s.collection.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, mapMongoErr(err)
	}
	return doc.toMessage(), nil
}

func (s *MongoStore) UpdateText(ctx context.Context, id, author, text string) (*types.Message, error) {
	filter, err := s.liveFilter(id, author)
	if err != nil {
		return nil, err
	}
	update := bson.M{"$set": bson.M{"text": text, "edited": true}}
	return s.findOneAndUpdate(ctx, filter, update)
}

func (s *MongoStore) DeleteOwned(ctx context.Context, id, author string) (*types.Message, error) {
	filter, err := s.liveFilter(id, author)
	if err != nil {
		return nil, err
	}
	var doc messageDoc
	if err := s.collection.FindOneAndDelete(ctx, filter).Decode(&doc); err != nil {
		return nil, mapMongoErr(err)
	}
	return doc.toMessage(), nil
}

// ToggleReaction flips reactions.<identity> server side in a single
// pipeline update: equal symbol removes the key, anything else sets it.
func (s *MongoStore) ToggleReaction(ctx context.Context, id, identity, symbol string) (*types.Message, error) {
	filter, err := s.liveFilter(id, "")
	if err != nil {
		return nil, err
	}

	field := "reactions." + identity
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			field: bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$" + field, bson.M{"$literal": symbol}}},
				"$$REMOVE",
				bson.M{"$literal": symbol},
			}},
		}}},
	}
	return s.findOneAndUpdate(ctx, filter, pipeline)
}

func (s *MongoStore) findOneAndUpdate(ctx context.Context, filter bson.M, update interface{}) (*types.Message, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc messageDoc
	if err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return nil, mapMongoErr(err)
	}
	return doc.toMessage(), nil
}

// liveFilter matches id when it has not expired, and author when given.
func (s *MongoStore) liveFilter(id, author string) (bson.M, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, interfaces.ErrNotFound
	}
	filter := bson.M{
		"_id": oid,
		"$or": bson.A{
			bson.M{"expiresAt": bson.M{"$exists": false}},
			bson.M{"expiresAt": bson.M{"$gt": s.now()}},
		},
	}
	if author != "" {
		filter["username"] = author
	}
	return filter, nil
}

func (s *MongoStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping failed: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect mongo: %w", err)
	}
	return nil
}

func mapMongoErr(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return interfaces.ErrNotFound
	}
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return interfaces.ErrStoreClosed
	}
	return err
}

func toDoc(m *types.Message) messageDoc {
	doc := messageDoc{
		Username:  m.Username,
		Text:      m.Text,
		FileName:  m.FileName,
		Type:      string(m.Type),
		Timestamp: m.Timestamp.UTC().Truncate(time.Millisecond),
		Edited:    m.Edited,
		Reactions: map[string]string(m.Reactions.Clone()),
	}
	if m.ExpiresAt != nil {
		t := m.ExpiresAt.UTC().Truncate(time.Millisecond)
		doc.ExpiresAt = &t
	}
	return doc
}

func (d messageDoc) toMessage() *types.Message {
	m := &types.Message{
		ID:        d.ID.Hex(),
		Username:  d.Username,
		Text:      d.Text,
		FileName:  d.FileName,
		Type:      types.Kind(d.Type),
		Timestamp: d.Timestamp.UTC(),
		Edited:    d.Edited,
		Reactions: types.Reactions(d.Reactions),
	}
	if d.ExpiresAt != nil {
		t := d.ExpiresAt.UTC()
		m.ExpiresAt = &t
	}
	if m.Reactions == nil {
		m.Reactions = types.Reactions{}
	}
	return m
}
