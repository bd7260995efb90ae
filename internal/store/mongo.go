package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/talkline/talkline/internal/models"
)

const mongoDatabase = "talkline"

// searchLimit caps directory search results.
const searchLimit = 50

// MongoStore implements Store on MongoDB. User documents are keyed by
// identity so connection and pending-request membership can be mutated with
// atomic $addToSet / $pull field operations.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects to MongoDB and prepares collection indexes.
func NewMongoStore(ctx context.Context, url string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	s := &MongoStore{client: client, db: client.Database(mongoDatabase)}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.messages().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sender", Value: 1}, {Key: "receiver", Value: 1}, {Key: "ts", Value: 1}}},
		{Keys: bson.D{{Key: "receiver", Value: 1}, {Key: "sender", Value: 1}, {Key: "ts", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) users() *mongo.Collection    { return s.db.Collection("users") }
func (s *MongoStore) messages() *mongo.Collection { return s.db.Collection("messages") }

// Close disconnects the client.
func (s *MongoStore) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.client.Disconnect(ctx)
}

// Ping checks the MongoDB connection.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// EnsureUser upserts a user record by identity, filling placeholder profile
// fields only on first creation.
func (s *MongoStore) EnsureUser(ctx context.Context, identity, name string) (*models.User, error) {
	now := time.Now().UTC()
	var user models.User
	err := s.users().FindOneAndUpdate(ctx,
		bson.M{"_id": identity},
		bson.M{
			"$setOnInsert": bson.M{
				"name":             name,
				"connections":      []string{},
				"pending_requests": []string{},
				"created_at":       now,
			},
			"$set": bson.M{"updated_at": now},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&user)
	if err != nil {
		return nil, fmt.Errorf("upsert user %q: %w", identity, err)
	}
	return &user, nil
}

// GetUser returns the user record for identity, or (nil, nil) if absent.
func (s *MongoStore) GetUser(ctx context.Context, identity string) (*models.User, error) {
	var user models.User
	err := s.users().FindOne(ctx, bson.M{"_id": identity}).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user %q: %w", identity, err)
	}
	return &user, nil
}

// AddPendingRequest adds from to to's pending-request set. Set semantics make
// duplicate requests no-ops. Returns false when the recipient is unknown.
func (s *MongoStore) AddPendingRequest(ctx context.Context, to, from string) (bool, error) {
	res, err := s.users().UpdateOne(ctx,
		bson.M{"_id": to},
		bson.M{
			"$addToSet": bson.M{"pending_requests": from},
			"$set":      bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return false, fmt.Errorf("add pending request: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// AcceptConnection makes the edge between from and to mutual and clears the
// pending request, as one all-or-nothing operation where the deployment
// supports multi-document transactions. Standalone topologies fall back to
// sequential field updates; each individual set mutation is still atomic.
func (s *MongoStore) AcceptConnection(ctx context.Context, from, to string) error {
	now := time.Now().UTC()
	apply := func(ctx context.Context) error {
		_, err := s.users().UpdateOne(ctx,
			bson.M{"_id": from},
			bson.M{"$addToSet": bson.M{"connections": to}, "$set": bson.M{"updated_at": now}},
		)
		if err != nil {
			return fmt.Errorf("accept connection (%s side): %w", from, err)
		}
		_, err = s.users().UpdateOne(ctx,
			bson.M{"_id": to},
			bson.M{
				"$addToSet": bson.M{"connections": from},
				"$pull":     bson.M{"pending_requests": from},
				"$set":      bson.M{"updated_at": now},
			},
		)
		if err != nil {
			return fmt.Errorf("accept connection (%s side): %w", to, err)
		}
		return nil
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return apply(ctx)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, apply(ctx)
	})
	if err != nil && transactionUnsupported(err) {
		// Standalone servers hand out sessions but reject the transaction
		// itself with IllegalOperation; retry the field updates outside one.
		return apply(ctx)
	}
	return err
}

// transactionUnsupported reports whether the server rejected multi-document
// transactions outright (IllegalOperation, code 20: "Transaction numbers are
// only allowed on a replica set member or mongos").
func transactionUnsupported(err error) bool {
	var cmdErr mongo.CommandError
	return errors.As(err, &cmdErr) && cmdErr.HasErrorCode(20)
}

// RemovePendingRequest clears from from to's pending-request set without
// creating an edge. Returns false if there was nothing to clear.
func (s *MongoStore) RemovePendingRequest(ctx context.Context, to, from string) (bool, error) {
	res, err := s.users().UpdateOne(ctx,
		bson.M{"_id": to},
		bson.M{
			"$pull": bson.M{"pending_requests": from},
			"$set":  bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return false, fmt.Errorf("remove pending request: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

// SearchUsers matches identities by case-insensitive substring, excluding the
// caller's own record.
func (s *MongoStore) SearchUsers(ctx context.Context, query, exclude string) ([]models.User, error) {
	filter := bson.M{"_id": bson.M{
		"$regex":   regexp.QuoteMeta(query),
		"$options": "i",
		"$ne":      exclude,
	}}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(searchLimit)

	cur, err := s.users().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	var users []models.User
	if err := cur.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}
	return users, nil
}

// CountUsers returns the number of directory records.
func (s *MongoStore) CountUsers(ctx context.Context) (int64, error) {
	return s.users().CountDocuments(ctx, bson.M{})
}

// InsertMessage appends a message to the log, assigning the ULID, timestamp
// and initial status if unset.
func (s *MongoStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = models.StatusSent
	}
	if _, err := s.messages().InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ConversationMessages returns all messages between a and b, in either
// direction, ordered by timestamp ascending with the ULID as tiebreaker.
// Reply bodies are denormalized alongside.
func (s *MongoStore) ConversationMessages(ctx context.Context, a, b string) ([]models.Message, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"sender": a, "receiver": b},
		bson.M{"sender": b, "receiver": a},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := s.messages().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	var msgs []models.Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if err := s.fillReplyBodies(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// fillReplyBodies resolves reply_to references into denormalized bodies.
// Dangling references (reply target deleted) are left empty.
func (s *MongoStore) fillReplyBodies(ctx context.Context, msgs []models.Message) error {
	var ids []string
	for _, m := range msgs {
		if m.ReplyTo != "" {
			ids = append(ids, m.ReplyTo)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	cur, err := s.messages().Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return fmt.Errorf("find reply targets: %w", err)
	}
	var targets []models.Message
	if err := cur.All(ctx, &targets); err != nil {
		return fmt.Errorf("decode reply targets: %w", err)
	}

	bodies := make(map[string]string, len(targets))
	for _, t := range targets {
		bodies[t.ID] = t.Body
	}
	for i := range msgs {
		if msgs[i].ReplyTo != "" {
			msgs[i].ReplyBody = bodies[msgs[i].ReplyTo]
		}
	}
	return nil
}

// GetMessage returns a message by ID, or (nil, nil) if absent.
func (s *MongoStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	err := s.messages().FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find message %q: %w", id, err)
	}
	return &msg, nil
}

// MarkMessageRead flips status to read, but only when reader is the receiver
// and the message is still unread.
func (s *MongoStore) MarkMessageRead(ctx context.Context, id, reader string) (bool, error) {
	res, err := s.messages().UpdateOne(ctx,
		bson.M{"_id": id, "receiver": reader, "status": models.StatusSent},
		bson.M{"$set": bson.M{"status": models.StatusRead}},
	)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

// EditMessage replaces the body and marks the message edited, but only when
// sender authored the message.
func (s *MongoStore) EditMessage(ctx context.Context, id, sender, newBody string) (bool, error) {
	res, err := s.messages().UpdateOne(ctx,
		bson.M{"_id": id, "sender": sender},
		bson.M{"$set": bson.M{"body": newBody, "edited": true}},
	)
	if err != nil {
		return false, fmt.Errorf("edit message: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// DeleteMessage hard-deletes a message, but only when requester is its sender
// or receiver.
func (s *MongoStore) DeleteMessage(ctx context.Context, id, requester string) (bool, error) {
	res, err := s.messages().DeleteOne(ctx, bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"sender": requester},
			bson.M{"receiver": requester},
		},
	})
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	return res.DeletedCount > 0, nil
}

// CountMessages returns the number of stored messages.
func (s *MongoStore) CountMessages(ctx context.Context) (int64, error) {
	return s.messages().CountDocuments(ctx, bson.M{})
}
