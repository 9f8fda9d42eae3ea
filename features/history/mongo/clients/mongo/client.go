// Package mongo hosts the MongoDB client used by the history store.
package mongo

//go:generate cmg gen .

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/genkai-ai/gatehouse/history"
)

const (
	defaultMessagesCollection = "session_messages"
	defaultSessionsCollection = "sessions"
	defaultOpTimeout          = 5 * time.Second
	historyClientName         = "history-mongo"
)

// Client exposes Mongo-backed operations for session history.
type Client interface {
	health.Pinger

	// AppendMessage inserts one message and enforces the per-session count
	// bound, returning how many old messages it evicted.
	AppendMessage(ctx context.Context, msg history.Message, maxHistory int) (int, error)
	// Messages returns up to limit of the session's most recent messages in
	// insertion order. A limit <= 0 returns everything.
	Messages(ctx context.Context, sessionID string, limit int) ([]history.Message, error)
	// DeleteSession removes the session and its messages, reporting whether
	// the session existed.
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
	// DeleteExpired removes messages created before cutoff and returns the
	// number of sessions emptied and deleted outright.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
	// Sessions lists the bookkeeping snapshot of every live session.
	Sessions(ctx context.Context) ([]history.SessionInfo, error)
	// ReplaceSession swaps the session named by the dump for the dump's
	// contents, trimming to maxHistory. It returns how many messages the
	// trim dropped.
	ReplaceSession(ctx context.Context, dump *history.SessionDump, maxHistory int) (int, error)
}

// Options configures the Mongo history client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	MessagesCollection string
	SessionsCollection string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	messages collection
	sessions collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	messagesCollection := opts.MessagesCollection
	if messagesCollection == "" {
		messagesCollection = defaultMessagesCollection
	}
	sessionsCollection := opts.SessionsCollection
	if sessionsCollection == "" {
		sessionsCollection = defaultSessionsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	msgColl := opts.Client.Database(opts.Database).Collection(messagesCollection)
	sessColl := opts.Client.Database(opts.Database).Collection(sessionsCollection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	msgWrapper := mongoCollection{coll: msgColl}
	sessWrapper := mongoCollection{coll: sessColl}
	if err := ensureIndexes(ctx, msgWrapper, sessWrapper); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, msgWrapper, sessWrapper, timeout)
}

func (c *client) Name() string {
	return historyClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) AppendMessage(ctx context.Context, msg history.Message, maxHistory int) (int, error) {
	if msg.ID == "" {
		return 0, errors.New("message id is required")
	}
	if msg.SessionID == "" {
		return 0, errors.New("session id is required")
	}
	at := msg.Timestamp.UTC()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// One atomic bookkeeping update per append. total_appended only grows,
	// which makes it a stable per-session sequence source even across
	// evictions.
	filter := bson.M{"session_id": msg.SessionID}
	update := bson.M{
		"$inc": bson.M{"message_count": 1, "total_appended": 1},
		"$set": bson.M{"last_activity_at": at},
		"$setOnInsert": bson.M{
			"session_id": msg.SessionID,
			"created_at": at,
		},
	}
	var sess sessionDocument
	res := c.sessions.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After))
	if err := res.Decode(&sess); err != nil {
		return 0, err
	}

	if _, err := c.messages.InsertOne(ctx, fromMessage(msg, sess.TotalAppended)); err != nil {
		return 0, err
	}

	if maxHistory <= 0 || sess.MessageCount <= maxHistory {
		return 0, nil
	}
	return c.evictOldest(ctx, msg.SessionID, sess.MessageCount-maxHistory)
}

// evictOldest drops the n lowest-sequence messages of the session and fixes
// the bookkeeping count.
func (c *client) evictOldest(ctx context.Context, sessionID string, n int) (int, error) {
	cur, err := c.messages.Find(ctx, bson.M{"session_id": sessionID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}).SetLimit(int64(n)))
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var ids []string
	for cur.Next(ctx) {
		var doc messageDocument
		if err := cur.Decode(&doc); err != nil {
			return 0, err
		}
		ids = append(ids, doc.MessageID)
	}
	if err := cur.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := c.messages.DeleteMany(ctx, bson.M{"message_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, err
	}
	deleted := int(res.DeletedCount)
	if deleted > 0 {
		if _, err := c.sessions.UpdateOne(ctx, bson.M{"session_id": sessionID},
			bson.M{"$inc": bson.M{"message_count": -deleted}}); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (c *client) Messages(ctx context.Context, sessionID string, limit int) ([]history.Message, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		// Newest first plus a limit gives the tail; reversed below to
		// restore insertion order.
		opts = options.Find().SetSort(bson.D{{Key: "seq", Value: -1}}).SetLimit(int64(limit))
	}
	cur, err := c.messages.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []history.Message
	for cur.Next(ctx) {
		var doc messageDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toMessage())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (c *client) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.messages.DeleteMany(ctx, bson.M{"session_id": sessionID}); err != nil {
		return false, err
	}
	res, err := c.sessions.DeleteOne(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func (c *client) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.sessions.Find(ctx, bson.M{}, options.Find())
	if err != nil {
		return 0, err
	}
	var ids []string
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			_ = cur.Close(ctx)
			return 0, err
		}
		ids = append(ids, doc.SessionID)
	}
	if err := cur.Err(); err != nil {
		_ = cur.Close(ctx)
		return 0, err
	}
	_ = cur.Close(ctx)

	deletedSessions := 0
	for _, id := range ids {
		res, err := c.messages.DeleteMany(ctx, bson.M{
			"session_id": id,
			"created_at": bson.M{"$lt": cutoff.UTC()},
		})
		if err != nil {
			return deletedSessions, err
		}
		if res.DeletedCount == 0 {
			continue
		}
		var sess sessionDocument
		sres := c.sessions.FindOneAndUpdate(ctx, bson.M{"session_id": id},
			bson.M{"$inc": bson.M{"message_count": -res.DeletedCount}},
			options.FindOneAndUpdate().SetReturnDocument(options.After))
		if err := sres.Decode(&sess); err != nil {
			return deletedSessions, err
		}
		if sess.MessageCount <= 0 {
			if _, err := c.sessions.DeleteOne(ctx, bson.M{"session_id": id}); err != nil {
				return deletedSessions, err
			}
			deletedSessions++
		}
	}
	return deletedSessions, nil
}

func (c *client) Sessions(ctx context.Context) ([]history.SessionInfo, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.sessions.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "session_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []history.SessionInfo
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toInfo())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) ReplaceSession(ctx context.Context, dump *history.SessionDump, maxHistory int) (int, error) {
	if dump == nil || dump.Info.ID == "" {
		return 0, errors.New("session dump with id is required")
	}
	if _, err := c.DeleteSession(ctx, dump.Info.ID); err != nil {
		return 0, err
	}

	msgs := dump.Messages
	trimmed := 0
	if maxHistory > 0 && len(msgs) > maxHistory {
		trimmed = len(msgs) - maxHistory
		msgs = msgs[trimmed:]
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	createdAt := dump.Info.CreatedAt.UTC()
	lastActivity := dump.Info.LastActivityAt.UTC()
	for i, msg := range msgs {
		msg.SessionID = dump.Info.ID
		if _, err := c.messages.InsertOne(ctx, fromMessage(msg, i+1)); err != nil {
			return trimmed, err
		}
		if createdAt.IsZero() || msg.Timestamp.UTC().Before(createdAt) {
			createdAt = msg.Timestamp.UTC()
		}
		if msg.Timestamp.UTC().After(lastActivity) {
			lastActivity = msg.Timestamp.UTC()
		}
	}
	if len(msgs) == 0 {
		return trimmed, nil
	}

	update := bson.M{
		"$set": bson.M{
			"session_id":       dump.Info.ID,
			"message_count":    len(msgs),
			"total_appended":   len(msgs),
			"created_at":       createdAt,
			"last_activity_at": lastActivity,
		},
	}
	if _, err := c.sessions.UpdateOne(ctx, bson.M{"session_id": dump.Info.ID}, update,
		options.Update().SetUpsert(true)); err != nil {
		return trimmed, err
	}
	return trimmed, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type messageDocument struct {
	MessageID string    `bson:"message_id"`
	SessionID string    `bson:"session_id"`
	Role      string    `bson:"role"`
	Content   string    `bson:"content"`
	CreatedAt time.Time `bson:"created_at"`
	Sources   []string  `bson:"sources,omitempty"`
	Seq       int       `bson:"seq"`
}

type sessionDocument struct {
	SessionID      string    `bson:"session_id"`
	MessageCount   int       `bson:"message_count"`
	TotalAppended  int       `bson:"total_appended"`
	CreatedAt      time.Time `bson:"created_at"`
	LastActivityAt time.Time `bson:"last_activity_at"`
}

func fromMessage(msg history.Message, seq int) messageDocument {
	return messageDocument{
		MessageID: msg.ID,
		SessionID: msg.SessionID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		CreatedAt: msg.Timestamp.UTC(),
		Sources:   append([]string(nil), msg.Sources...),
		Seq:       seq,
	}
}

func (doc messageDocument) toMessage() history.Message {
	return history.Message{
		ID:        doc.MessageID,
		SessionID: doc.SessionID,
		Role:      history.Role(doc.Role),
		Content:   doc.Content,
		Timestamp: doc.CreatedAt,
		Sources:   append([]string(nil), doc.Sources...),
	}
}

func (doc sessionDocument) toInfo() history.SessionInfo {
	return history.SessionInfo{
		ID:             doc.SessionID,
		CreatedAt:      doc.CreatedAt,
		LastActivityAt: doc.LastActivityAt,
		MessageCount:   doc.MessageCount,
	}
}

func ensureIndexes(ctx context.Context, messagesColl, sessionsColl collection) error {
	messageIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := messagesColl.Indexes().CreateOne(ctx, messageIndex); err != nil {
		return err
	}
	messageSeqIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "seq", Value: 1},
		},
	}
	if _, err := messagesColl.Indexes().CreateOne(ctx, messageSeqIndex); err != nil {
		return err
	}
	messageAgeIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "created_at", Value: 1},
		},
	}
	if _, err := messagesColl.Indexes().CreateOne(ctx, messageAgeIndex); err != nil {
		return err
	}
	sessionIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := sessionsColl.Indexes().CreateOne(ctx, sessionIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollections(mongoClient *mongodriver.Client, messagesColl, sessionsColl collection, timeout time.Duration) (*client, error) {
	if messagesColl == nil || sessionsColl == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		messages: messagesColl,
		sessions: sessionsColl,
		timeout:  timeout,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	FindOneAndUpdate(ctx context.Context, filter any, update any,
		opts ...*options.FindOneAndUpdateOptions) singleResult
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter any, update any,
	opts ...*options.FindOneAndUpdateOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOneAndUpdate(ctx, filter, update, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
