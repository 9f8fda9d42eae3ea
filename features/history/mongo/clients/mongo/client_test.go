package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/genkai-ai/gatehouse/history"
)

func TestEnsureIndexes(t *testing.T) {
	messages := newFakeMessages()
	sessions := newFakeSessions()
	require.NoError(t, ensureIndexes(context.Background(), messages, sessions))
	require.Equal(t, 3, messages.indexesCreated)
	require.Equal(t, 1, sessions.indexesCreated)
}

func TestAppendAssignsSequence(t *testing.T) {
	client := mustNewTestClient()
	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		evicted, err := client.AppendMessage(context.Background(), history.Message{
			ID:        fmt.Sprintf("m%d", i),
			SessionID: "s1",
			Role:      history.RoleUser,
			Content:   fmt.Sprintf("question %d", i),
			Timestamp: ts.Add(time.Duration(i) * time.Minute),
		}, 10)
		require.NoError(t, err)
		require.Zero(t, evicted)
	}

	msgs, err := client.Messages(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "m0", msgs[0].ID)
	require.Equal(t, "m2", msgs[2].ID)

	infos, err := client.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, 3, infos[0].MessageCount)
	require.Equal(t, ts, infos[0].CreatedAt)
	require.Equal(t, ts.Add(2*time.Minute), infos[0].LastActivityAt)
}

func TestAppendEvictsOverBound(t *testing.T) {
	client := mustNewTestClient()
	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		evicted, err := client.AppendMessage(context.Background(), history.Message{
			ID:        fmt.Sprintf("m%d", i),
			SessionID: "s1",
			Role:      history.RoleUser,
			Content:   "q",
			Timestamp: ts.Add(time.Duration(i) * time.Minute),
		}, 3)
		require.NoError(t, err)
		if i < 3 {
			require.Zero(t, evicted)
		} else {
			require.Equal(t, 1, evicted)
		}
	}

	msgs, err := client.Messages(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "m2", msgs[0].ID)
	require.Equal(t, "m4", msgs[2].ID)
}

func TestMessagesTail(t *testing.T) {
	client := mustNewTestClient()
	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := client.AppendMessage(context.Background(), history.Message{
			ID:        fmt.Sprintf("m%d", i),
			SessionID: "s1",
			Role:      history.RoleUser,
			Content:   "q",
			Timestamp: ts,
		}, 0)
		require.NoError(t, err)
	}

	msgs, err := client.Messages(context.Background(), "s1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "m3", msgs[0].ID)
	require.Equal(t, "m4", msgs[1].ID)
}

func TestDeleteSession(t *testing.T) {
	client := mustNewTestClient()
	_, err := client.AppendMessage(context.Background(), history.Message{
		ID: "m1", SessionID: "s1", Role: history.RoleUser, Content: "q",
		Timestamp: time.Now(),
	}, 0)
	require.NoError(t, err)

	existed, err := client.DeleteSession(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, existed)

	existed, err = client.DeleteSession(context.Background(), "s1")
	require.NoError(t, err)
	require.False(t, existed)

	msgs, err := client.Messages(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestDeleteExpired(t *testing.T) {
	client := mustNewTestClient()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, ts := range []time.Time{old, old.Add(time.Hour)} {
		_, err := client.AppendMessage(context.Background(), history.Message{
			ID: fmt.Sprintf("stale%d", i), SessionID: "stale", Role: history.RoleUser,
			Content: "q", Timestamp: ts,
		}, 0)
		require.NoError(t, err)
	}
	_, err := client.AppendMessage(context.Background(), history.Message{
		ID: "keep", SessionID: "live", Role: history.RoleUser, Content: "q",
		Timestamp: recent,
	}, 0)
	require.NoError(t, err)

	deleted, err := client.DeleteExpired(context.Background(), time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	infos, err := client.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "live", infos[0].ID)
}

func TestReplaceSessionTrims(t *testing.T) {
	client := mustNewTestClient()
	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	dump := &history.SessionDump{
		Info: history.SessionInfo{ID: "s1", CreatedAt: ts, LastActivityAt: ts.Add(4 * time.Minute)},
	}
	for i := 0; i < 5; i++ {
		dump.Messages = append(dump.Messages, history.Message{
			ID: fmt.Sprintf("m%d", i), SessionID: "s1", Role: history.RoleUser,
			Content: "q", Timestamp: ts.Add(time.Duration(i) * time.Minute),
		})
	}

	trimmed, err := client.ReplaceSession(context.Background(), dump, 3)
	require.NoError(t, err)
	require.Equal(t, 2, trimmed)

	msgs, err := client.Messages(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "m2", msgs[0].ID)

	infos, err := client.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, 3, infos[0].MessageCount)
}

func TestAppendRequiresIdentifiers(t *testing.T) {
	client := mustNewTestClient()
	_, err := client.AppendMessage(context.Background(), history.Message{SessionID: "s1"}, 0)
	require.EqualError(t, err, "message id is required")
	_, err = client.AppendMessage(context.Background(), history.Message{ID: "m1"}, 0)
	require.EqualError(t, err, "session id is required")
	_, err = client.Messages(context.Background(), "", 0)
	require.EqualError(t, err, "session id is required")
}

func mustNewTestClient() *client {
	cl, err := newClientWithCollections(nil, newFakeMessages(), newFakeSessions(), time.Second)
	if err != nil {
		panic(err)
	}
	return cl
}

// fakeMessages mimics the subset of MongoDB behavior the message collection
// sees: inserts, filtered finds with seq sorting and limits, and deletes.
type fakeMessages struct {
	mu             sync.Mutex
	docs           []messageDocument
	indexesCreated int
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{}
}

func (c *fakeMessages) InsertOne(_ context.Context, doc any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	md, ok := doc.(messageDocument)
	if !ok {
		return nil, errors.New("unsupported insert document")
	}
	c.docs = append(c.docs, md)
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeMessages) Find(_ context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []messageDocument
	for _, doc := range c.docs {
		if matchMessage(doc, filter) {
			matched = append(matched, doc)
		}
	}

	desc := false
	limit := 0
	if len(opts) > 0 && opts[0] != nil {
		if d, ok := opts[0].Sort.(bson.D); ok && len(d) > 0 && d[0].Key == "seq" {
			if v, ok := d[0].Value.(int); ok && v < 0 {
				desc = true
			}
		}
		if opts[0].Limit != nil {
			limit = int(*opts[0].Limit)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if desc {
			return matched[i].Seq > matched[j].Seq
		}
		return matched[i].Seq < matched[j].Seq
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return &fakeMessageCursor{docs: matched, idx: -1}, nil
}

func (c *fakeMessages) FindOneAndUpdate(_ context.Context, _ any, _ any, _ ...*options.FindOneAndUpdateOptions) singleResult {
	return fakeSingleResult{err: errors.New("not supported")}
}

func (c *fakeMessages) UpdateOne(_ context.Context, _ any, _ any, _ ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return nil, errors.New("not supported")
}

func (c *fakeMessages) DeleteOne(_ context.Context, _ any, _ ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return nil, errors.New("not supported")
}

func (c *fakeMessages) DeleteMany(_ context.Context, filter any, _ ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.docs[:0]
	deleted := int64(0)
	for _, doc := range c.docs {
		if matchMessage(doc, filter) {
			deleted++
			continue
		}
		kept = append(kept, doc)
	}
	c.docs = kept
	return &mongodriver.DeleteResult{DeletedCount: deleted}, nil
}

func (c *fakeMessages) Indexes() indexView {
	return fakeIndexView{count: &c.indexesCreated, mu: &c.mu}
}

func matchMessage(doc messageDocument, filter any) bool {
	f, _ := filter.(bson.M)
	if sid, ok := f["session_id"].(string); ok && doc.SessionID != sid {
		return false
	}
	if cond, ok := f["message_id"].(bson.M); ok {
		ids, _ := cond["$in"].([]string)
		found := false
		for _, id := range ids {
			if id == doc.MessageID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if cond, ok := f["created_at"].(bson.M); ok {
		if lt, ok := cond["$lt"].(time.Time); ok && !doc.CreatedAt.Before(lt) {
			return false
		}
	}
	return true
}

// fakeSessions keys session documents by id and applies the bookkeeping
// update operators the client issues.
type fakeSessions struct {
	mu             sync.Mutex
	docs           map[string]*sessionDocument
	indexesCreated int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{docs: make(map[string]*sessionDocument)}
}

func (c *fakeSessions) InsertOne(_ context.Context, _ any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return nil, errors.New("not supported")
}

func (c *fakeSessions) Find(_ context.Context, _ any, _ ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id := range c.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var docs []sessionDocument
	for _, id := range ids {
		docs = append(docs, *c.docs[id])
	}
	return &fakeSessionCursor{docs: docs, idx: -1}, nil
}

func (c *fakeSessions) FindOneAndUpdate(_ context.Context, filter any, update any, opts ...*options.FindOneAndUpdateOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, _ := filter.(bson.M)
	id, _ := f["session_id"].(string)
	doc, ok := c.docs[id]
	if !ok {
		upsert := len(opts) > 0 && opts[0] != nil && opts[0].Upsert != nil && *opts[0].Upsert
		if !upsert {
			return fakeSingleResult{err: mongodriver.ErrNoDocuments}
		}
		doc = &sessionDocument{}
		c.docs[id] = doc
	}
	applySessionUpdate(doc, update, !ok)
	clone := *doc
	return fakeSingleResult{doc: &clone}
}

func (c *fakeSessions) UpdateOne(_ context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, _ := filter.(bson.M)
	id, _ := f["session_id"].(string)
	doc, ok := c.docs[id]
	if !ok {
		upsert := len(opts) > 0 && opts[0] != nil && opts[0].Upsert != nil && *opts[0].Upsert
		if !upsert {
			return &mongodriver.UpdateResult{}, nil
		}
		doc = &sessionDocument{}
		c.docs[id] = doc
	}
	applySessionUpdate(doc, update, !ok)
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeSessions) DeleteOne(_ context.Context, filter any, _ ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, _ := filter.(bson.M)
	id, _ := f["session_id"].(string)
	if _, ok := c.docs[id]; !ok {
		return &mongodriver.DeleteResult{}, nil
	}
	delete(c.docs, id)
	return &mongodriver.DeleteResult{DeletedCount: 1}, nil
}

func (c *fakeSessions) DeleteMany(_ context.Context, _ any, _ ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return nil, errors.New("not supported")
}

func (c *fakeSessions) Indexes() indexView {
	return fakeIndexView{count: &c.indexesCreated, mu: &c.mu}
}

func applySessionUpdate(doc *sessionDocument, update any, inserted bool) {
	up, _ := update.(bson.M)
	if soi, ok := up["$setOnInsert"].(bson.M); ok && inserted {
		if v, ok := soi["session_id"].(string); ok {
			doc.SessionID = v
		}
		if v, ok := soi["created_at"].(time.Time); ok {
			doc.CreatedAt = v
		}
	}
	if set, ok := up["$set"].(bson.M); ok {
		if v, ok := set["session_id"].(string); ok {
			doc.SessionID = v
		}
		if v, ok := set["message_count"].(int); ok {
			doc.MessageCount = v
		}
		if v, ok := set["total_appended"].(int); ok {
			doc.TotalAppended = v
		}
		if v, ok := set["created_at"].(time.Time); ok {
			doc.CreatedAt = v
		}
		if v, ok := set["last_activity_at"].(time.Time); ok {
			doc.LastActivityAt = v
		}
	}
	if inc, ok := up["$inc"].(bson.M); ok {
		if v, ok := inc["message_count"].(int); ok {
			doc.MessageCount += v
		}
		if v, ok := inc["message_count"].(int64); ok {
			doc.MessageCount += int(v)
		}
		if v, ok := inc["total_appended"].(int); ok {
			doc.TotalAppended += v
		}
	}
}

type fakeIndexView struct {
	count *int
	mu    *sync.Mutex
}

func (v fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel, _ ...*options.CreateIndexesOptions) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	v.mu.Lock()
	*v.count++
	v.mu.Unlock()
	return "idx", nil
}

type fakeSingleResult struct {
	doc *sessionDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	dest, ok := val.(*sessionDocument)
	if !ok {
		return errors.New("unsupported decode target")
	}
	*dest = *r.doc
	return nil
}

type fakeMessageCursor struct {
	docs []messageDocument
	idx  int
}

func (c *fakeMessageCursor) Close(context.Context) error { return nil }
func (c *fakeMessageCursor) Err() error                  { return nil }

func (c *fakeMessageCursor) Next(context.Context) bool {
	c.idx++
	return c.idx < len(c.docs)
}

func (c *fakeMessageCursor) Decode(val any) error {
	dest, ok := val.(*messageDocument)
	if !ok {
		return errors.New("unsupported decode target")
	}
	*dest = c.docs[c.idx]
	return nil
}

type fakeSessionCursor struct {
	docs []sessionDocument
	idx  int
}

func (c *fakeSessionCursor) Close(context.Context) error { return nil }
func (c *fakeSessionCursor) Err() error                  { return nil }

func (c *fakeSessionCursor) Next(context.Context) bool {
	c.idx++
	return c.idx < len(c.docs)
}

func (c *fakeSessionCursor) Decode(val any) error {
	dest, ok := val.(*sessionDocument)
	if !ok {
		return errors.New("unsupported decode target")
	}
	*dest = c.docs[c.idx]
	return nil
}
