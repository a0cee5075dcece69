// Package mongostore is a docstore.Store backed by MongoDB. Subscriptions are
// driven by change streams, which require a replica set deployment.
package mongostore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore"
)

const (
	documentsCollection   = "documents"
	collectionsCollection = "collections"

	fieldsField  = "fields"
	versionField = "version"
	countField   = "count"
	entriesField = "entries"

	// maxEntriesPerRead caps one $slice read; the subscription runner keeps
	// reading until a read comes back empty.
	maxEntriesPerRead = 1000
)

type docRecord struct {
	ID         string            `bson:"_id"`
	Collection string            `bson:"collection"`
	Fields     map[string]string `bson:"fields"`
	Version    int64             `bson:"version"`
}

type entryRecord struct {
	ID   string `bson:"id"`
	Data string `bson:"data"`
}

type collectionRecord struct {
	ID      string        `bson:"_id"`
	Count   int64         `bson:"count"`
	Entries []entryRecord `bson:"entries"`
}

type Store struct {
	client *mongo.Client
	docs   *mongo.Collection
	colls  *mongo.Collection
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	owned  bool
}

var _ docstore.Store = (*Store)(nil)

// Open connects to uri and uses database db.
func Open(ctx context.Context, uri, db string, logger *slog.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrapf(docstore.ErrUnavailable, "mongo connect: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrapf(docstore.ErrUnavailable, "mongo ping: %v", err)
	}
	s := New(client, db, logger)
	s.owned = true
	return s, nil
}

// New wraps an existing client. Close does not disconnect it.
func New(client *mongo.Client, db string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	database := client.Database(db)
	return &Store{
		client: client,
		docs:   database.Collection(documentsCollection),
		colls:  database.Collection(collectionsCollection),
		logger: logger.With("component", "mongostore", "db", db),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Store) wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if s.closed.Load() {
		return docstore.ErrClosed
	}
	return errors.Wrapf(docstore.ErrUnavailable, "mongo %s: %v", op, err)
}

func validFieldName(name string) bool {
	return name != "" && !strings.HasPrefix(name, "$") && !strings.Contains(name, ".")
}

func encodeFields(fields docstore.Fields) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if !validFieldName(k) {
			return nil, fmt.Errorf("%w: field name %q", docstore.ErrInvalidArgument, k)
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: field %q is not JSON", docstore.ErrInvalidArgument, k)
		}
		out[k] = string(v)
	}
	return out, nil
}

func (s *Store) NewDoc(collection string) docstore.DocRef {
	return docstore.NewDocRef(collection)
}

func (s *Store) Create(ctx context.Context, ref docstore.DocRef, fields docstore.Fields) error {
	if err := docstore.ValidateDoc(ref); err != nil {
		return err
	}
	if s.closed.Load() {
		return docstore.ErrClosed
	}
	encoded, err := encodeFields(fields)
	if err != nil {
		return err
	}
	_, err = s.docs.InsertOne(ctx, docRecord{
		ID:         ref.Path(),
		Collection: ref.Collection,
		Fields:     encoded,
		Version:    1,
	})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", docstore.ErrAlreadyExists, ref.Path())
	}
	if err != nil {
		return s.wrap("create", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, ref docstore.DocRef) (docstore.DocSnapshot, error) {
	snap, err := s.read(ctx, ref)
	if err != nil {
		return docstore.DocSnapshot{}, err
	}
	if !snap.Exists {
		return docstore.DocSnapshot{}, fmt.Errorf("%w: %s", docstore.ErrNotFound, ref.Path())
	}
	return snap, nil
}

func (s *Store) read(ctx context.Context, ref docstore.DocRef) (docstore.DocSnapshot, error) {
	if err := docstore.ValidateDoc(ref); err != nil {
		return docstore.DocSnapshot{}, err
	}
	if s.closed.Load() {
		return docstore.DocSnapshot{}, docstore.ErrClosed
	}
	var rec docRecord
	err := s.docs.FindOne(ctx, bson.D{{Key: "_id", Value: ref.Path()}}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return docstore.DocSnapshot{Ref: ref}, nil
	}
	if err != nil {
		return docstore.DocSnapshot{}, s.wrap("read", err)
	}
	fields := make(docstore.Fields, len(rec.Fields))
	for k, v := range rec.Fields {
		fields[k] = json.RawMessage(v)
	}
	return docstore.DocSnapshot{Ref: ref, Exists: true, Fields: fields, Version: rec.Version}, nil
}

func (s *Store) Update(ctx context.Context, ref docstore.DocRef, patch docstore.Fields, conds ...docstore.Condition) error {
	if err := docstore.ValidateDoc(ref); err != nil {
		return err
	}
	if s.closed.Load() {
		return docstore.ErrClosed
	}
	encoded, err := encodeFields(patch)
	if err != nil {
		return err
	}

	filter := bson.D{{Key: "_id", Value: ref.Path()}}
	for _, c := range conds {
		if !validFieldName(c.Field) {
			return fmt.Errorf("%w: condition field %q", docstore.ErrInvalidArgument, c.Field)
		}
		key := fieldsField + "." + c.Field
		if c.Present {
			filter = append(filter, bson.E{Key: key, Value: bson.D{{Key: "$nin", Value: bson.A{nil, "null"}}}})
		} else {
			filter = append(filter, bson.E{Key: key, Value: bson.D{{Key: "$in", Value: bson.A{nil, "null"}}}})
		}
	}

	set := bson.D{}
	for k, v := range encoded {
		set = append(set, bson.E{Key: fieldsField + "." + k, Value: v})
	}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: versionField, Value: 1}}}}
	if len(set) > 0 {
		update = append(update, bson.E{Key: "$set", Value: set})
	}

	res, err := s.docs.UpdateOne(ctx, filter, update)
	if err != nil {
		return s.wrap("update", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	n, err := s.docs.CountDocuments(ctx, bson.D{{Key: "_id", Value: ref.Path()}})
	if err != nil {
		return s.wrap("update", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", docstore.ErrNotFound, ref.Path())
	}
	return fmt.Errorf("%w: %s", docstore.ErrConditionFailed, ref.Path())
}

// Append pushes onto the collection's entry array and bumps its counter in a
// single update; the counter after the update is the new entry's Seq.
func (s *Store) Append(ctx context.Context, ref docstore.CollectionRef, data json.RawMessage) (docstore.Entry, error) {
	if err := docstore.ValidateCollection(ref); err != nil {
		return docstore.Entry{}, err
	}
	if s.closed.Load() {
		return docstore.Entry{}, docstore.ErrClosed
	}
	if !json.Valid(data) {
		return docstore.Entry{}, fmt.Errorf("%w: entry data is not JSON", docstore.ErrInvalidArgument)
	}

	id := uuid.NewString()
	res := s.colls.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: ref.Path()}},
		bson.D{
			{Key: "$inc", Value: bson.D{{Key: countField, Value: 1}}},
			{Key: "$push", Value: bson.D{{Key: entriesField, Value: entryRecord{ID: id, Data: string(data)}}}},
		},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After).
			SetProjection(bson.D{{Key: countField, Value: 1}}),
	)
	var rec collectionRecord
	if err := res.Decode(&rec); err != nil {
		return docstore.Entry{}, s.wrap("append", err)
	}
	return docstore.Entry{ID: id, Seq: rec.Count, Data: append(json.RawMessage(nil), data...)}, nil
}

func (s *Store) readEntries(ref docstore.CollectionRef) docstore.EntryReader {
	path := ref.Path()
	return func(ctx context.Context, after int64) ([]docstore.Entry, error) {
		if s.closed.Load() {
			return nil, docstore.ErrClosed
		}
		var rec collectionRecord
		err := s.colls.FindOne(ctx,
			bson.D{{Key: "_id", Value: path}},
			options.FindOne().SetProjection(bson.D{
				{Key: countField, Value: 1},
				{Key: entriesField, Value: bson.D{{Key: "$slice", Value: bson.A{after, maxEntriesPerRead}}}},
			}),
		).Decode(&rec)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		if err != nil {
			return nil, s.wrap("read entries", err)
		}
		out := make([]docstore.Entry, 0, len(rec.Entries))
		for i, e := range rec.Entries {
			out = append(out, docstore.Entry{ID: e.ID, Seq: after + int64(i) + 1, Data: json.RawMessage(e.Data)})
		}
		return out, nil
	}
}

// changeFeed wakes a subscription on every change event for one _id. It is
// opened before the first read so no write between the two is missed.
type changeFeed struct {
	notifier *docstore.Notifier
	cancel   context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *Store) watch(ctx context.Context, coll *mongo.Collection, id string) (*changeFeed, error) {
	ctx, cancel := context.WithCancel(ctx)
	stopOnClose := context.AfterFunc(s.ctx, cancel)

	cs, err := coll.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: id}}}},
	})
	if err != nil {
		stopOnClose()
		cancel()
		return nil, s.wrap("watch", err)
	}

	feed := &changeFeed{notifier: docstore.NewNotifier(), cancel: cancel}
	go func() {
		defer stopOnClose()
		defer cs.Close(context.Background())
		for cs.Next(ctx) {
			feed.notifier.Notify()
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			s.logger.Warn("change stream ended", "id", id, "err", err)
			feed.mu.Lock()
			feed.err = s.wrap("change stream", err)
			feed.mu.Unlock()
		}
		feed.notifier.Notify()
	}()
	return feed, nil
}

func (f *changeFeed) failure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (s *Store) SubscribeDoc(ctx context.Context, ref docstore.DocRef, fn func(docstore.DocSnapshot), onErr func(error)) (docstore.Unsubscribe, error) {
	if err := docstore.ValidateDoc(ref); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, docstore.ErrClosed
	}
	feed, err := s.watch(ctx, s.docs, ref.Path())
	if err != nil {
		return nil, err
	}
	read := func(ctx context.Context) (docstore.DocSnapshot, error) {
		if err := feed.failure(); err != nil {
			return docstore.DocSnapshot{}, err
		}
		return s.read(ctx, ref)
	}
	return docstore.StartDocSubscription(ctx, read, feed.notifier.Wait, fn, onErr, feed.cancel), nil
}

func (s *Store) SubscribeCollection(ctx context.Context, ref docstore.CollectionRef, fn func(docstore.Entry), onErr func(error)) (docstore.Unsubscribe, error) {
	if err := docstore.ValidateCollection(ref); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, docstore.ErrClosed
	}
	feed, err := s.watch(ctx, s.colls, ref.Path())
	if err != nil {
		return nil, err
	}
	entries := s.readEntries(ref)
	read := func(ctx context.Context, after int64) ([]docstore.Entry, error) {
		if err := feed.failure(); err != nil {
			return nil, err
		}
		return entries(ctx, after)
	}
	return docstore.StartCollectionSubscription(ctx, read, feed.notifier.Wait, fn, onErr, feed.cancel), nil
}

// Close ends all subscriptions with ErrClosed and, for stores created by
// Open, disconnects the client.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	if s.owned {
		if err := s.client.Disconnect(context.Background()); err != nil {
			return errors.Wrap(err, "mongo disconnect")
		}
	}
	return nil
}
