// Package sqlitestore is a docstore.Store backed by a SQLite file. Several
// processes may share the file; changes made by one are picked up by the
// others through filesystem notifications, with polling as a fallback.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS docs (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	fields     TEXT NOT NULL,
	version    INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE TABLE IF NOT EXISTS entries (
	path TEXT NOT NULL,
	seq  INTEGER NOT NULL,
	id   TEXT NOT NULL,
	data TEXT NOT NULL,
	PRIMARY KEY (path, seq)
);
`

// maxWriteAttempts bounds optimistic retries when another process wins a
// write race on the same row.
const maxWriteAttempts = 5

type Options struct {
	// PollInterval wakes subscribers even without a filesystem event.
	PollInterval time.Duration
	Logger       *slog.Logger
}

type Store struct {
	db     *sql.DB
	path   string
	log    *slog.Logger
	closed atomic.Bool

	writeMu  sync.Mutex
	notifier *docstore.Notifier
	watcher  *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
}

var _ docstore.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes access within the process; other processes
	// are handled by busy_timeout.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		db.Close()
		return nil, fmt.Errorf("watch store dir: %w", err)
	}

	s := &Store{
		db:       db,
		path:     path,
		log:      logger.With("component", "sqlitestore", "path", path),
		notifier: docstore.NewNotifier(),
		watcher:  watcher,
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.watchLoop(opts.PollInterval)
	return s, nil
}

func (s *Store) watchLoop(poll time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	base := filepath.Base(s.path)
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.notifier.Notify()
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			// The database, its -wal and its -shm file all count.
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				s.notifier.Notify()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("store watcher error", "err", err)
		}
	}
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: sqlite %s: %v", docstore.ErrUnavailable, op, err)
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

	s.writeMu.Lock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO docs (collection, id, fields, version) VALUES (?, ?, ?, 1) ON CONFLICT DO NOTHING`,
		ref.Collection, ref.ID, encoded)
	s.writeMu.Unlock()
	if err != nil {
		return unavailable("create", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", docstore.ErrAlreadyExists, ref.Path())
	}
	s.notifier.Notify()
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

	var (
		raw     string
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fields, version FROM docs WHERE collection = ? AND id = ?`,
		ref.Collection, ref.ID).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.DocSnapshot{Ref: ref}, nil
	}
	if err != nil {
		if s.closed.Load() {
			return docstore.DocSnapshot{}, docstore.ErrClosed
		}
		return docstore.DocSnapshot{}, unavailable("read", err)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return docstore.DocSnapshot{}, err
	}
	return docstore.DocSnapshot{Ref: ref, Exists: true, Fields: fields, Version: version}, nil
}

func (s *Store) Update(ctx context.Context, ref docstore.DocRef, patch docstore.Fields, conds ...docstore.Condition) error {
	if err := docstore.ValidateDoc(ref); err != nil {
		return err
	}
	if s.closed.Load() {
		return docstore.ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		snap, err := s.read(ctx, ref)
		if err != nil {
			return err
		}
		if !snap.Exists {
			return fmt.Errorf("%w: %s", docstore.ErrNotFound, ref.Path())
		}
		if !docstore.ConditionsHold(snap.Fields, conds) {
			return fmt.Errorf("%w: %s", docstore.ErrConditionFailed, ref.Path())
		}

		next := snap.Fields.Clone()
		if next == nil {
			next = docstore.Fields{}
		}
		for k, v := range patch {
			next[k] = v
		}
		encoded, err := encodeFields(next)
		if err != nil {
			return err
		}

		// The version guard makes the read-check-write atomic against other
		// processes sharing the file.
		res, err := s.db.ExecContext(ctx,
			`UPDATE docs SET fields = ?, version = version + 1 WHERE collection = ? AND id = ? AND version = ?`,
			encoded, ref.Collection, ref.ID, snap.Version)
		if err != nil {
			return unavailable("update", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			s.notifier.Notify()
			return nil
		}
	}
	return fmt.Errorf("%w: sqlite update: too much contention on %s", docstore.ErrUnavailable, ref.Path())
}

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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	path := ref.Path()
	id := uuid.NewString()
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		var seq int64
		err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM entries WHERE path = ?`, path).Scan(&seq)
		if err != nil {
			return docstore.Entry{}, unavailable("append", err)
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO entries (path, seq, id, data) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			path, seq, id, string(data))
		if err != nil {
			return docstore.Entry{}, unavailable("append", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			s.notifier.Notify()
			return docstore.Entry{ID: id, Seq: seq, Data: append(json.RawMessage(nil), data...)}, nil
		}
	}
	return docstore.Entry{}, fmt.Errorf("%w: sqlite append: too much contention on %s", docstore.ErrUnavailable, path)
}

func (s *Store) readEntries(ref docstore.CollectionRef) docstore.EntryReader {
	path := ref.Path()
	return func(ctx context.Context, after int64) ([]docstore.Entry, error) {
		if s.closed.Load() {
			return nil, docstore.ErrClosed
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT seq, id, data FROM entries WHERE path = ? AND seq > ? ORDER BY seq`, path, after)
		if err != nil {
			if s.closed.Load() {
				return nil, docstore.ErrClosed
			}
			return nil, unavailable("read entries", err)
		}
		defer rows.Close()

		var out []docstore.Entry
		for rows.Next() {
			var (
				e    docstore.Entry
				data string
			)
			if err := rows.Scan(&e.Seq, &e.ID, &data); err != nil {
				return nil, unavailable("scan entry", err)
			}
			e.Data = json.RawMessage(data)
			out = append(out, e)
		}
		if err := rows.Err(); err != nil {
			return nil, unavailable("read entries", err)
		}
		return out, nil
	}
}

func (s *Store) SubscribeDoc(ctx context.Context, ref docstore.DocRef, fn func(docstore.DocSnapshot), onErr func(error)) (docstore.Unsubscribe, error) {
	if err := docstore.ValidateDoc(ref); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, docstore.ErrClosed
	}
	read := func(ctx context.Context) (docstore.DocSnapshot, error) { return s.read(ctx, ref) }
	return docstore.StartDocSubscription(ctx, read, s.notifier.Wait, fn, onErr, nil), nil
}

func (s *Store) SubscribeCollection(ctx context.Context, ref docstore.CollectionRef, fn func(docstore.Entry), onErr func(error)) (docstore.Unsubscribe, error) {
	if err := docstore.ValidateCollection(ref); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, docstore.ErrClosed
	}
	return docstore.StartCollectionSubscription(ctx, s.readEntries(ref), s.notifier.Wait, fn, onErr, nil), nil
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	werr := s.watcher.Close()
	s.wg.Wait()
	s.notifier.Notify()
	return errors.Join(werr, s.db.Close())
}

func encodeFields(fields docstore.Fields) (string, error) {
	if fields == nil {
		fields = docstore.Fields{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("%w: %v", docstore.ErrInvalidArgument, err)
	}
	return string(b), nil
}

func decodeFields(raw string) (docstore.Fields, error) {
	var fields docstore.Fields
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("%w: corrupt document fields: %v", docstore.ErrUnavailable, err)
	}
	return fields, nil
}
