// Package postgres stores committed operations, comments and the latest
// snapshot of each document in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"collabtext/internal/archive"
)

// Schema is applied by Migrate. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS document_operations (
	document_id  TEXT        NOT NULL,
	version      INTEGER     NOT NULL,
	operation    JSONB       NOT NULL,
	user_id      TEXT        NOT NULL,
	committed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (document_id, version)
);
CREATE TABLE IF NOT EXISTS document_snapshots (
	document_id TEXT        PRIMARY KEY,
	content     TEXT        NOT NULL,
	version     INTEGER     NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS comments (
	id          TEXT        PRIMARY KEY,
	document_id TEXT        NOT NULL,
	user_id     TEXT        NOT NULL,
	user_name   TEXT        NOT NULL,
	text        TEXT        NOT NULL,
	position    INTEGER,
	selection   JSONB,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS comments_document_id_idx ON comments (document_id);
`

const (
	insertOperation = `INSERT INTO document_operations (document_id, version, operation, user_id, committed_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (document_id, version) DO NOTHING`

	upsertSnapshot = `INSERT INTO document_snapshots (document_id, content, version, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (document_id) DO UPDATE
SET content = EXCLUDED.content, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
WHERE document_snapshots.version < EXCLUDED.version`

	insertComment = `INSERT INTO comments (id, document_id, user_id, user_name, text, position, selection, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`

	selectSnapshot = `SELECT content, version FROM document_snapshots WHERE document_id = $1`
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect opens a pool and checks that the database answers.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "unable to reach database")
	}
	return pool, nil
}

// Store is an archive.Sink and archive.Loader.
type Store struct {
	db DB
}

func New(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) Name() string { return "postgres" }

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return errors.Wrap(err, "migrate")
}

func (s *Store) Record(ctx context.Context, ev archive.Event) error {
	switch ev.Kind {
	case archive.KindOperation:
		return s.recordOperation(ctx, ev)
	case archive.KindComment:
		return s.recordComment(ctx, ev)
	default:
		return errors.Errorf("unknown event kind %q", ev.Kind)
	}
}

func (s *Store) recordOperation(ctx context.Context, ev archive.Event) error {
	if ev.Operation == nil {
		return errors.New("operation event without operation")
	}
	op, err := json.Marshal(ev.Operation)
	if err != nil {
		return errors.Wrap(err, "encode operation")
	}
	if _, err := s.db.Exec(ctx, insertOperation, ev.DocumentID, ev.Version, string(op), ev.UserID, ev.At); err != nil {
		return errors.Wrapf(err, "insert operation %s@%d", ev.DocumentID, ev.Version)
	}
	if _, err := s.db.Exec(ctx, upsertSnapshot, ev.DocumentID, ev.Content, ev.Version, ev.At); err != nil {
		return errors.Wrapf(err, "upsert snapshot %s@%d", ev.DocumentID, ev.Version)
	}
	return nil
}

func (s *Store) recordComment(ctx context.Context, ev archive.Event) error {
	c := ev.Comment
	if c == nil {
		return errors.New("comment event without comment")
	}
	var selection any
	if c.Selection != nil {
		b, err := json.Marshal(c.Selection)
		if err != nil {
			return errors.Wrap(err, "encode selection")
		}
		selection = string(b)
	}
	_, err := s.db.Exec(ctx, insertComment,
		c.ID, c.DocumentID, c.UserID, c.UserName, c.Text, c.Position, selection, c.Timestamp)
	return errors.Wrapf(err, "insert comment %s", c.ID)
}

// Load returns the latest snapshot written for documentID.
func (s *Store) Load(ctx context.Context, documentID string) (archive.Snapshot, bool, error) {
	var snap archive.Snapshot
	err := s.db.QueryRow(ctx, selectSnapshot, documentID).Scan(&snap.Content, &snap.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.Snapshot{}, false, nil
	}
	if err != nil {
		return archive.Snapshot{}, false, errors.Wrapf(err, "load snapshot %s", documentID)
	}
	return snap, true, nil
}
