// Package bolt keeps an embedded operation log and the latest snapshot of
// each document in a bbolt file.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bbolt "go.etcd.io/bbolt"

	"collabtext/internal/archive"
	"collabtext/internal/ot"
)

var (
	snapshotsBucket = []byte("snapshots")
	opsBucket       = []byte("ops")
	commentsBucket  = []byte("comments")
)

type snapshotRecord struct {
	Content string    `json:"content"`
	Version int       `json:"version"`
	At      time.Time `json:"at"`
}

// Store is an archive.Sink and archive.Loader.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the database file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{snapshotsBucket, opsBucket, commentsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create buckets")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Name() string { return "bolt" }

func (s *Store) Record(_ context.Context, ev archive.Event) error {
	switch ev.Kind {
	case archive.KindOperation:
		return s.recordOperation(ev)
	case archive.KindComment:
		return s.recordComment(ev)
	default:
		return errors.Errorf("unknown event kind %q", ev.Kind)
	}
}

func (s *Store) recordOperation(ev archive.Event) error {
	if ev.Operation == nil {
		return errors.New("operation event without operation")
	}
	op, err := json.Marshal(ev.Operation)
	if err != nil {
		return errors.Wrap(err, "encode operation")
	}
	snap, err := json.Marshal(snapshotRecord{Content: ev.Content, Version: ev.Version, At: ev.At})
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		ops, err := tx.Bucket(opsBucket).CreateBucketIfNotExists([]byte(ev.DocumentID))
		if err != nil {
			return err
		}
		if err := ops.Put(versionKey(ev.Version), op); err != nil {
			return err
		}

		snaps := tx.Bucket(snapshotsBucket)
		if cur := snaps.Get([]byte(ev.DocumentID)); cur != nil {
			var old snapshotRecord
			if err := json.Unmarshal(cur, &old); err == nil && old.Version >= ev.Version {
				return nil
			}
		}
		return snaps.Put([]byte(ev.DocumentID), snap)
	})
}

func (s *Store) recordComment(ev archive.Event) error {
	if ev.Comment == nil {
		return errors.New("comment event without comment")
	}
	b, err := json.Marshal(ev.Comment)
	if err != nil {
		return errors.Wrap(err, "encode comment")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		comments, err := tx.Bucket(commentsBucket).CreateBucketIfNotExists([]byte(ev.Comment.DocumentID))
		if err != nil {
			return err
		}
		return comments.Put([]byte(ev.Comment.ID), b)
	})
}

func (s *Store) Load(_ context.Context, documentID string) (archive.Snapshot, bool, error) {
	var (
		rec   snapshotRecord
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(snapshotsBucket).Get([]byte(documentID))
		if b == nil {
			return nil
		}
		found = true
		return json.Unmarshal(b, &rec)
	})
	if err != nil {
		return archive.Snapshot{}, false, errors.Wrapf(err, "load snapshot %s", documentID)
	}
	return archive.Snapshot{Content: rec.Content, Version: rec.Version}, found, nil
}

// Operations returns the logged operations of documentID whose version is
// at least from, in version order. The operation at version v is the one
// that produced v.
func (s *Store) Operations(documentID string, from int) ([]ot.Op, error) {
	var ops []ot.Op
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(opsBucket).Bucket([]byte(documentID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(versionKey(from)); k != nil; k, v = c.Next() {
			var op ot.Op
			if err := json.Unmarshal(v, &op); err != nil {
				return errors.Wrapf(err, "decode operation %d", binary.BigEndian.Uint64(k))
			}
			ops = append(ops, op)
		}
		return nil
	})
	return ops, err
}

func versionKey(v int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(v))
	return k
}
