// Package redisrelay publishes committed events on a Redis channel per
// document so that other processes can follow a document's history.
package redisrelay

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"collabtext/internal/archive"
)

const DefaultPrefix = "collabtext:"

// Connect creates a client and checks that the server answers.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "could not connect to redis at %s", addr)
	}
	return rdb, nil
}

// Relay is an archive.Sink.
type Relay struct {
	rdb    redis.Cmdable
	prefix string
}

func New(rdb redis.Cmdable, prefix string) *Relay {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Relay{rdb: rdb, prefix: prefix}
}

func (r *Relay) Name() string { return "redis" }

// Channel is the channel events of documentID are published on.
func (r *Relay) Channel(documentID string) string {
	return r.prefix + documentID
}

func (r *Relay) Record(ctx context.Context, ev archive.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	err = r.rdb.Publish(ctx, r.Channel(ev.DocumentID), payload).Err()
	return errors.Wrapf(err, "publish to %s", r.Channel(ev.DocumentID))
}
