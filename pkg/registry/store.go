// Package registry implements the signaling registry peers use to
// publish and discover each other's reflexive addresses, and the HTTP
// client the peer runtime talks to it with. The registry is deliberately
// thin: an HTTP CRUD surface over a persistent key/value map of peer
// entries. It is never on the data path.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coriolis-labs/peerlink/pkg/peer"
)

const (
	keyPrefix = "peerlink:node:"
	indexKey  = "peerlink:nodes"
)

// Store persists peer entries in Redis (or a Redis-wire-compatible store
// such as Dragonfly), keyed by the entry's public pair so writes are
// idempotent. Entries have no TTL: the registry has no way to tell a
// crashed peer from a quiet one, so an entry left behind by a peer that
// never called leave persists until something deletes it. Known
// limitation.
type Store struct {
	rdb *redis.Client
}

// NewStore connects to addr and verifies connectivity with a ping.
func NewStore(addr string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
		DialTimeout:  2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("registry: connect to %s: %w", addr, err)
	}

	return &Store{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Upsert inserts or updates an entry, keyed by its public pair.
func (s *Store) Upsert(ctx context.Context, e peer.Entry) error {
	key := keyPrefix + peer.EntryKey(e)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("registry: marshal entry: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, indexKey, peer.EntryKey(e))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: upsert %s: %w", peer.EntryKey(e), err)
	}
	return nil
}

// Delete removes an entry. Deleting a non-existent peer is not an error.
func (s *Store) Delete(ctx context.Context, e peer.Entry) error {
	key := keyPrefix + peer.EntryKey(e)

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, indexKey, peer.EntryKey(e))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: delete %s: %w", peer.EntryKey(e), err)
	}
	return nil
}

// List returns every registered entry.
func (s *Store) List(ctx context.Context) ([]peer.Entry, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: list index: %w", err)
	}

	entries := make([]peer.Entry, 0, len(ids))
	for _, id := range ids {
		data, err := s.rdb.Get(ctx, keyPrefix+id).Result()
		if err == redis.Nil {
			// Index and value disagree (e.g. a TTL elsewhere); skip rather
			// than fail the whole listing.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("registry: get %s: %w", id, err)
		}
		var e peer.Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("registry: unmarshal %s: %w", id, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
