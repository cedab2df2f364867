// Package redis provides a session store backed by Redis, for multi-node
// deployments where any node may handle any turn of a conversation.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/colloquy/colloquy/pkg/session"
)

const defaultPrefix = "colloquy:session:"

// watchRetries bounds the optimistic-concurrency retry loop in Update.
const watchRetries = 5

// Store persists sessions as JSON values. Update uses WATCH so two nodes
// racing on the same session cannot lose writes.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithTTL sets an expiration on stored sessions; zero means no expiration.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New connects to the given address and returns a store.
func New(address, password string, db int, opts ...Option) *Store {
	client := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	return NewFromClient(client, opts...)
}

// NewFromClient wraps an existing client, e.g. one shared with other
// subsystems or a miniredis-backed client in tests.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: defaultPrefix,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

// Get returns the stored session, or a fresh empty one for unknown ids.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	val, err := s.client.Get(ctx, s.key(id)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return session.New(id), nil
		}

		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}

	return decode(id, []byte(val))
}

// Save overwrites the stored session unconditionally.
func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", sess.ID, err)
	}

	if err := s.client.Set(ctx, s.key(sess.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}

	return nil
}

// Update applies fn inside a WATCH transaction and retries on conflict, so a
// concurrent writer from another node invalidates this write instead of being
// silently overwritten.
func (s *Store) Update(ctx context.Context, id string, fn func(*session.Session) error) (*session.Session, error) {
	key := s.key(id)

	var updated *session.Session

	txn := func(tx *backend.Tx) error {
		val, err := tx.Get(ctx, key).Result()

		var sess *session.Session

		switch {
		case errors.Is(err, backend.Nil):
			sess = session.New(id)
		case err != nil:
			return fmt.Errorf("failed to get session %s: %w", id, err)
		default:
			if sess, err = decode(id, []byte(val)); err != nil {
				return err
			}
		}

		if err := fn(sess); err != nil {
			return err
		}

		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to marshal session %s: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}

		updated = sess

		return nil
	}

	for i := 0; i < watchRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}

		if errors.Is(err, backend.TxFailedErr) {
			continue
		}

		return nil, err
	}

	return nil, fmt.Errorf("failed to update session %s: too many concurrent writers", id)
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decode(id string, data []byte) (*session.Session, error) {
	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}

	if sess.Data == nil {
		sess.Data = make(map[string]any)
	}

	sess.ID = id

	return &sess, nil
}
