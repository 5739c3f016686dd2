package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucket is the JetStream key/value bucket used for LLM responses.
const DefaultBucket = "FORMFUZZ_LLM_CACHE"

type bucket interface {
	get(ctx context.Context, key string) ([]byte, bool, error)
	create(ctx context.Context, key string, value []byte) error
}

// KVStore keeps entries in a JetStream key/value bucket.
type KVStore struct {
	b bucket
}

// OpenKVStore creates the bucket if needed and returns a store over it.
func OpenKVStore(ctx context.Context, js jetstream.JetStream, name string) (*KVStore, error) {
	if name == "" {
		name = DefaultBucket
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "formfuzz LLM response cache",
		Storage:     jetstream.FileStorage,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open key/value bucket %s: %w", name, err)
	}

	return NewKVStore(kv), nil
}

// NewKVStore wraps an existing bucket.
func NewKVStore(kv jetstream.KeyValue) *KVStore {
	return &KVStore{b: jsBucket{kv: kv}}
}

// Lookup reads the entry for key.
func (s *KVStore) Lookup(ctx context.Context, key string) (Lookup, error) {
	if !validKey(key) {
		return Lookup{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	value, ok, err := s.b.get(ctx, key)
	if err != nil {
		return Lookup{}, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}
	if !ok {
		return Lookup{}, nil
	}
	return Lookup{Value: string(value), Hit: true}, nil
}

// Put writes the entry for key. An entry that already exists is left as is.
func (s *KVStore) Put(ctx context.Context, key, value string) error {
	if !validKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	if err := s.b.create(ctx, key, []byte(value)); err != nil {
		return fmt.Errorf("failed to write cache entry %s: %w", key, err)
	}
	return nil
}

type jsBucket struct {
	kv jetstream.KeyValue
}

func (b jsBucket) get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := b.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value(), true, nil
}

func (b jsBucket) create(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Create(ctx, key, value)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return nil
	}
	return err
}
