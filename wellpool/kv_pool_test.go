package wellpool

import (
	"context"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SissiFeng/ot2-piloting/errors"
)

// fakeBucket implements the subset of jetstream.KeyValue the pool touches.
// Get reports missing keys with a wrapped ErrKeyNotFound, the way the
// library is allowed to.
type fakeBucket struct {
	jetstream.KeyValue
	data map[string][]byte
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{data: make(map[string][]byte)}
}

func (b *fakeBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	value, ok := b.data[key]
	if !ok {
		return nil, fmt.Errorf("kv get %q: %w", key, jetstream.ErrKeyNotFound)
	}
	return fakeEntry{value: value}, nil
}

func (b *fakeBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.data[key] = value
	return uint64(len(b.data)), nil
}

func (b *fakeBucket) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) {
	if len(b.data) == 0 {
		return nil, fmt.Errorf("kv keys: %w", jetstream.ErrNoKeysFound)
	}
	keys := make([]string, 0, len(b.data))
	for key := range b.data {
		keys = append(keys, key)
	}
	return keys, nil
}

type fakeEntry struct {
	jetstream.KeyValueEntry
	value    []byte
	revision uint64
}

func (e fakeEntry) Value() []byte    { return e.value }
func (e fakeEntry) Revision() uint64 { return e.revision }

func TestKVPool_EnsurePlateSeedsWrappedNotFound(t *testing.T) {
	bucket := newFakeBucket()
	pool := NewKVPool(bucket, "OT2")

	require.NoError(t, pool.EnsurePlate(context.Background()))
	assert.Len(t, bucket.data, 96)

	unused, err := pool.FindUnused(context.Background())
	require.NoError(t, err)
	assert.Len(t, unused, 96)
	assert.Equal(t, "A1", unused[0])
}

func TestKVPool_EnsurePlateKeepsUsedWells(t *testing.T) {
	bucket := newFakeBucket()
	pool := NewKVPool(bucket, "OT2")
	require.NoError(t, pool.EnsurePlate(context.Background()))
	require.NoError(t, pool.MarkUsed(context.Background(), []string{"A1"}))

	// A restart reseeds missing wells only; A1 must stay consumed.
	require.NoError(t, pool.EnsurePlate(context.Background()))

	unused, err := pool.FindUnused(context.Background())
	require.NoError(t, err)
	assert.Len(t, unused, 95)
	assert.Equal(t, "A2", unused[0])
}

func TestKVPool_EmptyBucketReportsNoWells(t *testing.T) {
	pool := NewKVPool(newFakeBucket(), "OT2")

	_, err := pool.FindUnused(context.Background())
	assert.ErrorIs(t, err, errors.ErrNoWellsAvailable)
}
