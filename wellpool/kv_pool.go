package wellpool

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/SissiFeng/ot2-piloting/errors"
)

// wellRecord is the stored shape of one well's state.
type wellRecord struct {
	Well    string `json:"well"`
	Status  string `json:"status"`
	Project string `json:"project"`
}

// KVPool persists well state in a NATS JetStream KV bucket so the plate
// survives coordinator restarts. Task state itself stays in memory; only
// the consumed-well record is durable, because a replaced coordinator must
// not re-dispense into a used well.
type KVPool struct {
	bucket  jetstream.KeyValue
	project string
}

// NewKVPool creates a pool backed by the given bucket.
func NewKVPool(bucket jetstream.KeyValue, project string) *KVPool {
	return &KVPool{bucket: bucket, project: project}
}

// EnsurePlate seeds any missing wells as empty. Existing records are left
// untouched so used wells stay used across restarts.
func (p *KVPool) EnsurePlate(ctx context.Context) error {
	for _, well := range AllWells() {
		if _, err := p.bucket.Get(ctx, well); err == nil {
			continue
		} else if !stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return errors.WrapTransient(err, "KVPool", "EnsurePlate", "read well "+well)
		}
		if err := p.put(ctx, well, StatusEmpty); err != nil {
			return err
		}
	}
	return nil
}

// FindUnused implements Pool.
func (p *KVPool) FindUnused(ctx context.Context) ([]string, error) {
	keys, err := p.bucket.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, errors.ErrNoWellsAvailable
		}
		return nil, errors.WrapTransient(err, "KVPool", "FindUnused", "list wells")
	}

	var unused []string
	for _, key := range keys {
		entry, err := p.bucket.Get(ctx, key)
		if err != nil {
			return nil, errors.WrapTransient(err, "KVPool", "FindUnused", "read well "+key)
		}
		var rec wellRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			return nil, errors.WrapInvalid(err, "KVPool", "FindUnused", "decode well "+key)
		}
		if rec.Status == StatusEmpty {
			unused = append(unused, rec.Well)
		}
	}

	if len(unused) == 0 {
		return nil, errors.ErrNoWellsAvailable
	}
	SortWells(unused)
	return unused, nil
}

// MarkUsed implements Pool.
func (p *KVPool) MarkUsed(ctx context.Context, wells []string) error {
	for _, well := range wells {
		if err := p.put(ctx, well, StatusUsed); err != nil {
			return err
		}
	}
	return nil
}

func (p *KVPool) put(ctx context.Context, well, status string) error {
	data, err := json.Marshal(wellRecord{Well: well, Status: status, Project: p.project})
	if err != nil {
		return errors.WrapFatal(err, "KVPool", "put", "encode well "+well)
	}
	if _, err := p.bucket.Put(ctx, well, data); err != nil {
		return errors.WrapTransient(err, "KVPool", "put",
			fmt.Sprintf("write well %s=%s", well, status))
	}
	return nil
}
