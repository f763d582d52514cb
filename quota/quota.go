// Package quota tracks per-user experiment allowances. The scheduler
// consults it at admission time; a user with no remaining allowance is
// rejected before any task state is created.
package quota

import (
	"context"
	stderrors "errors"
	"strconv"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/SissiFeng/ot2-piloting/errors"
)

// Service is the quota collaborator consumed by the scheduler. Reserve
// checks and decrements under the implementation's own atomicity guarantee.
type Service interface {
	// Remaining returns the user's remaining experiment allowance.
	Remaining(ctx context.Context, userID string) (int, error)

	// Decrement consumes one experiment from the user's allowance. It fails
	// with ErrQuotaExhausted if nothing remains.
	Decrement(ctx context.Context, userID string) error
}

// MemoryService is an in-process quota table with a default allowance for
// users it has not seen before.
type MemoryService struct {
	mu        sync.Mutex
	remaining map[string]int
	defaultQ  int
}

// NewMemoryService creates a quota table granting each new user defaultQuota
// experiments.
func NewMemoryService(defaultQuota int) *MemoryService {
	return &MemoryService{
		remaining: make(map[string]int),
		defaultQ:  defaultQuota,
	}
}

// Remaining implements Service.
func (s *MemoryService) Remaining(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(userID), nil
}

// Decrement implements Service.
func (s *MemoryService) Decrement(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := s.lookup(userID)
	if remaining <= 0 {
		return errors.ErrQuotaExhausted
	}
	s.remaining[userID] = remaining - 1
	return nil
}

// Set overrides a user's remaining allowance.
func (s *MemoryService) Set(userID string, remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining[userID] = remaining
}

func (s *MemoryService) lookup(userID string) int {
	if remaining, ok := s.remaining[userID]; ok {
		return remaining
	}
	s.remaining[userID] = s.defaultQ
	return s.defaultQ
}

// KVService persists allowances in a NATS JetStream KV bucket, using
// revision-checked updates so concurrent decrements cannot double-spend.
type KVService struct {
	bucket   jetstream.KeyValue
	defaultQ int
}

// NewKVService creates a KV-backed quota service.
func NewKVService(bucket jetstream.KeyValue, defaultQuota int) *KVService {
	return &KVService{bucket: bucket, defaultQ: defaultQuota}
}

// Remaining implements Service.
func (s *KVService) Remaining(ctx context.Context, userID string) (int, error) {
	entry, err := s.bucket.Get(ctx, userID)
	if stderrors.Is(err, jetstream.ErrKeyNotFound) {
		return s.defaultQ, nil
	}
	if err != nil {
		return 0, errors.WrapTransient(err, "KVService", "Remaining", "read quota")
	}

	remaining, err := strconv.Atoi(string(entry.Value()))
	if err != nil {
		return 0, errors.WrapInvalid(err, "KVService", "Remaining", "decode quota")
	}
	return remaining, nil
}

// Decrement implements Service. The read-modify-write runs under a CAS on
// the entry revision and retries on contention.
func (s *KVService) Decrement(ctx context.Context, userID string) error {
	const maxAttempts = 10

	for attempt := 0; attempt < maxAttempts; attempt++ {
		entry, err := s.bucket.Get(ctx, userID)
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			if s.defaultQ <= 0 {
				return errors.ErrQuotaExhausted
			}
			_, err := s.bucket.Create(ctx, userID, []byte(strconv.Itoa(s.defaultQ-1)))
			if err == nil {
				return nil
			}
			// Lost the create race; reread and CAS.
			continue
		}
		if err != nil {
			return errors.WrapTransient(err, "KVService", "Decrement", "read quota")
		}

		remaining, err := strconv.Atoi(string(entry.Value()))
		if err != nil {
			return errors.WrapInvalid(err, "KVService", "Decrement", "decode quota")
		}
		if remaining <= 0 {
			return errors.ErrQuotaExhausted
		}

		_, err = s.bucket.Update(ctx, userID, []byte(strconv.Itoa(remaining-1)), entry.Revision())
		if err == nil {
			return nil
		}
		// Revision conflict; retry.
	}

	return errors.WrapTransient(
		errors.ErrConnectionTimeout,
		"KVService", "Decrement", "CAS retries exhausted")
}
