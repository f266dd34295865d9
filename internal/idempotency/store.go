package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"mediavault/internal/cache"
	"mediavault/internal/errors"
)

const (
	keyPrefix  = "idem:"
	lockSuffix = ":lock"
	dataSuffix = ":data"
	lockTTL    = 10 * time.Second   // How long to block for a running request
	dataTTL    = 24 * 7 * time.Hour // How long to remember the success response
)

type Store struct {
	kv cache.KV
}

func NewStore(kv cache.KV) *Store {
	return &Store{kv: kv}
}

func (s *Store) SaveResponse(ctx context.Context, key string, resp IdempotencyResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return errors.New(errors.ErrInternal, "Internal error. Please contact support.", err)
	}

	// 1. Save the actual response data (Long TTL)
	if err := s.kv.Set(ctx, keyPrefix+key+dataSuffix, string(data), dataTTL); err != nil {
		return errors.New(errors.ErrInternal, "Internal error. Please contact support.", err)
	}

	// 2. Delete the lock key immediately so waiting requests can now read the data
	// We ignore the error here because if the data is saved, the transaction is effectively done.
	_ = s.kv.Del(ctx, keyPrefix+key+lockSuffix)

	return nil
}

func (s *Store) GetResponse(ctx context.Context, key string) (*IdempotencyResponse, bool, error) {
	raw, found, err := s.kv.Get(ctx, keyPrefix+key+dataSuffix)
	if err != nil || !found {
		return nil, false, err
	}

	var resp IdempotencyResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (s *Store) Lock(ctx context.Context, key string) (bool, error) {
	// 1. Check if we already have a finished response
	_, found, err := s.GetResponse(ctx, key)
	if err != nil {
		return false, err
	}
	if found {
		// If data exists, we act as if the lock failed so the middleware
		// falls through to the "B. LOCK FAILED" block, finds the data, and returns it.
		return false, nil
	}

	// 2. If no data, try to acquire lock
	return s.kv.SetNX(ctx, keyPrefix+key+lockSuffix, "1", lockTTL)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_ = s.kv.Del(ctx, keyPrefix+key+lockSuffix)
	_ = s.kv.Del(ctx, keyPrefix+key+dataSuffix)
	return nil
}
