package lock

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"dispatchcore/internal/core"
)

// StoreLockManager implements core.ILockManager on top of any
// core.IStateStore's CompareAndSwap, for single-replica deployments that run
// without a Redis sidecar. Fencing tokens come from a per-name counter kept
// under its own key with no expiry, so they keep increasing across releases
// and lease expiries; the granted token is also persisted with the holder.
type StoreLockManager struct {
	store core.IStateStore
}

// NewStoreLockManager builds a StoreLockManager over store.
func NewStoreLockManager(store core.IStateStore) *StoreLockManager {
	return &StoreLockManager{store: store}
}

func storeLockKey(name string) string { return "lock:" + name }

func encodeHolder(holderID string, token int64) []byte {
	buf := make([]byte, 8+len(holderID))
	binary.BigEndian.PutUint64(buf, uint64(token))
	copy(buf[8:], holderID)
	return buf
}

func decodeHolder(payload []byte) (holderID string, token int64) {
	if len(payload) < 8 {
		return "", 0
	}
	return string(payload[8:]), int64(binary.BigEndian.Uint64(payload))
}

// Acquire attempts to insert-if-absent-or-expired; the underlying store's
// Get and CAS already treat an expired entry as absent, so a live lock is
// denied whoever holds it.
func (lm *StoreLockManager) Acquire(ctx context.Context, name string, ttl time.Duration, holderID string) (int64, bool, error) {
	key := storeLockKey(name)
	counterKey := "lock_fencing:" + name

	_, found, err := lm.store.Get(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("lock: read %q: %w", name, err)
	}
	if found {
		return 0, false, nil
	}

	var prevToken int64
	counter, counterFound, err := lm.store.Get(ctx, counterKey)
	if err != nil {
		return 0, false, fmt.Errorf("lock: read fencing counter %q: %w", name, err)
	}
	if counterFound {
		_, prevToken = decodeHolder(counter.Payload)
	}
	nextToken := prevToken + 1

	newValue := core.StoredValue{Payload: encodeHolder(holderID, nextToken), ExpiresAt: time.Now().Add(ttl)}

	result, err := lm.store.CompareAndSwap(ctx, key, nil, newValue)
	if err != nil {
		return 0, false, fmt.Errorf("lock: cas %q: %w", name, err)
	}
	if result == core.CASConflict {
		return 0, false, nil
	}
	if err := lm.store.Put(ctx, counterKey, core.StoredValue{Payload: encodeHolder("", nextToken)}); err != nil {
		return 0, false, fmt.Errorf("lock: record fencing token %q: %w", name, err)
	}
	return nextToken, true, nil
}

// Renew extends holderID's lease if it is still the current holder.
func (lm *StoreLockManager) Renew(ctx context.Context, name string, holderID string, newTTL time.Duration) (bool, error) {
	key := storeLockKey(name)

	existing, found, err := lm.store.Get(ctx, key)
	if err != nil {
		return true, fmt.Errorf("lock: read %q: %w", name, err)
	}
	if !found {
		return true, nil
	}

	currentHolder, token := decodeHolder(existing.Payload)
	if currentHolder != holderID {
		return true, nil
	}

	newValue := core.StoredValue{Payload: encodeHolder(holderID, token), ExpiresAt: time.Now().Add(newTTL)}
	result, err := lm.store.CompareAndSwap(ctx, key, &existing, newValue)
	if err != nil {
		return true, fmt.Errorf("lock: renew cas %q: %w", name, err)
	}
	return result == core.CASConflict, nil
}

// Release removes the lock if holderID is still the current holder.
func (lm *StoreLockManager) Release(ctx context.Context, name string, holderID string) error {
	key := storeLockKey(name)

	existing, found, err := lm.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("lock: read %q: %w", name, err)
	}
	if !found {
		return nil
	}

	currentHolder, _ := decodeHolder(existing.Payload)
	if currentHolder != holderID {
		return nil
	}
	return lm.store.Delete(ctx, key)
}

var _ core.ILockManager = (*StoreLockManager)(nil)
