// Package lock provides per-resource mutual exclusion with lease semantics.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"commerce-service/internal/util"

	"go.uber.org/zap"
)

// ErrResourceBusy is returned when a lock could not be acquired before the
// acquire timeout elapsed. Callers should retry later.
var ErrResourceBusy = errors.New("resource busy")

// Lease is a held lock. It expires on its own once the lease duration passes.
type Lease interface {
	Key() string
	// Release frees the lock if this lease still owns it. Releasing a lock
	// that expired or now belongs to another holder is a logged no-op.
	Release(ctx context.Context) error
}

// Manager hands out leases on resource keys.
type Manager interface {
	// TryAcquire blocks for at most timeout. It returns ErrResourceBusy when
	// the key stays held by someone else for the whole wait.
	TryAcquire(ctx context.Context, key string, timeout time.Duration) (Lease, error)
}

// ProductKey is the single lock key shared by every stock mutation on a product.
func ProductKey(productID string) string {
	return "stock:" + productID
}

// WithLock runs fn while holding key.
func WithLock(ctx context.Context, m Manager, key string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := time.Now()
	lease, err := m.TryAcquire(ctx, key, timeout)
	util.LockAcquireLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, ErrResourceBusy) {
			util.LockBusyTotal.Inc()
		}
		return err
	}
	defer func() {
		// release on a fresh context so a cancelled caller still frees the key
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			util.GetLogger().Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}()

	return fn(ctx)
}

func busy(key string, timeout time.Duration) error {
	return fmt.Errorf("%w: lock %s not acquired within %s", ErrResourceBusy, key, timeout)
}

// Poll retries attempt every interval until it succeeds, the deadline passes
// or ctx is done. Store-specific managers build TryAcquire on top of it.
func Poll(ctx context.Context, key string, timeout, interval time.Duration, attempt func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := attempt()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return busy(key, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
