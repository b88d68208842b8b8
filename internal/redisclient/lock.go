package redisclient

import (
	"context"
	"fmt"
	"time"

	"commerce-service/internal/lock"
	"commerce-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LockManager implements lock.Manager with SET NX PX and an owner token.
type LockManager struct {
	client   *Client
	lease    time.Duration
	interval time.Duration
	logger   *zap.Logger
}

func NewLockManager(client *Client, lease, retryInterval time.Duration) *LockManager {
	return &LockManager{
		client:   client,
		lease:    lease,
		interval: retryInterval,
		logger:   util.Named("lock"),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// TryAcquire polls until the key is free or timeout elapses.
func (m *LockManager) TryAcquire(ctx context.Context, key string, timeout time.Duration) (lock.Lease, error) {
	token := uuid.New().String()

	err := lock.Poll(ctx, key, timeout, m.interval, func() (bool, error) {
		ok, err := m.client.rdb.SetNX(ctx, lockKey(key), token, m.lease).Result()
		if err != nil {
			return false, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	return &redisLease{m: m, key: key, token: token}, nil
}

type redisLease struct {
	m     *LockManager
	key   string
	token string
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Release(ctx context.Context) error {
	deleted, err := l.m.client.releaseScript.Run(ctx, l.m.client.rdb, []string{lockKey(l.key)}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if deleted == 0 {
		l.m.logger.Warn("Lock release by non-holder ignored", zap.String("key", l.key))
	}
	return nil
}
