package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"commerce-service/internal/models"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/save_snapshot.lua
var saveSnapshotScript string

type Client struct {
	rdb            *redis.Client
	releaseScript  *redis.Script
	snapshotScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return Wrap(rdb), nil
}

// Wrap builds a Client around an existing connection.
func Wrap(rdb *redis.Client) *Client {
	return &Client{
		rdb:            rdb,
		releaseScript:  redis.NewScript(releaseLockScript),
		snapshotScript: redis.NewScript(saveSnapshotScript),
	}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func snapshotKey(productID string) string {
	return "inventory:" + productID
}

// SaveStockSnapshot caches the committed stock of a product. A snapshot with
// a lower version than the cached one is ignored.
func (c *Client) SaveStockSnapshot(ctx context.Context, productID string, stock models.StockQuantity, version int) error {
	_, err := c.snapshotScript.Run(ctx, c.rdb, []string{snapshotKey(productID)},
		stock.Available, stock.Reserved, version).Result()
	if err != nil {
		return fmt.Errorf("save snapshot script failed: %w", err)
	}
	return nil
}

// GetStockSnapshot returns the cached stock and its version. found is false on
// a cache miss.
func (c *Client) GetStockSnapshot(ctx context.Context, productID string) (stock models.StockQuantity, version int, found bool, err error) {
	result, err := c.rdb.HGetAll(ctx, snapshotKey(productID)).Result()
	if err != nil {
		return models.StockQuantity{}, 0, false, err
	}
	if len(result) == 0 {
		return models.StockQuantity{}, 0, false, nil
	}

	available, err := strconv.Atoi(result["available"])
	if err != nil {
		return models.StockQuantity{}, 0, false, fmt.Errorf("corrupt snapshot for %s: %w", productID, err)
	}
	reserved, err := strconv.Atoi(result["reserved"])
	if err != nil {
		return models.StockQuantity{}, 0, false, fmt.Errorf("corrupt snapshot for %s: %w", productID, err)
	}
	version, err = strconv.Atoi(result["version"])
	if err != nil {
		return models.StockQuantity{}, 0, false, fmt.Errorf("corrupt snapshot for %s: %w", productID, err)
	}

	return models.StockQuantity{Available: available, Reserved: reserved}, version, true, nil
}

// InvalidateStockSnapshot drops the cached stock of a product.
func (c *Client) InvalidateStockSnapshot(ctx context.Context, productID string) error {
	return c.rdb.Del(ctx, snapshotKey(productID)).Err()
}

func idempotencyKey(key string) string {
	return "idempotency:" + key
}

// RememberIdempotencyKey claims key with value. It returns false if the key
// was already taken.
func (c *Client) RememberIdempotencyKey(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, idempotencyKey(key), value, ttl).Result()
}

// StoreIdempotencyKey overwrites the value of a claimed key.
func (c *Client) StoreIdempotencyKey(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, idempotencyKey(key), value, ttl).Err()
}

// ForgetIdempotencyKey releases a claim so the request can be retried.
func (c *Client) ForgetIdempotencyKey(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, idempotencyKey(key)).Err()
}

// LookupIdempotencyKey returns the value stored under key, if any.
func (c *Client) LookupIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, idempotencyKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
