package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cexcore/internal/domain"
)

// BookCache implements domain.SnapshotCache and domain.ImageStore. Snapshots
// and images are JSON strings; the last trade price is a plain decimal string.
//
// Key schema:
//
//	book:{symbol}:snapshot  - aggregated BookSnapshot
//	book:{symbol}:image     - BookImage (resting orders)
//	last_price:{symbol}     - last trade price
type BookCache struct {
	rdb         *redis.Client
	snapshotTTL time.Duration
}

// NewBookCache creates a BookCache. Snapshots expire after snapshotTTL when it
// is positive; images and prices never expire.
func NewBookCache(c *Client, snapshotTTL time.Duration) *BookCache {
	return &BookCache{rdb: c.Underlying(), snapshotTTL: snapshotTTL}
}

func snapshotKey(symbol string) string  { return "book:" + symbol + ":snapshot" }
func imageKey(symbol string) string     { return "book:" + symbol + ":image" }
func lastPriceKey(symbol string) string { return "last_price:" + symbol }

// setIfNewer only overwrites the stored document when its seq is not greater
// than the incoming one, so a slow writer cannot roll a book back.
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, doc = pcall(cjson.decode, cur)
  if ok and doc.seq and tonumber(doc.seq) > tonumber(ARGV[2]) then
    return 0
  end
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

func (bc *BookCache) put(ctx context.Context, key string, seq uint64, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return setIfNewer.Run(ctx, bc.rdb, []string{key}, data, seq, ttl.Milliseconds()).Err()
}

func (bc *BookCache) get(ctx context.Context, key string, v any) error {
	data, err := bc.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SetSnapshot stores snap unless a newer one is already cached.
func (bc *BookCache) SetSnapshot(ctx context.Context, snap domain.BookSnapshot) error {
	if err := bc.put(ctx, snapshotKey(snap.Symbol), snap.Seq, snap, bc.snapshotTTL); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", snap.Symbol, err)
	}
	return nil
}

// GetSnapshot returns the cached snapshot or domain.ErrNotFound.
func (bc *BookCache) GetSnapshot(ctx context.Context, symbol string) (domain.BookSnapshot, error) {
	var snap domain.BookSnapshot
	if err := bc.get(ctx, snapshotKey(symbol), &snap); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.BookSnapshot{}, err
		}
		return domain.BookSnapshot{}, fmt.Errorf("redis: get snapshot %s: %w", symbol, err)
	}
	return snap, nil
}

// SetLastPrice records the last trade price.
func (bc *BookCache) SetLastPrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	if err := bc.rdb.Set(ctx, lastPriceKey(symbol), price.String(), 0).Err(); err != nil {
		return fmt.Errorf("redis: set last price %s: %w", symbol, err)
	}
	return nil
}

// GetLastPrice returns the last trade price or domain.ErrNotFound.
func (bc *BookCache) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s, err := bc.rdb.Get(ctx, lastPriceKey(symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, domain.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: get last price %s: %w", symbol, err)
	}
	p, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: parse last price %s: %w", symbol, err)
	}
	return p, nil
}

// SaveImage stores img unless a newer image is already saved.
func (bc *BookCache) SaveImage(ctx context.Context, img domain.BookImage) error {
	if err := bc.put(ctx, imageKey(img.Symbol), img.Seq, img, 0); err != nil {
		return fmt.Errorf("redis: save image %s: %w", img.Symbol, err)
	}
	return nil
}

// LoadImage returns the saved image or domain.ErrNotFound.
func (bc *BookCache) LoadImage(ctx context.Context, symbol string) (domain.BookImage, error) {
	var img domain.BookImage
	if err := bc.get(ctx, imageKey(symbol), &img); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.BookImage{}, err
		}
		return domain.BookImage{}, fmt.Errorf("redis: load image %s: %w", symbol, err)
	}
	return img, nil
}

var (
	_ domain.SnapshotCache = (*BookCache)(nil)
	_ domain.ImageStore    = (*BookCache)(nil)
)
