package domain

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotCache stores the latest published book snapshot per symbol and the
// last trade price.
type SnapshotCache interface {
	SetSnapshot(ctx context.Context, snap BookSnapshot) error
	GetSnapshot(ctx context.Context, symbol string) (BookSnapshot, error)
	SetLastPrice(ctx context.Context, symbol string, price decimal.Decimal) error
	GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// ImageStore is the durable store of rebuildable book images. Load returns
// ErrNotFound when no image was ever written for the symbol.
type ImageStore interface {
	SaveImage(ctx context.Context, img BookImage) error
	LoadImage(ctx context.Context, symbol string) (BookImage, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Signal bus channel and stream names.
func BookChannel(symbol string) string   { return "ch:book:" + symbol }
func TradeChannel(symbol string) string  { return "ch:trade:" + symbol }
func BalanceChannel(userID int64) string { return "ch:balance:" + strconv.FormatInt(userID, 10) }
func TradeStream(symbol string) string   { return "stream:trades:" + symbol }

// DegradedStream receives one entry per settlement event that failed.
const DegradedStream = "stream:settlement:degraded"
