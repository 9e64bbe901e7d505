package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeySchema(t *testing.T) {
	assert.Equal(t, "book:BTCUSDT:snapshot", snapshotKey("BTCUSDT"))
	assert.Equal(t, "book:BTCUSDT:image", imageKey("BTCUSDT"))
	assert.Equal(t, "last_price:BTCUSDT", lastPriceKey("BTCUSDT"))
	assert.Equal(t, "lock:balance:1:USDT", lockKey("balance:1:USDT"))
	assert.Equal(t, "ratelimit:submit:7", rateLimitKey("submit:7"))
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	assert.Contains(t, slidingWindowLua, "ZREMRANGEBYSCORE")
	assert.Contains(t, slidingWindowLua, "ZCARD")
}
