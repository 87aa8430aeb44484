package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	rediskey "stock_reserve/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

// luaRateLimit: sliding-window limiter as one atomic redis script.
// KEYS[1]=bucket key, ARGV[1]=now, ARGV[2]=window start, ARGV[3]=window
// seconds, ARGV[4]=member, ARGV[5]=limit. Returns the count inside the
// window, or -1 when over the limit.
const luaRateLimit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowSec = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

local count = redis.call('ZCARD', key)

if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, windowSec)
  return count + 1
else
  return -1
end
`

// CheckoutRateLimit buckets checkout attempts per requester, falling
// back to the client IP when the body carries no requester id. Redis
// being down degrades to letting requests through: the reservation
// transaction still enforces correctness, the limiter only sheds load.
func CheckoutRateLimit(rdb *rd.Client, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		requester, err := extractRequesterID(c)

		var key string
		if err == nil && requester != "" {
			key = rediskey.RateLimitKey("requester", requester)
		} else {
			key = rediskey.RateLimitKey("ip", c.ClientIP())
		}

		now := time.Now().Unix()
		windowSec := int64(window.Seconds())
		windowStart := now - windowSec
		member := time.Now().Format("20060102150405.000000000")

		res, err := rdb.Eval(c.Request.Context(), luaRateLimit, []string{key},
			now, windowStart, windowSec, member, limit).Int()
		if err != nil {
			c.Next()
			return
		}

		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": 429,
				"msg":  "too many checkout attempts, slow down",
			})
			return
		}
		c.Next()
	}
}

// extractRequesterID peeks requester_id from the JSON body without
// consuming it, so the handler can still bind.
func extractRequesterID(c *gin.Context) (string, error) {
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}

	c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	var req struct {
		RequesterID string `json:"requester_id"`
	}
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		return "", err
	}
	return req.RequesterID, nil
}
