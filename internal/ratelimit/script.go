package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"
)

// checkWindowsScript purges, counts, decides and records all three windows in
// one server-side step. ARGV: now, member, then (cutoff, ttlMs, quota) per window.
var checkWindowsScript = r.NewScript(`
local now = ARGV[1]
local member = ARGV[2]
local counts = {}
local exceeded = {}
local allowed = 1
for i = 1, 3 do
	local base = 2 + (i - 1) * 3
	redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', ARGV[base + 1])
	local c = redis.call('ZCARD', KEYS[i])
	counts[i] = c
	if c + 1 > tonumber(ARGV[base + 3]) then
		exceeded[i] = 1
		allowed = 0
	else
		exceeded[i] = 0
	end
end
for i = 1, 3 do
	local base = 2 + (i - 1) * 3
	if exceeded[i] == 0 then
		redis.call('ZADD', KEYS[i], now, member)
	end
	redis.call('PEXPIRE', KEYS[i], ARGV[base + 2])
end
return {allowed, counts[1], counts[2], counts[3], exceeded[1], exceeded[2], exceeded[3]}
`)

func (l *Limiter) checkScript(
	ctx context.Context, callerID, member string, limits [3]int64, now time.Time,
) (counts [3]int64, exceeded [3]bool, err error) {
	keys := l.keys(callerID)
	nowMs := now.UnixMilli()

	args := make([]interface{}, 0, 2+3*len(windows))
	args = append(args, nowMs, member)
	for i, w := range windows {
		args = append(args,
			"("+strconv.FormatInt(nowMs-w.dur.Milliseconds(), 10),
			(w.dur + l.opts.ExpiryPadding).Milliseconds(),
			limits[i],
		)
	}

	vals, err := checkWindowsScript.Run(ctx, l.rdb, keys[:], args...).Int64Slice()
	if err != nil {
		return counts, exceeded, err
	}
	if len(vals) != 7 {
		return counts, exceeded, fmt.Errorf("unexpected script reply length %d", len(vals))
	}
	for i := range windows {
		counts[i] = vals[1+i]
		exceeded[i] = vals[4+i] == 1
	}
	return counts, exceeded, nil
}
