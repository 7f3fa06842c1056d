package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okian/slotrank/pkg/logger"
	"github.com/okian/slotrank/pkg/metrics"
)

// DefaultRedisKey is the sorted-set key used when none is configured.
const DefaultRedisKey = "gpu_leaderboard"

// recordScript assigns an insertion sequence on first sight of a member and
// then writes its score. KEYS: zset, seq hash, counter. ARGV: member, score.
var recordScript = redis.NewScript(`
local seq = redis.call('HGET', KEYS[2], ARGV[1])
if not seq then
	seq = redis.call('INCR', KEYS[3])
	redis.call('HSET', KEYS[2], ARGV[1], seq)
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return seq
`)

// RedisCache is a Cache on a Redis sorted set.
//
// Redis orders equal scores lexicographically by member, so the insertion
// sequence lives in a companion hash and ties are resolved client side.
type RedisCache struct {
	client     redis.UniversalClient
	key        string
	ownsClient bool
	log        logger.Logger
}

// NewRedisCache wraps client.
func NewRedisCache(client redis.UniversalClient, opts ...RedisOption) *RedisCache {
	c := &RedisCache{
		client: client,
		key:    DefaultRedisKey,
		log:    logger.Get().Named("redis-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) seqKey() string     { return c.key + ":seq" }
func (c *RedisCache) counterKey() string { return c.key + ":counter" }

func (c *RedisCache) unavailable(op string, err error) error {
	metrics.RecordCacheError(op)
	return fmt.Errorf("%w: %s: %w", ErrCacheUnavailable, op, err)
}

func member(id int64) string { return strconv.FormatInt(id, 10) }

func formatScore(score float64) string { return strconv.FormatFloat(score, 'f', -1, 64) }

// Record implements Cache.
func (c *RedisCache) Record(ctx context.Context, id int64, score float64) error {
	keys := []string{c.key, c.seqKey(), c.counterKey()}
	if err := recordScript.Run(ctx, c.client, keys, member(id), formatScore(score)).Err(); err != nil {
		return c.unavailable("record", err)
	}
	metrics.RecordCacheWrite()
	return nil
}

type rankedMember struct {
	Entry
	seq int64
}

// Top implements Cache.
func (c *RedisCache) Top(ctx context.Context, n int) ([]Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordCacheQueryLatency(metrics.SinceMs(start)) }()

	if n < 1 {
		return nil, ErrInvalidLimit
	}

	head, err := c.client.ZRevRangeWithScores(ctx, c.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, c.unavailable("top", err)
	}
	if len(head) == 0 {
		return []Entry{}, nil
	}

	candidates := make(map[string]float64, len(head))
	for _, z := range head {
		candidates[z.Member.(string)] = z.Score
	}
	// A full page may cut through a run of equal scores; pull the whole run
	// so the earliest insertions win the remaining places.
	if len(head) == n {
		boundary := formatScore(head[len(head)-1].Score)
		tied, err := c.client.ZRangeByScore(ctx, c.key, &redis.ZRangeBy{Min: boundary, Max: boundary}).Result()
		if err != nil {
			return nil, c.unavailable("top", err)
		}
		for _, m := range tied {
			candidates[m] = head[len(head)-1].Score
		}
	}

	ranked, err := c.withSeq(ctx, candidates)
	if err != nil {
		return nil, c.unavailable("top", err)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].seq < ranked[j].seq
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	out := make([]Entry, len(ranked))
	for i, r := range ranked {
		out[i] = r.Entry
	}
	return out, nil
}

// withSeq loads insertion sequences for members.
func (c *RedisCache) withSeq(ctx context.Context, members map[string]float64) ([]rankedMember, error) {
	names := make([]string, 0, len(members))
	for m := range members {
		names = append(names, m)
	}
	seqs, err := c.client.HMGet(ctx, c.seqKey(), names...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]rankedMember, 0, len(names))
	for i, name := range names {
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			c.log.Warn(ctx, "skipping foreign ranking member", logger.String("member", name))
			continue
		}
		out = append(out, rankedMember{
			Entry: Entry{SubmissionID: id, Score: members[name]},
			seq:   parseSeq(seqs[i]),
		})
	}
	return out, nil
}

// parseSeq returns the stored sequence; members without one sort last.
func parseSeq(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return int64(^uint64(0) >> 1)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return int64(^uint64(0) >> 1)
	}
	return n
}

// Rank implements Cache.
func (c *RedisCache) Rank(ctx context.Context, id int64) (int, error) {
	m := member(id)
	score, err := c.client.ZScore(ctx, c.key, m).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, c.unavailable("rank", err)
	}

	s := formatScore(score)
	higher, err := c.client.ZCount(ctx, c.key, "("+s, "+inf").Result()
	if err != nil {
		return 0, c.unavailable("rank", err)
	}
	tied, err := c.client.ZRangeByScore(ctx, c.key, &redis.ZRangeBy{Min: s, Max: s}).Result()
	if err != nil {
		return 0, c.unavailable("rank", err)
	}
	candidates := make(map[string]float64, len(tied))
	for _, t := range tied {
		candidates[t] = score
	}
	ranked, err := c.withSeq(ctx, candidates)
	if err != nil {
		return 0, c.unavailable("rank", err)
	}

	var own int64
	for _, r := range ranked {
		if r.SubmissionID == id {
			own = r.seq
		}
	}
	ahead := 0
	for _, r := range ranked {
		if r.SubmissionID != id && r.seq < own {
			ahead++
		}
	}
	return int(higher) + ahead + 1, nil
}

// Len implements Cache.
func (c *RedisCache) Len(ctx context.Context) (int, error) {
	n, err := c.client.ZCard(ctx, c.key).Result()
	if err != nil {
		return 0, c.unavailable("len", err)
	}
	metrics.UpdateCacheEntries(int(n))
	return int(n), nil
}

// Ping implements Cache.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return c.unavailable("ping", err)
	}
	return nil
}

// Close closes the client when the cache owns it.
func (c *RedisCache) Close() error {
	if !c.ownsClient {
		return nil
	}
	return c.client.Close()
}

var _ Cache = (*RedisCache)(nil)
