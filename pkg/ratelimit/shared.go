package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisKeyLastGrant holds the lease marking the most recent grant.
const RedisKeyLastGrant = "portal:rate_governor:last_grant"

// minPoll bounds the retry loop when the lease vanished between SETNX and PTTL.
const minPoll = 10 * time.Millisecond

// Shared is a Governor whose state lives in Redis, so several processes using
// the same API key respect one minimum interval.
//
// A grant is a SET NX lease with TTL = minInterval. While the lease exists no
// other caller can be granted; a waiting caller sleeps for the lease's
// remaining TTL and tries again.
type Shared struct {
	redis       *redis.Client
	key         string
	minInterval time.Duration
	sleep       SleepFunc
	logger      zerolog.Logger
}

// NewShared creates a Redis-backed governor.
func NewShared(redisClient *redis.Client, minInterval time.Duration, logger zerolog.Logger) *Shared {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Shared{
		redis:       redisClient,
		key:         RedisKeyLastGrant,
		minInterval: minInterval,
		sleep:       Sleep,
		logger:      logger,
	}
}

// AcquireSlot implements Governor.
func (s *Shared) AcquireSlot(ctx context.Context) error {
	start := time.Now()
	for {
		token := strconv.FormatInt(time.Now().UnixNano(), 10)
		ok, err := s.redis.SetNX(ctx, s.key, token, s.minInterval).Result()
		if err != nil {
			return fmt.Errorf("acquire rate slot: %w", err)
		}
		if ok {
			governorGrantsTotal.WithLabelValues("shared").Inc()
			governorWaitSeconds.WithLabelValues("shared").Observe(time.Since(start).Seconds())
			return nil
		}

		ttl, err := s.redis.PTTL(ctx, s.key).Result()
		if err != nil {
			return fmt.Errorf("read rate slot ttl: %w", err)
		}
		if ttl < minPoll {
			ttl = minPoll
		}

		s.logger.Debug().
			Dur("wait", ttl).
			Msg("Rate slot held elsewhere, waiting")

		if err := s.sleep(ctx, ttl); err != nil {
			return err
		}
	}
}
