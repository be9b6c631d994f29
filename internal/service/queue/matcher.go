package queue

import (
	"context"
	"strconv"
	"time"

	"duo-service/pkg/logger"
	netutil "duo-service/pkg/utils/net"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Start launches the background matcher. It sweeps every active bucket,
// expires members that waited past the queue timeout and pairs the
// leftovers the immediate-match branch raced past.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.runMatcher(ctx)
	})
}

func (s *Service) runMatcher(ctx context.Context) {
	logger.Log.Info("duo matcher started",
		zap.Duration("interval", s.cfg.MatcherInterval),
	)

	ticker := time.NewTicker(s.cfg.MatcherInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("duo matcher stopped")
			return
		case <-ticker.C:
			if err := s.sweepBuckets(ctx); err != nil {
				logger.Log.Warn("matcher sweep error", zap.Error(err))
			}
		}
	}
}

func (s *Service) sweepBuckets(ctx context.Context) error {
	buckets, err := s.rdb.SMembers(ctx, bucketsKey).Result()
	if err != nil && err != redis.Nil {
		return err
	}

	for _, bucket := range buckets {
		if err := s.cleanupExpired(ctx, bucket); err != nil {
			logger.Log.Warn("queue cleanup error",
				zap.String("bucket", bucket),
				zap.Error(err),
			)
		}
		if err := s.pairBucket(ctx, bucket); err != nil {
			logger.Log.Warn("matcher pair error",
				zap.String("bucket", bucket),
				zap.Error(err),
			)
		}

		count, err := s.rdb.ZCard(ctx, bucket).Result()
		if err == nil && count == 0 {
			s.rdb.SRem(ctx, bucketsKey, bucket)
		}
	}
	return nil
}

func (s *Service) pairBucket(ctx context.Context, bucket string) error {
	raws, err := s.rdb.ZRange(ctx, bucket, 0, int64(s.cfg.CandidateLimit-1)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}
	if len(raws) < 2 {
		return nil
	}

	candidates := make([]queueMember, 0, len(raws))
	for _, raw := range raws {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		member, err := s.loadQueueMemberByBucket(ctx, bucket, userID)
		if err != nil {
			if err == errQueueMemberNotFound {
				s.rdb.ZRem(ctx, bucket, raw)
				continue
			}
			return err
		}
		candidates = append(candidates, member)
	}

	// Longest waiting member first, scan forward for a partner.
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if !compatible(candidates[i], candidates[j]) {
				continue
			}
			if err := s.pairTwo(ctx, bucket, candidates[i], candidates[j]); err != nil {
				return err
			}
			// Both consumed, re-scan on the next tick.
			return s.pairBucket(ctx, bucket)
		}
	}
	return nil
}

func (s *Service) pairTwo(ctx context.Context, bucket string, a, b queueMember) error {
	for _, member := range []queueMember{a, b} {
		removed, err := s.rdb.ZRem(ctx, bucket, strconv.FormatInt(member.UserID, 10)).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			// Someone else claimed the member between ZRange and here.
			return nil
		}
		s.removeQueueMember(ctx, member)
		s.rdb.Del(ctx, buildUserBucketKey(member.UserID))
	}

	match, _, err := s.createMatch(ctx, a, b)
	if err != nil {
		s.requeueMember(ctx, a)
		s.requeueMember(ctx, b)
		return err
	}

	logger.Log.Info("match composed",
		zap.Int64("matchID", match.ID),
		zap.Int64("userA", a.UserID),
		zap.Int64("userB", b.UserID),
		zap.String("bucket", bucket),
	)
	return nil
}

func (s *Service) cleanupExpired(ctx context.Context, bucket string) error {
	if s.cfg.QueueTimeout <= 0 {
		return nil
	}
	deadline := time.Now().Add(-s.cfg.QueueTimeout).UnixMilli()
	maxScore := strconv.FormatFloat(float64(deadline), 'f', 0, 64)

	raws, err := s.rdb.ZRangeByScore(ctx, bucket, &redis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}

	for _, raw := range raws {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if err := s.Leave(ctx, userID, "timeout"); err != nil {
			logger.Log.Warn("queue timeout cleanup failed",
				zap.Int64("userID", userID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// compatible decides whether two members of the same bucket may be
// paired. The bucket already guarantees same game and mode; competitive
// pairs additionally avoid clients on the same /24 subnet.
func compatible(a, b queueMember) bool {
	if a.UserID == b.UserID {
		return false
	}
	if a.Mode == ModeCompetitive && netutil.SameSubnet24(a.IP, b.IP) {
		return false
	}
	return true
}
