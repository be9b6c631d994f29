package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"duo-service/internal/config"
	"duo-service/internal/model"
	appErr "duo-service/pkg/errors"
	"duo-service/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var errQueueMemberNotFound = errors.New("queue member not found")

type Config struct {
	QueueLockTTL    time.Duration
	QueueMemberTTL  time.Duration
	QueueTimeout    time.Duration
	NotifyTTL       time.Duration
	MatcherInterval time.Duration
	CandidateLimit  int
}

func defaultConfig() Config {
	return Config{
		QueueLockTTL:    10 * time.Second,
		QueueMemberTTL:  3 * time.Minute,
		QueueTimeout:    3 * time.Minute,
		NotifyTTL:       5 * time.Minute,
		MatcherInterval: 500 * time.Millisecond,
		CandidateLimit:  10,
	}
}

type Service struct {
	db  *gorm.DB
	rdb *redis.Client
	cfg Config

	startOnce sync.Once
}

func NewService(db *gorm.DB, rdb *redis.Client) *Service {
	return &Service{
		db:  db,
		rdb: rdb,
		cfg: defaultConfig(),
	}
}

// ApplyConfig overrides the defaults with any non-zero values from the
// loaded config file.
func (s *Service) ApplyConfig(mc config.MatchmakingConfig) {
	if mc.MatcherInterval > 0 {
		s.cfg.MatcherInterval = mc.MatcherInterval
	}
	if mc.QueueMemberTTL > 0 {
		s.cfg.QueueMemberTTL = mc.QueueMemberTTL
	}
	if mc.QueueTimeout > 0 {
		s.cfg.QueueTimeout = mc.QueueTimeout
	}
	if mc.NotifyTTL > 0 {
		s.cfg.NotifyTTL = mc.NotifyTTL
	}
}

// Join puts a player into the duo queue for their (game, mode) bucket.
// If a compatible opponent is already waiting the pairing happens right
// here and the joiner is never written into the queue, so no stale entry
// is left behind for the matcher to double-pair.
func (s *Service) Join(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	if strings.TrimSpace(req.Prefs.Game) == "" {
		return nil, appErr.ErrInvalidGame
	}
	if req.Prefs.Mode != ModeCasual && req.Prefs.Mode != ModeCompetitive {
		return nil, appErr.ErrInvalidMode
	}

	user, err := s.loadUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(user.Status, "banned") {
		return nil, appErr.ErrUserBanned
	}

	// A pairing that is already waiting for this user wins over a fresh join.
	if payload, err := s.loadNotify(ctx, req.UserID); err != nil {
		return nil, err
	} else if payload != nil {
		return &JoinResult{
			Status:   JoinStatusMatched,
			MatchID:  payload.MatchID,
			Opponent: &payload.Opponent,
		}, nil
	}

	bucket := buildBucketKey(req.Prefs.Game, req.Prefs.Mode)
	memberID := strconv.FormatInt(req.UserID, 10)

	if _, err := s.rdb.ZScore(ctx, bucket, memberID).Result(); err == nil {
		return nil, appErr.ErrAlreadyInQueue
	} else if err != redis.Nil {
		return nil, err
	}

	lockKey := buildQueueLockKey(req.UserID)
	gotLock, err := s.rdb.SetNX(ctx, lockKey, req.Prefs.Game, s.cfg.QueueLockTTL).Result()
	if err != nil {
		return nil, err
	}
	if !gotLock {
		return nil, appErr.ErrQueueProcessing
	}
	defer s.rdb.Del(ctx, lockKey)

	joiner := queueMember{
		UserID:     req.UserID,
		Game:       req.Prefs.Game,
		Mode:       req.Prefs.Mode,
		MicEnabled: req.Prefs.MicEnabled,
		IP:         req.IP,
		JoinedAt:   time.Now(),
	}

	// Immediate-match branch: grab the longest-waiting compatible member.
	opponent, err := s.popCompatible(ctx, bucket, joiner)
	if err != nil {
		return nil, err
	}
	if opponent != nil {
		match, summaries, err := s.createMatch(ctx, joiner, *opponent)
		if err != nil {
			// Put the popped member back so they are not silently lost.
			s.requeueMember(ctx, *opponent)
			return nil, err
		}
		logger.Log.Info("immediate match",
			zap.Int64("matchID", match.ID),
			zap.Int64("joiner", joiner.UserID),
			zap.Int64("opponent", opponent.UserID),
		)
		return &JoinResult{
			Status:   JoinStatusMatched,
			MatchID:  match.ID,
			Opponent: summaries[joiner.UserID],
		}, nil
	}

	if err := s.saveQueueMember(ctx, joiner); err != nil {
		return nil, err
	}

	score := float64(time.Now().UnixMilli())
	if err := s.rdb.ZAdd(ctx, bucket, redis.Z{
		Score:  score,
		Member: memberID,
	}).Err(); err != nil {
		s.removeQueueMember(ctx, joiner)
		return nil, err
	}
	s.rdb.SAdd(ctx, bucketsKey, bucket)
	s.rdb.Set(ctx, buildUserBucketKey(req.UserID), bucket, s.cfg.QueueMemberTTL)

	logger.Log.Info("user joined duo queue",
		zap.Int64("userID", req.UserID),
		zap.String("game", req.Prefs.Game),
		zap.String("mode", req.Prefs.Mode),
	)

	return &JoinResult{Status: JoinStatusQueued}, nil
}

// Status implements the poll half of the contract: a pending pairing
// beats a queue position, a queue position beats idle.
func (s *Service) Status(ctx context.Context, userID int64) (*StatusResult, error) {
	payload, err := s.loadNotify(ctx, userID)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		return &StatusResult{
			Status:   QueueStatusFound,
			MatchID:  payload.MatchID,
			Opponent: &payload.Opponent,
		}, nil
	}

	bucket, err := s.rdb.Get(ctx, buildUserBucketKey(userID)).Result()
	if err == redis.Nil {
		return &StatusResult{Status: QueueStatusIdle}, nil
	}
	if err != nil {
		return nil, err
	}

	memberID := strconv.FormatInt(userID, 10)
	if _, err := s.rdb.ZScore(ctx, bucket, memberID).Result(); err == redis.Nil {
		return &StatusResult{Status: QueueStatusIdle}, nil
	} else if err != nil {
		return nil, err
	}

	result := &StatusResult{Status: QueueStatusWaiting}
	if member, err := s.loadQueueMemberByBucket(ctx, bucket, userID); err == nil {
		joined := member.JoinedAt
		result.JoinedAt = &joined
	}
	return result, nil
}

// Leave drops the player from wherever they are: queue entry, member
// blob, pending pairing. Absence is not an error so the client can fire
// this best-effort.
func (s *Service) Leave(ctx context.Context, userID int64, reason string) error {
	memberID := strconv.FormatInt(userID, 10)

	bucket, err := s.rdb.Get(ctx, buildUserBucketKey(userID)).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if bucket != "" {
		if _, err := s.rdb.ZRem(ctx, bucket, memberID).Result(); err != nil && err != redis.Nil {
			return err
		}
		s.rdb.Del(ctx, buildMemberKeyFromBucket(bucket, userID))
		s.rdb.Del(ctx, buildUserBucketKey(userID))
	}
	s.rdb.Del(ctx, buildNotifyKey(userID))

	if reason == "" {
		reason = "user"
	}
	logger.Log.Info("queue left",
		zap.Int64("userID", userID),
		zap.String("reason", reason),
	)
	return nil
}

// ValidateLobbyAccess checks that a user belongs to an open match before
// the signaling socket is attached.
func (s *Service) ValidateLobbyAccess(ctx context.Context, userID, matchID int64) error {
	if userID == 0 {
		return appErr.ErrUnauthorized
	}

	var match model.Match
	if err := s.db.WithContext(ctx).First(&match, matchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return appErr.ErrMatchNotFound
		}
		return err
	}
	if match.UserAID != userID && match.UserBID != userID {
		return appErr.ErrLobbyAccessDenied
	}
	if match.Status != "paired" {
		return appErr.ErrLobbyClosed
	}
	return nil
}

// FinishMatch records the lobby outcome ("launched" or "dissolved") and
// clears both pending-pairing keys so a late poll cannot resurrect the
// lobby.
func (s *Service) FinishMatch(ctx context.Context, matchID int64, outcome string) error {
	var match model.Match
	if err := s.db.WithContext(ctx).First(&match, matchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return appErr.ErrMatchNotFound
		}
		return err
	}
	if match.Status != "paired" {
		return nil
	}

	now := time.Now()
	err := s.db.WithContext(ctx).Model(&match).Updates(map[string]interface{}{
		"status":   outcome,
		"ended_at": now,
	}).Error
	if err != nil {
		return err
	}

	s.rdb.Del(ctx, buildNotifyKey(match.UserAID))
	s.rdb.Del(ctx, buildNotifyKey(match.UserBID))

	logger.Log.Info("match finished",
		zap.Int64("matchID", matchID),
		zap.String("outcome", outcome),
	)
	return nil
}

// popCompatible removes and returns the longest-waiting member of the
// bucket that this joiner may be paired with. The ZRem return value is
// the ownership guard: whoever removes the member owns the pairing.
func (s *Service) popCompatible(ctx context.Context, bucket string, joiner queueMember) (*queueMember, error) {
	candidates, err := s.rdb.ZRange(ctx, bucket, 0, int64(s.cfg.CandidateLimit-1)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	for _, raw := range candidates {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID == joiner.UserID {
			continue
		}
		member, err := s.loadQueueMemberByBucket(ctx, bucket, userID)
		if err != nil {
			if err == errQueueMemberNotFound {
				s.rdb.ZRem(ctx, bucket, raw)
				continue
			}
			return nil, err
		}
		if !compatible(joiner, member) {
			continue
		}
		removed, err := s.rdb.ZRem(ctx, bucket, raw).Result()
		if err != nil {
			return nil, err
		}
		if removed == 0 {
			continue
		}
		s.removeQueueMember(ctx, member)
		s.rdb.Del(ctx, buildUserBucketKey(member.UserID))
		return &member, nil
	}
	return nil, nil
}

// createMatch persists the pairing and writes pending-pairing keys for
// both sides, so the side that joined synchronously still finds the
// match on a later poll if the join response is lost.
func (s *Service) createMatch(ctx context.Context, a, b queueMember) (*model.Match, map[int64]*OpponentSummary, error) {
	userA, err := s.loadUser(ctx, a.UserID)
	if err != nil {
		return nil, nil, err
	}
	userB, err := s.loadUser(ctx, b.UserID)
	if err != nil {
		return nil, nil, err
	}

	summaryA := buildSummary(userA, a.MicEnabled)
	summaryB := buildSummary(userB, b.MicEnabled)

	playersBytes, err := json.Marshal(map[string]OpponentSummary{
		strconv.FormatInt(a.UserID, 10): summaryA,
		strconv.FormatInt(b.UserID, 10): summaryB,
	})
	if err != nil {
		return nil, nil, err
	}

	match := model.Match{
		Game:        a.Game,
		Mode:        a.Mode,
		UserAID:     a.UserID,
		UserBID:     b.UserID,
		PlayersJSON: datatypes.JSON(playersBytes),
		Status:      "paired",
	}
	if err := s.db.WithContext(ctx).Create(&match).Error; err != nil {
		return nil, nil, err
	}

	// Each side's notify payload carries the *other* player's card.
	s.writeNotify(ctx, a.UserID, matchNotifyPayload{MatchID: match.ID, Opponent: summaryB})
	s.writeNotify(ctx, b.UserID, matchNotifyPayload{MatchID: match.ID, Opponent: summaryA})

	summaries := map[int64]*OpponentSummary{
		a.UserID: &summaryB,
		b.UserID: &summaryA,
	}
	return &match, summaries, nil
}

func buildSummary(user model.User, micEnabled bool) OpponentSummary {
	var tags []string
	if len(user.TagsJSON) > 0 {
		_ = json.Unmarshal(user.TagsJSON, &tags)
	}
	return OpponentSummary{
		ID:         user.ID,
		Name:       user.Nickname,
		Avatar:     user.Avatar,
		Tags:       tags,
		MicEnabled: micEnabled,
	}
}

func (s *Service) writeNotify(ctx context.Context, userID int64, payload matchNotifyPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.rdb.Set(ctx, buildNotifyKey(userID), data, s.cfg.NotifyTTL)
}

func (s *Service) loadNotify(ctx context.Context, userID int64) (*matchNotifyPayload, error) {
	raw, err := s.rdb.Get(ctx, buildNotifyKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var payload matchNotifyPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, nil
	}
	return &payload, nil
}

func (s *Service) saveQueueMember(ctx context.Context, member queueMember) error {
	data, err := json.Marshal(member)
	if err != nil {
		return err
	}
	key := buildMemberKey(member.Game, member.Mode, member.UserID)
	return s.rdb.Set(ctx, key, data, s.cfg.QueueMemberTTL).Err()
}

func (s *Service) requeueMember(ctx context.Context, member queueMember) {
	if err := s.saveQueueMember(ctx, member); err != nil {
		return
	}
	bucket := buildBucketKey(member.Game, member.Mode)
	s.rdb.ZAdd(ctx, bucket, redis.Z{
		Score:  float64(member.JoinedAt.UnixMilli()),
		Member: strconv.FormatInt(member.UserID, 10),
	})
	s.rdb.Set(ctx, buildUserBucketKey(member.UserID), bucket, s.cfg.QueueMemberTTL)
}

func (s *Service) loadQueueMemberByBucket(ctx context.Context, bucket string, userID int64) (queueMember, error) {
	var member queueMember
	data, err := s.rdb.Get(ctx, buildMemberKeyFromBucket(bucket, userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return member, errQueueMemberNotFound
		}
		return member, err
	}
	if err := json.Unmarshal([]byte(data), &member); err != nil {
		return member, err
	}
	return member, nil
}

func (s *Service) removeQueueMember(ctx context.Context, member queueMember) {
	s.rdb.Del(ctx, buildMemberKey(member.Game, member.Mode, member.UserID))
}

func (s *Service) loadUser(ctx context.Context, userID int64) (model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).First(&user, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return user, appErr.ErrUserNotFound
		}
		return user, err
	}
	return user, nil
}

const bucketsKey = "duo:queue:buckets"

func buildBucketKey(game, mode string) string {
	return fmt.Sprintf("duo:queue:%s:%s", game, mode)
}

func buildMemberKey(game, mode string, userID int64) string {
	return fmt.Sprintf("duo:queue:member:%s:%s:%d", game, mode, userID)
}

func buildMemberKeyFromBucket(bucket string, userID int64) string {
	suffix := strings.TrimPrefix(bucket, "duo:queue:")
	return fmt.Sprintf("duo:queue:member:%s:%d", suffix, userID)
}

func buildQueueLockKey(userID int64) string {
	return fmt.Sprintf("duo:queue:lock:%d", userID)
}

func buildUserBucketKey(userID int64) string {
	return fmt.Sprintf("duo:queue:bucket:%d", userID)
}

func buildNotifyKey(userID int64) string {
	return fmt.Sprintf("duo:match:pending:%d", userID)
}
