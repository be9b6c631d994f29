package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"duo-service/internal/config"
	"duo-service/internal/model"
	pkgAuth "duo-service/pkg/auth"
	appErr "duo-service/pkg/errors"
	"duo-service/pkg/logger"
	"duo-service/pkg/utils/random"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxNicknameLen = 32

type Service struct {
	db *gorm.DB
}

type LoginResult struct {
	Token    string     `json:"token"`
	ExpireAt time.Time  `json:"expireAt"`
	User     model.User `json:"user"`
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// GuestLogin creates a player on the spot and issues a bearer token.
// The service treats the identity provider as a commodity; this is the
// minimal issuer needed to exercise the queue end to end.
func (s *Service) GuestLogin(ctx context.Context, nickname string) (*LoginResult, error) {
	nickname = strings.TrimSpace(nickname)
	if len(nickname) > maxNicknameLen {
		return nil, appErr.ErrInvalidNickname
	}
	if nickname == "" {
		nickname = fmt.Sprintf("Guest-%s", random.Code(6))
	}

	user := model.User{
		Nickname: nickname,
		Status:   "normal",
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}

	token, err := pkgAuth.GenerateToken(user.ID)
	if err != nil {
		return nil, err
	}

	logger.Log.Info("guest login",
		zap.Int64("userID", user.ID),
		zap.String("nickname", nickname),
	)

	expireAt := time.Now().Add(time.Duration(config.GlobalConfig.JWT.Expire) * time.Hour)
	return &LoginResult{
		Token:    token,
		ExpireAt: expireAt,
		User:     user,
	}, nil
}
