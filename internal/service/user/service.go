package user

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"duo-service/internal/model"
	appErr "duo-service/pkg/errors"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxProfileTags = 5

type Service struct {
	db *gorm.DB
}

type UpdateProfileRequest struct {
	Nickname   *string
	Avatar     *string
	Tags       []string
	MicEnabled *bool
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

func (s *Service) GetProfile(ctx context.Context, userID int64) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).First(&user, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Service) UpdateProfile(ctx context.Context, userID int64, req UpdateProfileRequest) (*model.User, error) {
	user, err := s.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.Nickname != nil {
		nickname := strings.TrimSpace(*req.Nickname)
		if nickname == "" {
			return nil, appErr.ErrInvalidNickname
		}
		updates["nickname"] = nickname
	}
	if req.Avatar != nil {
		updates["avatar"] = strings.TrimSpace(*req.Avatar)
	}
	if req.Tags != nil {
		tags := req.Tags
		if len(tags) > maxProfileTags {
			tags = tags[:maxProfileTags]
		}
		data, err := json.Marshal(tags)
		if err != nil {
			return nil, err
		}
		updates["tags_json"] = datatypes.JSON(data)
	}
	if req.MicEnabled != nil {
		updates["mic_enabled"] = *req.MicEnabled
	}

	if len(updates) == 0 {
		return user, nil
	}

	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.GetProfile(ctx, userID)
}
