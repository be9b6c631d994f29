package service

import (
	"context"

	"duo-service/internal/config"
	"duo-service/internal/service/auth"
	"duo-service/internal/service/queue"
	"duo-service/internal/service/relay"
	"duo-service/internal/service/user"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Container struct {
	Auth  *auth.Service
	User  *user.Service
	Queue *queue.Service
	Relay *relay.Service
}

func NewContainer(db *gorm.DB, rdb *redis.Client) *Container {
	queueSvc := queue.NewService(db, rdb)
	if config.GlobalConfig != nil {
		queueSvc.ApplyConfig(config.GlobalConfig.Matchmaking)
	}

	return &Container{
		Auth:  auth.NewService(db),
		User:  user.NewService(db),
		Queue: queueSvc,
		Relay: relay.NewService(queueSvc.FinishMatch),
	}
}

func (c *Container) Start(ctx context.Context) {
	c.Queue.Start(ctx)
}
