package redisx

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Config Redis连接配置
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient 创建Redis客户端并测试连接
func NewClient(cfg *Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}
