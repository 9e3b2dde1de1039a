package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisTimeout bounds dial plus ping for one check
const DefaultRedisTimeout = 5 * time.Second

// RedisService probes a Redis server with PING
type RedisService struct {
	name     string
	addr     string
	password string
	timeout  time.Duration
}

// NewRedisService creates a probe for one Redis server
func NewRedisService(name, addr string) *RedisService {
	return &RedisService{
		name:    name,
		addr:    addr,
		timeout: DefaultRedisTimeout,
	}
}

// WithPassword sets the AUTH password
func (s *RedisService) WithPassword(password string) *RedisService {
	s.password = password
	return s
}

// WithTimeout sets the check timeout
func (s *RedisService) WithTimeout(timeout time.Duration) *RedisService {
	s.timeout = timeout
	return s
}

func (s *RedisService) Kind() Kind          { return KindRedis }
func (s *RedisService) Category() string    { return CategoryInfra }
func (s *RedisService) NS() string          { return "" }
func (s *RedisService) Description() string { return s.name }

func (s *RedisService) Key() string {
	return fmt.Sprintf("%s|%s|%s", KindRedis, s.name, s.addr)
}

func (s *RedisService) String() string {
	return fmt.Sprintf("redis name=%s, addr=%s", s.name, s.addr)
}

// Check dials the server and sends PING
func (s *RedisService) Check(ctx context.Context) (Status, Extra) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:         s.addr,
		Password:     s.password,
		DialTimeout:  s.timeout,
		ReadTimeout:  s.timeout,
		WriteTimeout: s.timeout,
	})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return StatusFail, Extra{"exception": err.Error()}
	}
	return StatusOK, nil
}
