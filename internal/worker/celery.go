package worker

import (
	"context"
	"time"

	"github.com/filswan/go-swan-lib/logs"
	"github.com/gocelery/gocelery"
	"github.com/gomodule/redigo/redis"
	"golang.org/x/xerrors"
)

// NewRedisPool returns the pool shared by the celery broker, the job locks and
// the event publisher.
func NewRedisPool(url string, password string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     5,                 // maximum number of idle connections in the pool
		MaxActive:   0,                 // maximum number of connections allocated by the pool at a given time
		IdleTimeout: 240 * time.Second, // close connections after remaining idle for this duration
		Dial: func() (redis.Conn, error) {
			if password != "" {
				return redis.DialURL(url, redis.DialPassword(password))
			}
			return redis.DialURL(url)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// Ping checks that redis is reachable.
func Ping(pool *redis.Pool) error {
	conn := pool.Get()
	defer conn.Close()
	if err := conn.Err(); err != nil {
		return xerrors.Errorf("connect redis: %w", err)
	}
	if _, err := conn.Do("PING"); err != nil {
		return xerrors.Errorf("ping redis: %w", err)
	}
	return nil
}

type CeleryService struct {
	cli *gocelery.CeleryClient
}

func NewCeleryService(pool *redis.Pool, workers int) (*CeleryService, error) {
	if workers <= 0 {
		workers = 1
	}
	cli, err := gocelery.NewCeleryClient(
		gocelery.NewRedisBroker(pool),
		gocelery.NewRedisBackend(pool),
		workers)
	if err != nil {
		return nil, xerrors.Errorf("init celery service: %w", err)
	}
	return &CeleryService{cli: cli}, nil
}

func (s *CeleryService) RegisterTask(taskName string, task interface{}) {
	s.cli.Register(taskName, task)
}

func (s *CeleryService) DelayTask(taskName string, params ...interface{}) (*gocelery.AsyncResult, error) {
	return s.cli.Delay(taskName, params...)
}

// Start launches the workers; they run until ctx is done or Stop is called.
func (s *CeleryService) Start(ctx context.Context) {
	logs.GetLogger().Infof("celery worker started")
	s.cli.StartWorkerWithContext(ctx)
}

func (s *CeleryService) Stop() {
	s.cli.StopWorker()
}
