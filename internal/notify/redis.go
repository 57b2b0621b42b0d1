package notify

import (
	"context"
	"encoding/json"

	"github.com/gomodule/redigo/redis"
	"github.com/lagrangedao/go-computing-broker/constants"
	"golang.org/x/xerrors"
)

const DefaultChannel = constants.REDIS_EVENTS_CHANNEL

// RedisPublisher forwards events to a redis pub/sub channel so other broker
// instances and external consumers can follow them.
type RedisPublisher struct {
	pool    *redis.Pool
	channel string
}

func NewRedisPublisher(pool *redis.Pool, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{pool: pool, channel: channel}
}

func (p *RedisPublisher) Handle(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return xerrors.Errorf("encoding event %s: %w", ev.Type, err)
	}

	conn := p.pool.Get()
	defer conn.Close()
	if err := conn.Err(); err != nil {
		return xerrors.Errorf("redis connection: %w", err)
	}
	if _, err := conn.Do("PUBLISH", p.channel, payload); err != nil {
		return xerrors.Errorf("publish %s to %s: %w", ev.Type, p.channel, err)
	}
	return nil
}
