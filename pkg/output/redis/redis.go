// Package redis publishes readings on a Redis pub/sub channel. Nothing is
// written to the keyspace.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ericogr/multigas-to-mqtt/pkg/config"
	"github.com/ericogr/multigas-to-mqtt/pkg/output"
	"github.com/ericogr/multigas-to-mqtt/pkg/sensor"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	DefaultAddr    = "localhost:6379"
	DefaultChannel = "multigas"

	opTimeout = 5 * time.Second
)

type RedisOutput struct {
	client  *redis.Client
	channel string
	log     logrus.FieldLogger
}

func NewRedis(cfg config.RedisConfig, log logrus.FieldLogger) (output.Output, error) {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: opTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connect %s: %w", cfg.Addr, err)
	}
	log.WithFields(logrus.Fields{"addr": cfg.Addr, "channel": cfg.Channel}).Info("redis connected")
	return newRedisOutput(client, cfg.Channel, log), nil
}

func newRedisOutput(client *redis.Client, channel string, log logrus.FieldLogger) *RedisOutput {
	return &RedisOutput{client: client, channel: channel, log: log}
}

// Publish sends every reading to the channel in one pipeline.
func (o *RedisOutput) Publish(readings []sensor.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	pipe := o.client.Pipeline()
	for _, r := range readings {
		b, err := json.Marshal(r)
		if err != nil {
			o.log.WithError(err).WithField("sensor", r.Sensor).Error("encode reading")
			continue
		}
		pipe.Publish(ctx, o.channel, b)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (o *RedisOutput) Close() error {
	return o.client.Close()
}
