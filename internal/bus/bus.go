// Package bus implements the optional ExternalBus sidecar: every inbound
// activity this relay handles is also published, fire-and-forget, onto a
// Redis pub/sub channel for downstream consumers (e.g. an analytics or
// moderation pipeline) that want a copy of the raw traffic.
package bus

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Config is the optional "redis:" block of the relay's YAML config.
type Config struct {
	Connection   string `yaml:"connection"`
	PasswordFile string `yaml:"password_file"`
	InTopic      string `yaml:"in_topic"`
}

// Bus publishes raw payloads to the external bus. A nil Config yields a
// no-op implementation, per spec: ExternalBus is optional.
type Bus interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// New builds a Bus from cfg. A nil or unconfigured cfg returns a no-op bus
// rather than an error, since redis is an optional sidecar.
func New(cfg *Config) (Bus, error) {
	if cfg == nil || cfg.Connection == "" {
		return noopBus{}, nil
	}

	password := ""
	if cfg.PasswordFile != "" {
		raw, err := os.ReadFile(cfg.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("read redis password file: %w", err)
		}
		password = strings.TrimSpace(string(raw))
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Connection,
		Password: password,
	})

	topic := cfg.InTopic
	if topic == "" {
		topic = "buzzrelay.inbound"
	}

	return &redisBus{client: client, topic: topic}, nil
}

type redisBus struct {
	client *redis.Client
	topic  string
}

func (b *redisBus) Publish(ctx context.Context, payload []byte) error {
	return b.client.Publish(ctx, b.topic, payload).Err()
}

func (b *redisBus) Close() error {
	return b.client.Close()
}

type noopBus struct{}

func (noopBus) Publish(ctx context.Context, payload []byte) error { return nil }
func (noopBus) Close() error                                      { return nil }
