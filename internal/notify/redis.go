package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix — префикс каналов pub/sub.
const DefaultChannelPrefix = "orchestrator:group:"

// RedisNotifier рассылает сигналы через Redis pub/sub.
//
// Notify публикует в канал <prefix><group_key>. Run держит одну
// подписку на <prefix>* и раздаёт сообщения локальным подписчикам.
type RedisNotifier struct {
	client *redis.Client
	prefix string
	local  *LocalNotifier
	logger *slog.Logger
}

// RedisConfig — конфигурация RedisNotifier.
type RedisConfig struct {
	URL    string // redis://host:6379/0
	Prefix string
	Logger *slog.Logger
}

// NewRedis создаёт RedisNotifier из URL.
func NewRedis(cfg RedisConfig) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisWithClient(redis.NewClient(opts), cfg.Prefix, cfg.Logger), nil
}

// NewRedisWithClient создаёт RedisNotifier поверх готового клиента.
func NewRedisWithClient(client *redis.Client, prefix string, logger *slog.Logger) *RedisNotifier {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNotifier{
		client: client,
		prefix: prefix,
		local:  NewLocal(),
		logger: logger,
	}
}

// Notify публикует сигнал для группы.
func (n *RedisNotifier) Notify(ctx context.Context, groupKey string) error {
	if err := n.client.Publish(ctx, n.prefix+groupKey, "").Err(); err != nil {
		return fmt.Errorf("publish wakeup: %w", err)
	}
	return nil
}

// Subscribe подписывается на сигналы группы.
// Сигналы приходят, только пока работает Run.
func (n *RedisNotifier) Subscribe(groupKey string) (<-chan struct{}, func()) {
	return n.local.Subscribe(groupKey)
}

// Run читает pub/sub до отмены ctx.
// ready закрывается, когда подписка подтверждена сервером.
func (n *RedisNotifier) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := n.client.PSubscribe(ctx, n.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}
	if ready != nil {
		close(ready)
	}
	n.logger.Info("redis notifier subscribed", "pattern", n.prefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis pubsub channel closed")
			}
			groupKey := strings.TrimPrefix(msg.Channel, n.prefix)
			_ = n.local.Notify(ctx, groupKey)
		}
	}
}

// Ping проверяет соединение с Redis.
func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

// Close закрывает клиент.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
