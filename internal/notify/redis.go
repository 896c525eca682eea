package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisConfig — параметры подключения к Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Redis — уведомитель поверх Redis Pub/Sub.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedis подключается к Redis и проверяет соединение.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ошибка подключения к Redis: %w", err)
	}

	logger.Info("Подключение к Redis установлено",
		slog.String("addr", cfg.Addr),
		slog.String("channel", cfg.Channel),
	)

	return &Redis{
		client:  client,
		channel: cfg.Channel,
		logger:  logger.With(slog.String("component", "redis_notifier")),
	}, nil
}

// Publish сообщает о записи, поставленной в очередь.
func (r *Redis) Publish(ctx context.Context, fileID string) error {
	if err := r.client.Publish(ctx, r.channel, fileID).Err(); err != nil {
		return fmt.Errorf("ошибка публикации в Redis: %w", err)
	}
	return nil
}

// Subscribe подписывается на канал. Возвращаемый канал закрывается
// при отмене ctx или закрытии подписки.
func (r *Redis) Subscribe(ctx context.Context) (<-chan string, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	// Receive дожидается подтверждения подписки
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("ошибка подписки на канал %s: %w", r.channel, err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
					// Воркеры заняты: подсказка не нужна, они и так заберут работу
					r.logger.Debug("Уведомление пропущено", slog.String("file_id", msg.Payload))
				}
			}
		}
	}()
	return out, nil
}

// Ping проверяет доступность Redis.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает клиент Redis.
func (r *Redis) Close() error {
	return r.client.Close()
}
