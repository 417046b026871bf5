// Package notify raises user-facing operational prompts, currently only
// "re-authorize this service". Delivery is best-effort.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Notifier delivers one re-authorization prompt.
type Notifier interface {
	ReauthRequired(ctx context.Context, userID uuid.UUID, service string)
}

// LogNotifier writes prompts to the process log. Used when no outbound
// notification channel is configured.
type LogNotifier struct{}

func (LogNotifier) ReauthRequired(ctx context.Context, userID uuid.UUID, service string) {
	log.Printf("notify: user=%s service=%s requires re-authorization", userID, service)
}

// RedisDeduper suppresses repeat prompts for the same credential within a
// TTL window. A broken area can fail every few seconds; the user should
// hear about it once.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
	next   Notifier
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration, next Notifier) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl, next: next}
}

func (n *RedisDeduper) ReauthRequired(ctx context.Context, userID uuid.UUID, service string) {
	key := fmt.Sprintf("reauth:%s:%s", userID, service)
	fresh, err := n.client.SetNX(ctx, key, 1, n.ttl).Result()
	if err != nil {
		// Dedup is an optimization; on redis failure notify anyway.
		log.Printf("notify: dedup check: %v", err)
		n.next.ReauthRequired(ctx, userID, service)
		return
	}
	if !fresh {
		return
	}
	n.next.ReauthRequired(ctx, userID, service)
}
