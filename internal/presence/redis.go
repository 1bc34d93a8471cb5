package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPresence mirrors presence state into TTL'd Redis keys so any
// gateway instance can serve a liveness snapshot for a document. The
// channel is best effort by contract: a lost update is superseded by the
// next one, and expiry doubles as the offline sweep.
type RedisPresence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisPresence(redisURL string, ttl time.Duration) (*RedisPresence, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisPresenceWithClient(client, ttl), nil
}

func NewRedisPresenceWithClient(client *redis.Client, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisPresence{
		client: client,
		prefix: "presence:",
		ttl:    ttl,
	}
}

func (p *RedisPresence) key(documentID, participantID, field string) string {
	return p.prefix + documentID + ":" + participantID + ":" + field
}

// Publish mirrors one update. An update with a clock at or below the
// mirrored one is dropped with ErrStaleClock.
func (p *RedisPresence) Publish(ctx context.Context, documentID string, u Update) error {
	if u.ParticipantID == "" || u.Field == "" {
		return fmt.Errorf("presence update missing participant or field")
	}
	key := p.key(documentID, u.ParticipantID, u.Field)

	current, err := p.client.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read presence key: %w", err)
	}
	if err == nil {
		var prev Update
		if unmarshalErr := json.Unmarshal([]byte(current), &prev); unmarshalErr == nil && u.Clock <= prev.Clock {
			return ErrStaleClock
		}
	}

	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal presence update: %w", err)
	}
	if err := p.client.Set(ctx, key, payload, p.ttl).Err(); err != nil {
		return fmt.Errorf("write presence key: %w", err)
	}
	return nil
}

// Snapshot returns every live mirrored update for a document, sorted by
// participant then field. Keys past their TTL have already expired and
// simply do not appear.
func (p *RedisPresence) Snapshot(ctx context.Context, documentID string) ([]Update, error) {
	match := p.prefix + documentID + ":*"
	updates := make([]Update, 0)

	iter := p.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		raw, err := p.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("read presence key: %w", err)
		}
		var u Update
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			continue
		}
		updates = append(updates, u)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}

	sort.Slice(updates, func(i, j int) bool {
		if updates[i].ParticipantID != updates[j].ParticipantID {
			return updates[i].ParticipantID < updates[j].ParticipantID
		}
		return updates[i].Field < updates[j].Field
	})
	return updates, nil
}

// Clear removes a participant's mirrored keys when they leave.
func (p *RedisPresence) Clear(ctx context.Context, documentID, participantID string) error {
	match := p.prefix + documentID + ":" + participantID + ":*"
	iter := p.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		if err := p.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("delete presence key: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan presence keys: %w", err)
	}
	return nil
}

func (p *RedisPresence) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPresence) Close() error {
	return p.client.Close()
}
