package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/andresmejia3/stylizer/internal/config"
	"github.com/andresmejia3/stylizer/internal/logger"
	"github.com/go-redis/redis/v8"
)

const publishTimeout = 2 * time.Second

// Publisher is the part of *redis.Client the notifier uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Event is the JSON published for every notification.
type Event struct {
	ConversionID string    `json:"conversion_id"`
	Type         string    `json:"type"`
	Progress     int       `json:"progress"`
	Message      string    `json:"message,omitempty"`
	Time         time.Time `json:"time"`
}

// Redis publishes events on "<prefix>:<conversion id>". Publish failures are
// logged and dropped; they never affect the conversion.
type Redis struct {
	client       Publisher
	channel      string
	conversionID string
	log          logger.Logger
	now          func() time.Time
}

func NewRedis(client Publisher, prefix, conversionID string, log logger.Logger) *Redis {
	return &Redis{
		client:       client,
		channel:      Channel(prefix, conversionID),
		conversionID: conversionID,
		log:          log,
		now:          time.Now,
	}
}

// Channel is the pub/sub channel for one conversion.
func Channel(prefix, conversionID string) string {
	return prefix + ":" + conversionID
}

func (r *Redis) OnProgress(percent int) {
	r.publish(Event{Type: "progress", Progress: percent})
}

func (r *Redis) OnStatus(msg string) {
	r.publish(Event{Type: "status", Message: msg})
}

func (r *Redis) publish(ev Event) {
	ev.ConversionID = r.conversionID
	ev.Time = r.now().UTC()

	payload, err := json.Marshal(ev)
	if err != nil {
		r.log.Warnf("notify: encoding %s event: %v", ev.Type, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.log.Warnf("notify: publish to %s: %v", r.channel, err)
	}
}

// NewRedisClient connects to Redis and pings it.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = ":6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
