package progress

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"gridvid/internal/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultStreamMaxLen = 10000

// RedisSink publishes batch events to a Redis stream so other processes can follow a run.
type RedisSink struct {
	rdb     *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
	log     *zap.Logger
}

type RedisOptions struct {
	Addr     string
	Password string
	Stream   string
	MaxLen   int64
}

func NewRedisSink(opts RedisOptions, log *zap.Logger) *RedisSink {
	if log == nil {
		log = zap.NewNop()
	}
	stream := opts.Stream
	if stream == "" {
		stream = "gridvid:events"
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &RedisSink{
		rdb:     redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password}),
		stream:  stream,
		maxLen:  maxLen,
		timeout: 2 * time.Second,
		log:     log,
	}
}

func (s *RedisSink) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisSink) Close() error {
	return s.rdb.Close()
}

func (s *RedisSink) OnLog(e Event) {
	s.publish(eventValues(e))
}

func (s *RedisSink) OnProgress(c model.Counts) {
	s.publish(countValues(c))
}

func (s *RedisSink) publish(values map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		s.log.Warn("publish batch event", zap.String("stream", s.stream), zap.Error(err))
	}
}

func eventValues(e Event) map[string]any {
	payload, _ := json.Marshal(e)
	return map[string]any{
		"type":    "log",
		"run_id":  e.RunID,
		"kind":    e.Kind,
		"level":   e.Level,
		"message": e.Message,
		"payload": string(payload),
	}
}

func countValues(c model.Counts) map[string]any {
	payload, _ := json.Marshal(c)
	return map[string]any{
		"type":      "progress",
		"processed": strconv.Itoa(c.Processed),
		"succeeded": strconv.Itoa(c.Succeeded),
		"failed":    strconv.Itoa(c.Failed),
		"pending":   strconv.Itoa(c.Pending),
		"payload":   string(payload),
	}
}
