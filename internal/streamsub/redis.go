package streamsub

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSubstrate backs Substrate with Redis streams (XADD/XREADGROUP/XACK/
// XPENDING/XAUTOCLAIM/XGROUP). It is the production adapter; internal/store
// consumers never see redis.Client directly.
type RedisSubstrate struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisSubstrate wraps an already-configured *redis.Client.
func NewRedisSubstrate(client *redis.Client, log *zap.Logger) *RedisSubstrate {
	return &RedisSubstrate{client: client, log: log}
}

func (s *RedisSubstrate) Append(ctx context.Context, streamKey string, fields Fields, approximateCap int64) (MessageID, error) {
	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: fieldsToValues(fields),
	}
	if approximateCap > 0 {
		args.MaxLen = approximateCap
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", classifyRedisErr(err)
	}
	return MessageID(id), nil
}

func (s *RedisSubstrate) EnsureGroup(ctx context.Context, streamKey, group string, start GroupStart) error {
	startID := "$"
	if start == StartHead {
		startID = "0"
	}
	err := s.client.XGroupCreateMkStream(ctx, streamKey, group, startID).Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return classifyRedisErr(err)
}

func (s *RedisSubstrate) ReadGroup(ctx context.Context, streamKey, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, classifyRedisErr(err)
	}
	var out []Message
	for _, stream := range res {
		for _, xm := range stream.Messages {
			// ">" only returns entries never before delivered to this
			// group, so this is always the first delivery.
			out = append(out, Message{ID: MessageID(xm.ID), Fields: valuesToFields(xm.Values), DeliveryCount: 1})
		}
	}
	return out, nil
}

func (s *RedisSubstrate) Acknowledge(ctx context.Context, streamKey, group string, id MessageID) error {
	if err := s.client.XAck(ctx, streamKey, group, string(id)).Err(); err != nil {
		return classifyRedisErr(err)
	}
	return nil
}

func (s *RedisSubstrate) PendingSummary(ctx context.Context, streamKey, group string) (PendingSummary, error) {
	summary, err := s.client.XPending(ctx, streamKey, group).Result()
	if err != nil {
		if err == redis.Nil {
			return PendingSummary{}, nil
		}
		return PendingSummary{}, classifyRedisErr(err)
	}
	if summary.Count == 0 {
		return PendingSummary{}, nil
	}
	ext, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  int64(summary.Count),
	}).Result()
	if err != nil {
		return PendingSummary{TotalPending: int64(summary.Count)}, classifyRedisErr(err)
	}
	out := PendingSummary{TotalPending: int64(summary.Count)}
	for i, e := range ext {
		idle := e.Idle.Milliseconds()
		if i == 0 || idle < out.MinIdleMs {
			out.MinIdleMs = idle
		}
		if idle > out.MaxIdleMs {
			out.MaxIdleMs = idle
		}
	}
	return out, nil
}

func (s *RedisSubstrate) ClaimStale(ctx context.Context, streamKey, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey,
		Group:    group,
		MinIdle:  minIdle,
		Consumer: consumer,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, classifyRedisErr(err)
	}
	out := make([]Message, 0, len(msgs))
	for _, xm := range msgs {
		out = append(out, Message{ID: MessageID(xm.ID), Fields: valuesToFields(xm.Values), DeliveryCount: s.retryCount(ctx, streamKey, group, xm.ID)})
	}
	return out, nil
}

// retryCount looks up a single pending entry's delivery count via
// XPENDING. Best-effort: a lookup failure defaults to 1 rather than
// blocking reclamation.
func (s *RedisSubstrate) retryCount(ctx context.Context, streamKey, group, id string) int64 {
	ext, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(ext) == 0 {
		return 1
	}
	return ext[0].RetryCount
}

func (s *RedisSubstrate) Close() error {
	return s.client.Close()
}

func fieldsToValues(f Fields) map[string]interface{} {
	v := make(map[string]interface{}, len(f))
	for k, val := range f {
		v[k] = val
	}
	return v
}

func valuesToFields(v map[string]interface{}) Fields {
	f := make(Fields, len(v))
	for k, val := range v {
		switch t := val.(type) {
		case string:
			f[k] = t
		default:
			f[k] = toString(t)
		}
	}
	return f
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case int64:
		return strconv.FormatInt(t, 10)
	case []byte:
		return string(t)
	default:
		return ""
	}
}

// classifyRedisErr maps a raw redis error into ErrUnavailable when the
// failure looks like a connectivity problem, leaving other errors (e.g.
// WRONGTYPE on a misused key) as-is for the caller to inspect.
func classifyRedisErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "connection") || strings.Contains(msg, "dial") ||
		strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "LOADING") || strings.Contains(msg, "CLUSTERDOWN") {
		return &SubstrateError{Op: "redis", Err: ErrUnavailable, Cause: err}
	}
	return err
}

// SubstrateError wraps a substrate-level failure with the operation that
// triggered it, in the teacher's StreamError shape (Op + Err + Unwrap).
type SubstrateError struct {
	Op    string
	Err   error
	Cause error
}

func (e *SubstrateError) Error() string {
	if e.Cause != nil {
		return e.Op + ": " + e.Err.Error() + ": " + e.Cause.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *SubstrateError) Unwrap() error { return e.Err }
