package notify

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/warp/membership-ledger/logger"
)

// LogSender writes notifications to the log. Used when no push transport
// is configured.
type LogSender struct {
	log *logger.Logger
}

func NewLogSender(log *logger.Logger) *LogSender {
	if log == nil {
		log = logger.Nop()
	}
	return &LogSender{log: log.With("sender", "log")}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.log.Info("notification",
		"member_id", msg.MemberID,
		"entry_id", msg.EntryID,
		"title", msg.Title,
	)
	return nil
}

// RedisSender pushes JSON messages onto a Redis list. The push transport
// (outside this service) pops from the other end.
type RedisSender struct {
	rdb goredis.UniversalClient
	key string
}

// DefaultOutboxKey is the list RedisSender writes to when none is given.
const DefaultOutboxKey = "ledger:notifications"

func NewRedisSender(rdb goredis.UniversalClient, key string) *RedisSender {
	if key == "" {
		key = DefaultOutboxKey
	}
	return &RedisSender{rdb: rdb, key: key}
}

func (s *RedisSender) Send(ctx context.Context, msg Message) error {
	if s == nil || s.rdb == nil {
		return fmt.Errorf("redis sender not initialized")
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.rdb.LPush(ctx, s.key, raw).Err()
}
