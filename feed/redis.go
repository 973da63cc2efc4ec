package feed

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/warp/membership-ledger/ledger"
	"github.com/warp/membership-ledger/logger"
)

// DefaultChannelPrefix prefixes the per-member pub/sub channel.
const DefaultChannelPrefix = "ledger:balance:"

// Redis carries events across processes over Redis pub/sub.
type Redis struct {
	rdb    goredis.UniversalClient
	prefix string
	log    *logger.Logger
}

func NewRedis(rdb goredis.UniversalClient, prefix string, log *logger.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Redis{rdb: rdb, prefix: prefix, log: log.With("component", "feed.redis")}
}

func (r *Redis) channel(memberID ledger.MemberID) string {
	return r.prefix + string(memberID)
}

func (r *Redis) Publish(ctx context.Context, e Event) error {
	if r == nil || r.rdb == nil {
		return fmt.Errorf("redis feed not initialized")
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel(e.MemberID), raw).Err()
}

func (r *Redis) Subscribe(ctx context.Context, memberID ledger.MemberID) (<-chan Event, error) {
	if r == nil || r.rdb == nil {
		return nil, fmt.Errorf("redis feed not initialized")
	}
	sub := r.rdb.Subscribe(ctx, r.channel(memberID))

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
					r.log.Warn("bad feed payload", "channel", m.Channel, "error", err)
					continue
				}
				select {
				case out <- e:
				default:
					r.log.Debug("feed subscriber full, event dropped", "member_id", memberID)
				}
			}
		}
	}()
	return out, nil
}
