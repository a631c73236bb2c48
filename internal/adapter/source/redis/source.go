package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/zpool-watch/internal/domain"
)

const (
	payloadField = "payload"
	blockTimeout = 5 * time.Second

	backlogCursor     = "0"
	newMessagesCursor = ">"
)

// Opener consumes raw events that a remote forwarder (for example a ZED
// zedlet) appends to a Redis stream, using a consumer group so several
// monitors can share one stream.
type Opener struct {
	client   *redis.Client
	logger   *slog.Logger
	stream   string
	group    string
	consumer string
}

// NewOpener creates a Redis-backed SourceOpener.
func NewOpener(client *redis.Client, logger *slog.Logger, stream, group, consumer string) *Opener {
	return &Opener{
		client:   client,
		logger:   logger.With("component", "redis_source"),
		stream:   stream,
		group:    group,
		consumer: consumer,
	}
}

// Open checks connectivity and makes sure the consumer group exists.
func (o *Opener) Open(ctx context.Context) (domain.EventSource, error) {
	if err := o.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", domain.ErrSourceUnavailable, err)
	}
	err := o.client.XGroupCreateMkStream(ctx, o.stream, o.group, "$").Err()
	if err != nil && !isRedisBusyGroupError(err) {
		return nil, fmt.Errorf("%w: failed to create consumer group: %v", domain.ErrSourceUnavailable, err)
	}
	o.logger.Info("consuming event stream", "stream", o.stream, "group", o.group, "consumer", o.consumer)
	return &Source{opener: o, cursor: backlogCursor}, nil
}

// Source reads one message at a time from the stream. It first drains
// messages this consumer read but never handed out (left unacknowledged by a
// previous Source), then follows new messages.
type Source struct {
	opener  *Opener
	cursor  string
	pending []redis.XMessage
}

// nextCursor moves from the backlog to new messages once a backlog read
// comes back empty.
func nextCursor(cursor string, read int) string {
	if cursor == backlogCursor && read == 0 {
		return newMessagesCursor
	}
	return cursor
}

// Next blocks on XREADGROUP until a message arrives. Messages are
// acknowledged when they are handed out.
func (s *Source) Next(ctx context.Context) (domain.RawEvent, error) {
	o := s.opener
	for len(s.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		streams, err := o.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    o.group,
			Consumer: o.consumer,
			Streams:  []string{o.stream, s.cursor},
			Count:    16,
			Block:    blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				s.cursor = nextCursor(s.cursor, 0)
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if isNetworkError(err) {
				return nil, fmt.Errorf("%w: XREADGROUP: %v", domain.ErrSourceUnavailable, err)
			}
			if isNoGroupError(err) {
				return nil, fmt.Errorf("%w: consumer group vanished: %v", domain.ErrSourceUnavailable, err)
			}
			return nil, fmt.Errorf("failed to XREADGROUP from redis: %w", err)
		}
		read := 0
		for _, st := range streams {
			s.pending = append(s.pending, st.Messages...)
			read += len(st.Messages)
		}
		s.cursor = nextCursor(s.cursor, read)
	}

	msg := s.pending[0]
	s.pending = s.pending[1:]
	if err := o.client.XAck(ctx, o.stream, o.group, msg.ID).Err(); err != nil {
		o.logger.Warn("failed to XACK message", "message_id", msg.ID, "error", err)
	}
	return toRawEvent(msg), nil
}

// Close is a no-op; the client is owned by the caller.
func (s *Source) Close() error {
	return nil
}

// toRawEvent flattens stream fields into a RawEvent. A "payload" field that
// holds a JSON object contributes its members; plain fields win on conflict.
func toRawEvent(msg redis.XMessage) domain.RawEvent {
	ev := domain.RawEvent{}
	if payload, ok := msg.Values[payloadField].(string); ok {
		var fields map[string]any
		if err := json.Unmarshal([]byte(payload), &fields); err == nil {
			for k, v := range fields {
				ev[k] = stringify(v)
			}
		}
	}
	for k, v := range msg.Values {
		if k == payloadField {
			continue
		}
		ev[k] = stringify(v)
	}
	return ev
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}

func isRedisBusyGroupError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroupError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed)
}
