// Package bus drives the Redis-backed routing store: session tokens,
// connection registry, room membership, message dedup/cooldown/dispatch
// locks, and the Stream-backed message cache and persist queue. Comet uses
// it for session lookup and connection/room bookkeeping; Job uses it for
// dedup/cooldown/lock and route resolution; both share the circuit-breaker
// and nil-guard idiom below so a Redis outage degrades callers gracefully
// instead of panicking.
package bus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/chatfanout/platform/internal/v1/errs"
	"github.com/chatfanout/platform/internal/v1/logging"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ConnectionInfo mirrors the connection:info:{connId} hash.
type ConnectionInfo struct {
	CometID string `redis:"comet_id"`
	UserID  string `redis:"user_id"`
	RoomID  string `redis:"room_id"`
}

// Service wraps a *redis.Client behind a circuit breaker. A nil *Service
// or nil underlying client makes registry writes (sessions, connections,
// room membership, lock release, queue trim) no-ops and membership reads
// return empty results, after the donor's "single-instance mode" fallback;
// session resolution, dedup, lock acquisition, the message Stream and the
// persist queue instead return errs.ErrStoreUnavailable.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client, primarily for callers that
// need raw pipeline access (e.g. batch connection-info resolution).
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService dials Redis with the connect/read/write timeouts the
// concurrency model requires (2s connect) and wraps calls in a circuit
// breaker keyed "redis".
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     20,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			redisCircuitState(stateVal)
		},
	}

	logging.Info(context.Background(), "connected to redis", zap.String("addr", addr))
	return &Service{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// Ping reports Redis reachability for health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return unwrapBreaker(err)
}

// Close releases the underlying connection pool.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func unwrapBreaker(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		redisCircuitFailure()
		return errs.ErrStoreUnavailable
	}
	return err
}

// --- Session tokens ---------------------------------------------------

const sessionKeyPrefix = "token:"

// NewSessionToken mints a 128-bit opaque, hex-encoded session identifier.
func NewSessionToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// PutSession stores token -> email with the given TTL (spec default 24h).
func (s *Service) PutSession(ctx context.Context, token, email string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, sessionKeyPrefix+token, email, ttl).Err()
	})
	return unwrapBreaker(err)
}

// ResolveSession returns the email bound to token, or errs.ErrNotFound if
// the token is unknown or expired.
func (s *Service) ResolveSession(ctx context.Context, token string) (string, error) {
	if s == nil || s.client == nil {
		return "", errs.ErrStoreUnavailable
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.Get(ctx, sessionKeyPrefix+token).Result()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", errs.ErrNotFound
		}
		return "", unwrapBreaker(err)
	}
	return res.(string), nil
}

// --- Connection registry & room membership -----------------------------

func connectionInfoKey(connID string) string { return "connection:info:" + connID }
func roomConnectionsKey(roomID string) string { return "room:connections:" + roomID }
func userOnlineKey(userID string) string      { return "user:online:" + userID }

// RegisterConnection records a new connection's routing info, adds it to
// the room membership set, and marks the owning user online. Called once
// per connection on handshake success; further rooms are added with
// SubscribeRoom.
func (s *Service) RegisterConnection(ctx context.Context, connID string, info ConnectionInfo) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, connectionInfoKey(connID), map[string]interface{}{
			"comet_id": info.CometID,
			"user_id":  info.UserID,
			"room_id":  info.RoomID,
		})
		pipe.SAdd(ctx, roomConnectionsKey(info.RoomID), connID)
		pipe.Set(ctx, userOnlineKey(info.UserID), connID, 0)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return unwrapBreaker(err)
}

// SubscribeRoom adds an already-registered connection to an additional
// room's membership set (a user may join multiple rooms on one socket).
func (s *Service) SubscribeRoom(ctx context.Context, roomID, connID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, roomConnectionsKey(roomID), connID).Err()
	})
	return unwrapBreaker(err)
}

// DeregisterConnection undoes RegisterConnection across every room the
// connection had joined, called on socket close.
func (s *Service) DeregisterConnection(ctx context.Context, connID, userID string, roomIDs []string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, connectionInfoKey(connID))
		for _, roomID := range roomIDs {
			pipe.SRem(ctx, roomConnectionsKey(roomID), connID)
		}
		pipe.Del(ctx, userOnlineKey(userID))
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return unwrapBreaker(err)
}

// RoomConnections returns every connection id subscribed to roomID.
func (s *Service) RoomConnections(ctx context.Context, roomID string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, roomConnectionsKey(roomID)).Result()
	})
	if err != nil {
		return nil, unwrapBreaker(err)
	}
	return res.([]string), nil
}

// ConnectionInfoBatch resolves routing info for many connection ids in a
// single pipelined round trip, grouping callers rarely need per-id. This
// mirrors the donor route service's batch HGETALL resolution instead of
// issuing one HGETALL per connection.
func (s *Service) ConnectionInfoBatch(ctx context.Context, connIDs []string) (map[string]ConnectionInfo, error) {
	if s == nil || s.client == nil || len(connIDs) == 0 {
		return map[string]ConnectionInfo{}, nil
	}
	out := make(map[string]ConnectionInfo, len(connIDs))
	_, err := s.cb.Execute(func() (interface{}, error) {
		pipe := s.client.Pipeline()
		cmds := make(map[string]*redis.MapStringStringCmd, len(connIDs))
		for _, id := range connIDs {
			cmds[id] = pipe.HGetAll(ctx, connectionInfoKey(id))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		for id, cmd := range cmds {
			m, err := cmd.Result()
			if err != nil || len(m) == 0 {
				continue
			}
			out[id] = ConnectionInfo{
				CometID: m["comet_id"],
				UserID:  m["user_id"],
				RoomID:  m["room_id"],
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, unwrapBreaker(err)
	}
	return out, nil
}

// IsUserOnline reports whether userID has a live connection recorded.
func (s *Service) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.Exists(ctx, userOnlineKey(userID)).Result()
	})
	if err != nil {
		return false, unwrapBreaker(err)
	}
	return res.(int64) > 0, nil
}

// GetUserConnectionID returns the connection id currently bound to userID.
func (s *Service) GetUserConnectionID(ctx context.Context, userID string) (string, error) {
	if s == nil || s.client == nil {
		return "", errs.ErrNotFound
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.Get(ctx, userOnlineKey(userID)).Result()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", errs.ErrNotFound
		}
		return "", unwrapBreaker(err)
	}
	return res.(string), nil
}

// --- Dedup, cooldown, dispatch lock --------------------------------------

func dedupKey(roomID, msgID string) string { return fmt.Sprintf("msg:processed:%s:%s", roomID, msgID) }
func cooldownKey(roomID string) string     { return "room:cooldown:" + roomID }
func lockKey(roomID string) string         { return "lock:broadcast:" + roomID }

// TryDedup sets the per-(room,msgId) dedup marker and reports whether this
// call was the one to set it (true = proceed, false = duplicate/drop). On
// store unavailability it fails closed: treated as a duplicate.
func (s *Service) TryDedup(ctx context.Context, roomID, msgID string, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return false, errs.ErrStoreUnavailable
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SetNX(ctx, dedupKey(roomID, msgID), "1", ttl).Result()
	})
	if err != nil {
		return false, unwrapBreaker(err)
	}
	return res.(bool), nil
}

// TryCooldown sets the per-room cooldown marker and reports whether this
// call acquired it. On store unavailability it fails open: treated as
// acquired, so dispatch is not blocked by a Redis outage.
func (s *Service) TryCooldown(ctx context.Context, roomID string, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return true, nil
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SetNX(ctx, cooldownKey(roomID), "1", ttl).Result()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			redisCircuitFailure()
			return true, nil
		}
		logging.GetLogger().Warn("cooldown check failed, failing open", zap.String("room", roomID), zap.Error(err))
		return true, nil
	}
	return res.(bool), nil
}

// AcquireLock sets the per-room dispatch lock to a unique holder value and
// reports whether this call acquired it.
func (s *Service) AcquireLock(ctx context.Context, roomID, holder string, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return false, errs.ErrStoreUnavailable
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SetNX(ctx, lockKey(roomID), holder, ttl).Result()
	})
	if err != nil {
		return false, unwrapBreaker(err)
	}
	return res.(bool), nil
}

var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// ReleaseLock compare-and-deletes the dispatch lock: it only removes the
// key if the stored value still matches holder, so a lock that expired
// and was re-acquired by another worker is left untouched.
func (s *Service) ReleaseLock(ctx context.Context, roomID, holder string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, releaseLockScript.Run(ctx, s.client, []string{lockKey(roomID)}, holder).Err()
	})
	return unwrapBreaker(err)
}

// --- Message stream cache & persist queue --------------------------------

const persistQueueKey = "msg_persist_queue"

func streamKey(roomID string) string { return "stream:" + roomID }

// StreamRecord is the payload serialized onto the cache Stream and the
// persist queue.
type StreamRecord struct {
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// AppendMessage appends rec to stream(roomId) and returns the auto
// assigned stream id, which becomes the message's public id.
func (s *Service) AppendMessage(ctx context.Context, roomID string, rec StreamRecord) (string, error) {
	if s == nil || s.client == nil {
		return "", errs.ErrStoreUnavailable
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(roomID),
			Values: map[string]interface{}{
				"room_id":   rec.RoomID,
				"user_id":   rec.UserID,
				"content":   rec.Content,
				"timestamp": rec.Timestamp,
			},
		}).Result()
	})
	if err != nil {
		return "", unwrapBreaker(err)
	}
	return res.(string), nil
}

// EnqueuePersist pushes a durable-write candidate onto msg_persist_queue.
func (s *Service) EnqueuePersist(ctx context.Context, redisID string, rec StreamRecord) error {
	if s == nil || s.client == nil {
		return errs.ErrStoreUnavailable
	}
	entry := persistEntry{RedisID: redisID, StreamRecord: rec}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.RPush(ctx, persistQueueKey, entry.encode()).Err()
	})
	return unwrapBreaker(err)
}

// persistEntry is the JSON shape pushed onto msg_persist_queue.
type persistEntry struct {
	RedisID string `json:"redis_id"`
	StreamRecord
}

// DequeuePersistBatch reads up to n elements from the head of the persist
// queue without removing them (LRANGE), leaving removal to
// TrimPersistQueue once the caller's insert commits.
func (s *Service) DequeuePersistBatch(ctx context.Context, n int64) ([]PersistEntry, error) {
	if s == nil || s.client == nil {
		return nil, errs.ErrStoreUnavailable
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.LRange(ctx, persistQueueKey, 0, n-1).Result()
	})
	if err != nil {
		return nil, unwrapBreaker(err)
	}
	raw := res.([]string)
	out := make([]PersistEntry, 0, len(raw))
	for _, r := range raw {
		e, err := decodePersistEntry(r)
		if err != nil {
			logging.GetLogger().Warn("dropping malformed persist queue entry", zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// TrimPersistQueue removes the first n elements from the head of the
// persist queue after a successful durable-store commit.
func (s *Service) TrimPersistQueue(ctx context.Context, n int64) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.LTrim(ctx, persistQueueKey, n, -1).Err()
	})
	return unwrapBreaker(err)
}

// RecentMessages reads up to count entries from stream(roomId), most
// recent first. If cursor is non-empty, results are bounded exclusive of
// cursor (pagination backward in time).
func (s *Service) RecentMessages(ctx context.Context, roomID string, count int64, cursor string) ([]CacheMessage, error) {
	if s == nil || s.client == nil {
		return nil, errs.ErrStoreUnavailable
	}
	start := "+"
	if cursor != "" {
		start = "(" + cursor
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.XRevRangeN(ctx, streamKey(roomID), start, "-", count).Result()
	})
	if err != nil {
		return nil, unwrapBreaker(err)
	}
	msgs := res.([]redis.XMessage)
	out := make([]CacheMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, CacheMessage{
			ID:        m.ID,
			RoomID:    stringVal(m.Values["room_id"]),
			UserID:    stringVal(m.Values["user_id"]),
			Content:   stringVal(m.Values["content"]),
			Timestamp: int64Val(m.Values["timestamp"]),
		})
	}
	return out, nil
}

// CacheMessage is a message as read back from the Stream cache.
type CacheMessage struct {
	ID        string
	RoomID    string
	UserID    string
	Content   string
	Timestamp int64
}

// PersistEntry is a decoded msg_persist_queue element.
type PersistEntry struct {
	RedisID string
	StreamRecord
}

func stringVal(v interface{}) string {
	s, _ := v.(string)
	return s
}

func int64Val(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		var n int64
		fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}
