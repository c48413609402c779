// Package audit records broadcast-class shell events — yells, name
// changes, user-pipe creation/consumption, and login/logout — to Redis
// so they survive restarts of the admin API, independent of the shell
// server's own explicitly non-durable session state (spec.md §1
// Non-goals). Grounded on redis.Client's NewClient/Ping diagnostics
// shape (edirooss-zmux-server/redis/client.go).
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// streamKey is the single Redis stream every event is appended to.
// Per-user streams were considered and dropped: the admin API's only
// consumer (GET /audit) wants a single chronological feed, and 30
// users never produce enough volume to warrant sharding.
const streamKey = "npshelld:audit"

// maxRecent mirrors ProcessManager.GetLogs's clamp-to-500 contract.
const maxRecent = 500

// Kind classifies one audited event.
type Kind string

const (
	KindLogin       Kind = "login"
	KindLogout      Kind = "logout"
	KindYell        Kind = "yell"
	KindNameChange  Kind = "name_change"
	KindPipeCreate  Kind = "pipe_create"
	KindPipeConsume Kind = "pipe_consume"
)

// Event is one audited occurrence.
type Event struct {
	Kind   Kind      `json:"kind"`
	User   int       `json:"user"`             // 0-indexed actor; -1 if not applicable
	Detail string    `json:"detail,omitempty"` // human-readable, e.g. the broadcast text
	Time   time.Time `json:"time"`
}

// Log appends audit events to a Redis stream and serves them back out
// newest-first, capped at maxRecent like GetLogs.
type Log struct {
	rdb *redis.Client
	log *zap.Logger
}

// NewLog constructs a Log against addr/db, pinging once at startup the
// same way redis.Client.NewClient does (a failed ping only warns; the
// audit trail is best-effort and must never block shell traffic).
func NewLog(addr string, db int, log *zap.Logger) *Log {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
		MaxRetries:   3,
	})

	l := &Log{rdb: rdb, log: log.Named("audit")}

	pingCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := rdb.Ping(pingCtx).Err()
	if err != nil {
		l.log.Warn("connection failed", zap.Error(err), zap.Duration("ping_rtt", time.Since(start)))
	} else {
		l.log.Info("connection established", zap.Duration("ping_rtt", time.Since(start)))
	}

	return l
}

// Close releases the underlying Redis connection pool.
func (l *Log) Close() error { return l.rdb.Close() }

// Record appends one event. Best-effort: a Redis outage never blocks
// or fails the shell operation that raised the event, matching the
// rest of npshelld's write-and-forget messaging discipline.
func (l *Log) Record(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		l.log.Error("audit event marshal failed", zap.Error(err), zap.String("kind", string(ev.Kind)))
		return
	}
	if err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{"event": string(payload)},
	}).Err(); err != nil {
		l.log.Warn("audit append failed", zap.Error(err), zap.String("kind", string(ev.Kind)))
	}
}

// Recent returns up to n events, newest first. n<=0 or n>maxRecent is
// clamped to maxRecent, mirroring GetLogs's "0 = all available, max
// 500" contract.
func (l *Log) Recent(ctx context.Context, n int) ([]Event, error) {
	if n <= 0 || n > maxRecent {
		n = maxRecent
	}

	msgs, err := l.rdb.XRevRangeN(ctx, streamKey, "+", "-", int64(n)).Result()
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["event"].(string)
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			l.log.Warn("audit entry unmarshal failed", zap.Error(err), zap.String("id", m.ID))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
