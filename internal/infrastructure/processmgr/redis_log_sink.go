package processmgr

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// maxLogLines caps the per-process ring at 500 lines.
const maxLogLines = 500

// RedisLogSink persists the last maxLogLines lines per process name in
// Redis (LPUSH/LTRIM), so logs survive a control-daemon restart.
type RedisLogSink struct {
	log *zap.Logger
	rdb *redis.Client
}

func NewRedisLogSink(log *zap.Logger, rdb *redis.Client) *RedisLogSink {
	return &RedisLogSink{log: log.Named("processmgr.logsink"), rdb: rdb}
}

func (s *RedisLogSink) Append(name, line string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := s.key(name)
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, key, line)
	pipe.LTrim(ctx, key, 0, maxLogLines-1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn("append log line failed", zap.String("name", name), zap.Error(err))
	}
}

// GetLogs returns the last n lines (newest first) for name; an n outside
// [1, maxLogLines] returns maxLogLines lines.
func (s *RedisLogSink) GetLogs(ctx context.Context, name string, n int) ([]string, error) {
	if n <= 0 || n > maxLogLines {
		n = maxLogLines
	}
	return s.rdb.LRange(ctx, s.key(name), 0, int64(n-1)).Result()
}

func (s *RedisLogSink) key(name string) string { return "ctrld:proclog:" + name }
