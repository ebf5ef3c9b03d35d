package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/gatekeeper/internal/auth"
)

// appendScript は同じイベント ID を二度追記しないように、
// 重複判定・追記・件数の切り詰め・有効期限の更新を一括で行います。
var appendScript = redis.NewScript(`
if redis.call('SET', KEYS[2], '1', 'NX', 'PX', ARGV[3]) then
	redis.call('LPUSH', KEYS[1], ARGV[1])
	redis.call('LTRIM', KEYS[1], 0, tonumber(ARGV[2]) - 1)
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	return 1
end
return 0
`)

// Store は主体ごとの認証イベント履歴を Redis のリストに保存します。
// 新しいイベントが先頭に来て、limit 件を超えた古いものは捨てられます。
type Store struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, limit int, ttl time.Duration) *Store {
	if limit <= 0 {
		limit = defaultLimit
	}
	if ttl <= 0 {
		ttl = defaultRetention
	}
	return &Store{
		rdb:   rdb,
		limit: limit,
		ttl:   ttl,
	}
}

// Append はイベントを履歴に追記します。既に追記済みの ID なら false を返します。
func (s *Store) Append(ctx context.Context, event auth.Event) (bool, error) {
	if event.SubjectID == "" {
		return false, fmt.Errorf("event.SubjectID is required")
	}
	if event.ID == "" {
		return false, fmt.Errorf("event.ID is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return false, err
	}

	added, err := appendScript.Run(ctx, s.rdb,
		[]string{historyKey(event.SubjectID), dedupeKey(event.ID)},
		payload, s.limit, s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}
	return added == 1, nil
}

// List は主体の最近のイベントを新しい順に最大 limit 件返します。
func (s *Store) List(ctx context.Context, subjectID string, limit int) ([]auth.Event, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("subjectID is required")
	}
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}

	items, err := s.rdb.LRange(ctx, historyKey(subjectID), 0, int64(limit-1)).Result()
	if err != nil {
		if err == redis.Nil {
			return []auth.Event{}, nil
		}
		return nil, err
	}

	events := make([]auth.Event, 0, len(items))
	for _, item := range items {
		var event auth.Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}

func historyKey(subjectID string) string {
	return historyKeyBase + subjectID
}

func dedupeKey(eventID string) string {
	return dedupeKeyBase + eventID
}

var _ auth.EventLister = (*Store)(nil)
