package jobs

import (
	"time"

	"github.com/yourusername/gatekeeper/internal/auth"
)

const (
	// TaskTypeAuthEvent は認証イベントを履歴に追記するタスクです。
	TaskTypeAuthEvent = "auth:event"

	queueName        = "auth"
	workerCount      = 4
	maxTaskRetry     = 3
	historyKeyBase   = "auth:events:"
	dedupeKeyBase    = "auth:events:seen:"
	defaultLimit     = 50
	defaultRetention = 30 * 24 * time.Hour
)

// TaskPayload は認証イベントタスクのペイロードです。
type TaskPayload struct {
	Event      auth.Event `json:"event"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
}
