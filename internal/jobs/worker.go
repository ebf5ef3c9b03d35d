// Package jobs は認証イベントを Asynq 経由で非同期に Redis の履歴へ書き込みます。
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
// シグナル処理と停止は呼び出し側の Shutdown に任せます。
func (m *Manager) StartWorkers() error {
	if m.server == nil {
		return nil
	}
	if err := m.server.Start(m.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	return nil
}

func (m *Manager) handleEventTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Event.ID == "" || payload.Event.SubjectID == "" {
		return fmt.Errorf("missing event id or subject: %w", asynq.SkipRetry)
	}

	added, err := m.store.Append(ctx, payload.Event)
	if err != nil {
		return err
	}
	if !added {
		m.logger.Debug("auth event already stored", zap.String("event_id", payload.Event.ID))
	}
	return nil
}
