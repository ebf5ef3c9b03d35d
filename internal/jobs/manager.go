package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/yourusername/gatekeeper/internal/auth"
	"github.com/yourusername/gatekeeper/internal/config"
)

// enqueuer は asynq.Client のうち Manager が使う部分です。
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Manager は認証イベントをキューに投入し、ワーカーで履歴に書き込みます。
// auth.EventRecorder と auth.EventLister の両方を満たします。
type Manager struct {
	client enqueuer
	server *asynq.Server
	mux    *asynq.ServeMux
	store  *Store
	logger *zap.Logger
	now    func() time.Time
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, store *Store, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: workerCount,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)
	return newManager(asynq.NewClient(opt), server, store, logger), nil
}

func newManager(client enqueuer, server *asynq.Server, store *Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	manager := &Manager{
		client: client,
		server: server,
		mux:    asynq.NewServeMux(),
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	manager.mux.HandleFunc(TaskTypeAuthEvent, manager.handleEventTask)
	return manager
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.server != nil {
		m.server.Shutdown()
	}
	return m.client.Close()
}

// Record はイベントをキューに投入します。
func (m *Manager) Record(ctx context.Context, event auth.Event) error {
	if event.SubjectID == "" {
		return fmt.Errorf("event.SubjectID is required")
	}

	body, err := json.Marshal(&TaskPayload{
		Event:      event,
		EnqueuedAt: m.now().UTC(),
	})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypeAuthEvent, body, asynq.Queue(queueName))
	if _, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(maxTaskRetry)); err != nil {
		return fmt.Errorf("enqueue auth event: %w", err)
	}
	return nil
}

// List は主体の履歴を返します。
func (m *Manager) List(ctx context.Context, subjectID string, limit int) ([]auth.Event, error) {
	return m.store.List(ctx, subjectID, limit)
}

var (
	_ auth.EventRecorder = (*Manager)(nil)
	_ auth.EventLister   = (*Manager)(nil)
)
