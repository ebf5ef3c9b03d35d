package auth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// EventType は認証イベントの種別です。
type EventType string

const (
	EventRegistered     EventType = "registered"
	EventLoginSucceeded EventType = "login_succeeded"
	EventLoginFailed    EventType = "login_failed"
	EventLogout         EventType = "logout"
)

// Event は認証フローで発生した出来事です。IP はマスク済みの値を保持します。
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	SubjectID  string    `json:"subjectId"`
	IP         string    `json:"ip"`
	OccurredAt time.Time `json:"occurredAt"`
}

// EventRecorder はイベントを記録します。
type EventRecorder interface {
	Record(ctx context.Context, event Event) error
}

// EventLister は主体ごとの最近のイベントを新しい順に返します。
type EventLister interface {
	List(ctx context.Context, subjectID string, limit int) ([]Event, error)
}

// LogRecorder はイベントを構造化ログに書き出すだけの Recorder です。
type LogRecorder struct {
	log *zap.Logger
}

// NewLogRecorder は LogRecorder を作成します。
func NewLogRecorder(log *zap.Logger) *LogRecorder {
	return &LogRecorder{log: log}
}

func (r *LogRecorder) Record(_ context.Context, event Event) error {
	r.log.Info("auth event",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("subject_id", event.SubjectID),
		zap.String("ip", event.IP),
		zap.Time("occurred_at", event.OccurredAt),
	)
	return nil
}

// MultiRecorder は複数の Recorder に同じイベントを渡します。
type MultiRecorder []EventRecorder

func (m MultiRecorder) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
