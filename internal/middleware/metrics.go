package middleware

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourusername/gatekeeper/internal/auth"
)

const defaultNamespace = "gatekeeper"

// MetricsOptions はメトリクスの登録先と名前空間です。
type MetricsOptions struct {
	Registerer prometheus.Registerer
	Namespace  string
	Buckets    []float64
}

func (o MetricsOptions) withDefaults() MetricsOptions {
	if o.Registerer == nil {
		o.Registerer = prometheus.DefaultRegisterer
	}
	if o.Namespace == "" {
		o.Namespace = defaultNamespace
	}
	if len(o.Buckets) == 0 {
		o.Buckets = prometheus.DefBuckets
	}
	return o
}

// HTTPMetrics は HTTP リクエストの件数・所要時間・処理中件数を集計します。
type HTTPMetrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// NewHTTPMetrics はコレクターを作成して登録します。
// 同名のコレクターが登録済みならそれを再利用します。
func NewHTTPMetrics(opts MetricsOptions) (*HTTPMetrics, error) {
	opts = opts.withDefaults()
	labels := []string{"method", "route", "status"}

	requests, err := register(opts.Registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: opts.Namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP リクエスト数（method, route, status 別）",
	}, labels))
	if err != nil {
		return nil, err
	}

	duration, err := register(opts.Registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: opts.Namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP リクエストの処理時間（秒）",
		Buckets:   opts.Buckets,
	}, labels))
	if err != nil {
		return nil, err
	}

	inFlight, err := register[prometheus.Gauge](opts.Registerer, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: opts.Namespace,
		Subsystem: "http",
		Name:      "in_flight_requests",
		Help:      "処理中の HTTP リクエスト数",
	}))
	if err != nil {
		return nil, err
	}

	return &HTTPMetrics{
		Requests: requests,
		Duration: duration,
		InFlight: inFlight,
	}, nil
}

// Handler はメトリクスを記録する gin ミドルウェアを返します。
// ルートが一致しないリクエストは "unmatched" にまとめ、ラベルの種類が増えないようにします。
func (m *HTTPMetrics) Handler() gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		start := time.Now()
		m.InFlight.Inc()
		defer m.InFlight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := prometheus.Labels{
			"method": c.Request.Method,
			"route":  route,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		m.Requests.With(labels).Inc()
		m.Duration.With(labels).Observe(time.Since(start).Seconds())
	}
}

// AuthEventMetrics は認証イベントを種別ごとに数えます。auth.EventRecorder として使います。
type AuthEventMetrics struct {
	Events *prometheus.CounterVec
}

// NewAuthEventMetrics はイベントカウンターを作成して登録します。
func NewAuthEventMetrics(opts MetricsOptions) (*AuthEventMetrics, error) {
	opts = opts.withDefaults()
	events, err := register(opts.Registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: opts.Namespace,
		Subsystem: "auth",
		Name:      "events_total",
		Help:      "認証イベント数（type 別）",
	}, []string{"type"}))
	if err != nil {
		return nil, err
	}
	return &AuthEventMetrics{Events: events}, nil
}

func (m *AuthEventMetrics) Record(_ context.Context, event auth.Event) error {
	m.Events.WithLabelValues(string(event.Type)).Inc()
	return nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return collector, fmt.Errorf("register collector: %w", err)
	}
	existing, ok := already.ExistingCollector.(T)
	if !ok {
		return collector, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
	}
	return existing, nil
}

var _ auth.EventRecorder = (*AuthEventMetrics)(nil)
