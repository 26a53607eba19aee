// ============================================================================
// castpool Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 process pool 與 durable queue 的運行指標並以 /metrics 暴露
//
// 指標分類（namespace: castpool）:
//
//   1. 任務計數器 (Counter):
//      - tasks_dispatched_total: 已分派任務總數
//      - tasks_finished_total{result="success|failure"}: 已回報 finish 的任務
//      - worker_events_total{event}: worker 自訂事件
//
//   2. 分佈統計 (Histogram):
//      - task_attempts: 每個任務使用的嘗試次數
//      - task_duration_seconds: finish 回報的 takeUpTime
//
//   3. Worker 生命週期:
//      - workers_spawned_total
//      - workers_exited_total{reason="reclaimed|unexpected"}
//      - workers_live / workers_idle (Gauge)
//
//   4. Queue:
//      - queue_pushed_total / queue_delivered_total / queue_acked_total
//      - queue_pending (Gauge): consumer group 的 pending entry 數
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   rate(castpool_tasks_finished_total{result="failure"}[5m])
//     / rate(castpool_tasks_finished_total[5m])
//
//   # worker 重用率
//   1 - rate(castpool_workers_spawned_total[5m]) / rate(castpool_tasks_dispatched_total[5m])
//
//   # idle 容量
//   castpool_workers_idle / castpool_workers_live
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/castpool/internal/pool"
	"github.com/ChuLiYu/castpool/pkg/types"
)

const namespace = "castpool"

// Collector Prometheus 指標收集器，同時實作 pool.Observer
type Collector struct {
	// 任務相關指標
	tasksDispatched prometheus.Counter
	tasksFinished   *prometheus.CounterVec
	taskAttempts    prometheus.Histogram
	taskDuration    prometheus.Histogram

	// worker 指標
	workersSpawned prometheus.Counter
	workersExited  *prometheus.CounterVec
	workersLive    prometheus.Gauge
	workersIdle    prometheus.Gauge
	workerEvents   *prometheus.CounterVec

	// queue 指標
	queuePushed    prometheus.Counter
	queueDelivered prometheus.Counter
	queueAcked     prometheus.Counter
	queuePending   prometheus.Gauge
}

var _ pool.Observer = (*Collector)(nil)

// NewCollector 創建新的指標收集器並註冊到 reg（nil 表示 prometheus.DefaultRegisterer）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Total number of tasks sent to a worker",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of finish reports by result",
		}, []string{"result"}),
		taskAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_attempts",
			Help:      "Attempts used per finished task",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task processing time reported by workers",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		workersSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_spawned_total",
			Help:      "Total number of worker processes started",
		}),
		workersExited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_exited_total",
			Help:      "Total number of worker processes that exited",
		}, []string{"reason"}),
		workersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_live",
			Help:      "Current number of live worker processes",
		}),
		workersIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_idle",
			Help:      "Current number of idle worker processes",
		}),
		workerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_events_total",
			Help:      "Custom events reported by workers",
		}, []string{"event"}),
		queuePushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_pushed_total",
			Help:      "Total number of records appended to the task stream",
		}),
		queueDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_delivered_total",
			Help:      "Total number of entries delivered to this consumer",
		}),
		queueAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_acked_total",
			Help:      "Total number of entries acknowledged",
		}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Entries delivered to the consumer group but not yet acknowledged",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.tasksDispatched,
		c.tasksFinished,
		c.taskAttempts,
		c.taskDuration,
		c.workersSpawned,
		c.workersExited,
		c.workersLive,
		c.workersIdle,
		c.workerEvents,
		c.queuePushed,
		c.queueDelivered,
		c.queueAcked,
		c.queuePending,
	)

	return c
}

// ============================================================================
// pool.Observer
// ============================================================================

// TaskDispatched 記錄任務分派
func (c *Collector) TaskDispatched(bool) {
	c.tasksDispatched.Inc()
}

// TaskFinished 記錄 finish 回報
func (c *Collector) TaskFinished(f types.Finish) {
	result := "failure"
	if f.Success {
		result = "success"
	}
	c.tasksFinished.WithLabelValues(result).Inc()
	c.taskAttempts.Observe(float64(f.Retry))
	c.taskDuration.Observe(f.Duration().Seconds())
}

func (c *Collector) WorkerSpawned() {
	c.workersSpawned.Inc()
}

func (c *Collector) WorkerExited(reclaimed bool) {
	reason := "unexpected"
	if reclaimed {
		reason = "reclaimed"
	}
	c.workersExited.WithLabelValues(reason).Inc()
}

func (c *Collector) WorkerEvent(name string) {
	c.workerEvents.WithLabelValues(name).Inc()
}

// PoolState 更新 worker 數量
func (c *Collector) PoolState(live, idle int) {
	c.workersLive.Set(float64(live))
	c.workersIdle.Set(float64(idle))
}

// ============================================================================
// Queue
// ============================================================================

// RecordPush 記錄一筆 entry 寫入 stream
func (c *Collector) RecordPush() {
	c.queuePushed.Inc()
}

// RecordDelivered 記錄 consumer 取得的 entry 數
func (c *Collector) RecordDelivered(n int) {
	c.queueDelivered.Add(float64(n))
}

// RecordAcked 記錄確認的 entry 數
func (c *Collector) RecordAcked(n int64) {
	c.queueAcked.Add(float64(n))
}

// SetPending 設置 pending entry 數
func (c *Collector) SetPending(n int64) {
	c.queuePending.Set(float64(n))
}

// ============================================================================
// HTTP
// ============================================================================

// Handler 返回 gatherer 的 /metrics handler（nil 表示 prometheus.DefaultGatherer）
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 取消時關閉
//
// 參數：
//   - ctx: 控制伺服器生命週期
//   - port: HTTP 伺服器端口
//   - g: 指標來源（nil 表示預設 registry）
//
// 返回值：
//   - error: 啟動失敗的錯誤；正常關閉返回 nil
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
