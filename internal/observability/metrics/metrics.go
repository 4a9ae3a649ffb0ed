// Package metrics 汇总 AgentDesk 的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransfersTotal 按执行路径与结果统计单笔转账。
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdesk_transfers_total",
		Help: "Total transfers attempted by path and outcome",
	}, []string{"intent", "path", "outcome"})

	// TransferFallbacks 统计从免 gas/代付路径回退的次数。
	TransferFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdesk_transfer_fallbacks_total",
		Help: "Fallbacks from the relay or paymaster path",
	}, []string{"from", "to"})

	AdminTopUps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdesk_admin_topups_total",
		Help: "Admin gas top-ups before legacy schedules",
	}, []string{"outcome"})

	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdesk_batches_total",
		Help: "Batches reaching a terminal status",
	}, []string{"status"})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentdesk_batch_duration_seconds",
		Help:    "Wall time from batch start to terminal status",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	ActiveBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentdesk_active_batches",
		Help: "Batches currently executing",
	})

	DeskActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdesk_desk_actions_total",
		Help: "Task desk actions by kind and result",
	}, []string{"action", "kind", "result"})

	ScheduledReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdesk_scheduled_releases_total",
		Help: "Scheduled transfer releases by outcome",
	}, []string{"outcome"})

	DueTasksPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentdesk_due_tasks_published_total",
		Help: "Due scheduled transfers published to the scheduler queue",
	})

	NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdesk_notifications_failed_total",
		Help: "Best-effort notifications that could not be delivered",
	}, []string{"type"})
)
