/*
 * Prometheus指标定义模块
 *
 * 集中定义分发核心的监控指标：在线总线可用性、在线用户数、
 * 离线推送轮次耗时与推送失败计数。
 */
package prommetrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OnlineBusUnavailableCode 在线总线全副本不可用时上报的故障码
const OnlineBusUnavailableCode = 10001

var (
	// OnlineBusFailureCounter 在线总线发布/订阅故障计数，label为故障码
	OnlineBusFailureCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "online_bus_failure_total",
		Help: "Number of online bus operations that failed, by failure code.",
	}, []string{"code"})

	// OnlineUserGauge 当前在线会话数
	OnlineUserGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "online_user_num",
		Help: "Number of currently subscribed dispatch channels.",
	})

	// MsgOfflinePushFailedCounter 厂商离线推送失败计数
	MsgOfflinePushFailedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msg_offline_push_failed_total",
		Help: "Number of failed vendor offline pushes, by vendor.",
	}, []string{"vendor"})

	// OfflineRoundDuration 离线推送轮次耗时
	OfflineRoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_push_round_duration_seconds",
		Help:    "Duration of complete offline push rounds.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// GroupMsgFanoutCounter 在线群消息扇出计数（含噪声）
	GroupMsgFanoutCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "group_msg_fanout_total",
		Help: "Number of group message envelopes fanned out online, by kind.",
	}, []string{"kind"})
)

// ReportOnlineBusFailure 上报在线总线故障
func ReportOnlineBusFailure(code int) {
	OnlineBusFailureCounter.WithLabelValues(fmt.Sprintf("%d", code)).Inc()
}

// Start 启动指标HTTP服务
func Start(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
