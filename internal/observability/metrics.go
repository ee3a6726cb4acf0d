package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_http_requests_total",
			Help: "Total number of HTTP requests processed by the realtime service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "realtime_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcClientHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_grpc_client_handled_total",
			Help: "Total number of outbound gRPC calls by result code.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_ws_active_connections",
			Help: "Number of registered websocket connections.",
		},
	)
	onlineIdentities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_online_identities",
			Help: "Number of identities with at least one live connection.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_ws_events_total",
			Help: "Total number of inbound websocket events.",
		},
		[]string{"event", "status"},
	)
	busDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_bus_deliveries_total",
			Help: "Events handed to connection send queues, by outcome.",
		},
		[]string{"outcome"},
	)
	notificationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_notification_attempts_total",
			Help: "Notification delivery attempts by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
	callSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_call_sessions_total",
			Help: "Call sessions reaching a status.",
		},
		[]string{"status"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcClientHandledTotal,
		wsActiveConnections,
		onlineIdentities,
		wsEventsTotal,
		busDeliveriesTotal,
		notificationAttemptsTotal,
		callSessionsTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCClientMetricsUnaryInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		service, name := splitFullMethod(method)
		grpcClientHandledTotal.WithLabelValues(service, name, status.Code(err).String()).Inc()
		return err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func SetOnlineIdentities(n int) {
	onlineIdentities.Set(float64(n))
}

func IncWSEvent(event, status string) {
	wsEventsTotal.WithLabelValues(event, status).Inc()
}

func IncBusDelivery(outcome string) {
	busDeliveriesTotal.WithLabelValues(outcome).Inc()
}

func IncNotificationAttempt(channel, outcome string) {
	notificationAttemptsTotal.WithLabelValues(channel, outcome).Inc()
}

func IncCallSession(status string) {
	callSessionsTotal.WithLabelValues(status).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
