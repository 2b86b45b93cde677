package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storechat_api_requests_total",
			Help: "Total number of REST calls made to the chat backend.",
		},
		[]string{"op", "status"},
	)
	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storechat_api_request_duration_seconds",
			Help:    "REST call latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	socketEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storechat_socket_events_total",
			Help: "Total number of realtime events sent or received.",
		},
		[]string{"direction", "event"},
	)
	socketState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "storechat_socket_state",
			Help: "1 for the current realtime connection state, 0 otherwise.",
		},
		[]string{"state"},
	)
	reconnectAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storechat_reconnect_attempts_total",
			Help: "Total number of realtime reconnect attempts.",
		},
	)
	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storechat_uploads_total",
			Help: "Total number of attachment uploads by outcome.",
		},
		[]string{"outcome"},
	)
	persistTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storechat_persist_total",
			Help: "Total number of message persistence attempts by outcome.",
		},
		[]string{"outcome"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the daemon.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
)

var socketStates = []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "RECONNECTING"}

func init() {
	prometheus.MustRegister(
		apiRequestsTotal,
		apiRequestDuration,
		socketEventsTotal,
		socketState,
		reconnectAttemptsTotal,
		uploadsTotal,
		persistTotal,
		grpcServerHandledTotal,
	)
}

func ObserveAPIRequest(op string, code int, d time.Duration) {
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	apiRequestsTotal.WithLabelValues(op, label).Inc()
	apiRequestDuration.WithLabelValues(op).Observe(d.Seconds())
}

func IncSocketEvent(direction, event string) {
	socketEventsTotal.WithLabelValues(direction, event).Inc()
}

// SetSocketState marks state as the only active connection state.
func SetSocketState(state string) {
	for _, s := range socketStates {
		v := 0.0
		if s == state {
			v = 1
		}
		socketState.WithLabelValues(s).Set(v)
	}
}

func IncReconnectAttempt() {
	reconnectAttemptsTotal.Inc()
}

func IncUpload(outcome string) {
	uploadsTotal.WithLabelValues(outcome).Inc()
}

func IncPersist(outcome string) {
	persistTotal.WithLabelValues(outcome).Inc()
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}
