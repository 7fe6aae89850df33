package server

import "github.com/prometheus/client_golang/prometheus"

// httpMetrics bundles the vectors instrumentHandler curries per route,
// grounded on the teacher's server.go metrics registration (requestCounter/
// durationHist/sizeHist), registered once per Server instance rather than
// globally so tests can build independent Servers.
type httpMetrics struct {
	requestCounter *prometheus.CounterVec
	durationHist   *prometheus.HistogramVec
	sizeHist       *prometheus.HistogramVec
}

func newHTTPMetrics(reg *prometheus.Registry) *httpMetrics {
	if reg == nil {
		return nil
	}
	m := &httpMetrics{
		requestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Count of all HTTP requests.",
		}, []string{"code", "method", "handler"}),
		durationHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "A histogram of latencies for requests.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5},
		}, []string{"code", "method", "handler"}),
		sizeHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_response_size_bytes",
			Help:    "A histogram of response sizes for requests.",
			Buckets: []float64{200, 500, 900, 1500},
		}, []string{"code", "method", "handler"}),
	}
	reg.MustRegister(m.requestCounter, m.durationHist, m.sizeHist)
	return m
}

// frameMetrics counts WebSocket frames by direction and type, the relay's
// own addition to the teacher's HTTP-only metrics since the WS surface has
// no HTTP request/response cycle for promhttp to instrument.
type frameMetrics struct {
	framesTotal *prometheus.CounterVec
}

func newFrameMetrics(reg *prometheus.Registry) *frameMetrics {
	if reg == nil {
		return nil
	}
	m := &frameMetrics{
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_ws_frames_total",
			Help: "Count of WebSocket frames handled, by endpoint kind and frame type.",
		}, []string{"kind", "type"}),
	}
	reg.MustRegister(m.framesTotal)
	return m
}

func (m *frameMetrics) observe(kind, frameType string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(kind, frameType).Inc()
}
