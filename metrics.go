package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/agarvision/leaf-disease-service/inference"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type poolSource interface {
	Stats() inference.PoolStats
	Loaded() bool
}

type serviceMetrics struct {
	registry        *prometheus.Registry
	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	predictions     *prometheus.CounterVec
}

func newServiceMetrics(pool poolSource) *serviceMetrics {
	m := &serviceMetrics{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			}, []string{"path", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"path"},
		),
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "predictions_total",
				Help: "Predictions by outcome: accepted, rejected or error",
			}, []string{"outcome"},
		),
	}

	m.registry.MustRegister(
		m.requestCount,
		m.requestDuration,
		m.predictions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if pool != nil {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "model_loaded",
				Help: "1 once the model artifact is in memory",
			}, func() float64 {
				if pool.Loaded() {
					return 1
				}
				return 0
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "model_pool_size",
				Help: "Maximum number of model sessions",
			}, func() float64 { return float64(pool.Stats().Size) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "model_sessions_created",
				Help: "Model sessions currently allocated",
			}, func() float64 { return float64(pool.Stats().Created) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "model_sessions_in_use",
				Help: "Model sessions currently running inference",
			}, func() float64 { return float64(pool.Stats().InUse) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "model_session_acquired_total",
				Help: "Model sessions handed out",
			}, func() float64 { return float64(pool.Stats().TotalAcquired) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "model_session_acquire_failures_total",
				Help: "Failed or timed out session acquisitions",
			}, func() float64 { return float64(pool.Stats().AcquireFailures) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "model_session_discarded_total",
				Help: "Sessions destroyed after a failed run",
			}, func() float64 { return float64(pool.Stats().TotalDiscarded) }),
		)
	}
	return m
}

func (m *serviceMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *serviceMetrics) observePrediction(outcome string) {
	m.predictions.WithLabelValues(outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (m *serviceMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		m.requestCount.WithLabelValues(path, r.Method, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	})
}
