package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcp_agent"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by handler, method and status code.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"handler", "method"})

	registryRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registry_refresh_total",
		Help:      "Tool registry refresh attempts by outcome.",
	}, []string{"outcome"})

	registryTools = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registry_tools",
		Help:      "Number of tools in the current registry snapshot.",
	})

	registryGeneration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registry_generation",
		Help:      "Generation of the current registry snapshot.",
	})

	inferenceCalls = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "inference_duration_seconds",
		Help:      "Inference call latency by outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"outcome"})

	toolCalls = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_call_duration_seconds",
		Help:      "Tool invocation latency by tool and outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"tool", "outcome"})

	runs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Conversation run latency by outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"outcome"})

	planJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "plan_jobs_total",
		Help:      "Asynchronous plan jobs by outcome.",
	}, []string{"outcome"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpLatency,
		registryRefreshes, registryTools, registryGeneration,
		inferenceCalls, toolCalls, runs, planJobs,
	)
}

// Registry exposes the underlying registry, mainly for tests.
func Registry() *prometheus.Registry { return registry }

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveRegistryRefresh records one refresh attempt.
func ObserveRegistryRefresh(success bool, tools int, generation uint64) {
	if !success {
		registryRefreshes.WithLabelValues("failure").Inc()
		return
	}
	registryRefreshes.WithLabelValues("success").Inc()
	registryTools.Set(float64(tools))
	registryGeneration.Set(float64(generation))
}

// ObserveInference records one model call.
func ObserveInference(outcome string, duration time.Duration) {
	inferenceCalls.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveToolCall records one tool invocation or synthesized result.
func ObserveToolCall(tool, outcome string, duration time.Duration) {
	toolCalls.WithLabelValues(tool, outcome).Observe(duration.Seconds())
}

// ObserveRun records one completed engine run.
func ObserveRun(outcome string, duration time.Duration) {
	runs.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObservePlanJob records the outcome of an asynchronous plan job.
func ObservePlanJob(outcome string) {
	planJobs.WithLabelValues(outcome).Inc()
}
