package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatRequests        prometheus.Counter
	ChatErrors          prometheus.Counter
	StreamChunksSkipped prometheus.Counter
	ModelListFailures   prometheus.Counter
	CacheLookups        prometheus.Counter
	CacheHits           prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ChatRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "allma",
				Name:      "chat_requests_total",
				Help:      "Total chat completion requests issued upstream",
			}),
			ChatErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "allma",
				Name:      "chat_errors_total",
				Help:      "Total chat completion requests that failed",
			}),
			StreamChunksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "allma",
				Name:      "stream_chunks_skipped_total",
				Help:      "Total malformed stream chunks skipped during decoding",
			}),
			ModelListFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "allma",
				Name:      "model_list_failures_total",
				Help:      "Total failed model listing calls",
			}),
			CacheLookups: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "allma",
				Name:      "cache_lookups_total",
				Help:      "Total response cache lookups",
			}),
			CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "allma",
				Name:      "cache_hits_total",
				Help:      "Total response cache hits",
			}),
		}
		prometheus.MustRegister(
			global.ChatRequests,
			global.ChatErrors,
			global.StreamChunksSkipped,
			global.ModelListFailures,
			global.CacheLookups,
			global.CacheHits,
		)
	})
	return global
}
