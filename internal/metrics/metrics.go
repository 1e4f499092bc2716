// Registers:
//
//	#optionsflow_trades_ingested_total
//	#optionsflow_trades_classified_total
//	#optionsflow_trades_dropped_total
//	#go_* and process_* system metrics
//
// Exposes them on :2112/metrics using the Prometheus HTTP handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once             sync.Once
	tradesIngested   *prometheus.CounterVec
	tradesClassified *prometheus.CounterVec
	tradesDropped    *prometheus.CounterVec
)

// Init registers the Prometheus collectors and starts the scrape server. Safe
// to call more than once; only the first call takes effect.
func Init(addr string) {
	once.Do(func() {
		tradesIngested = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionsflow_trades_ingested_total",
				Help: "Number of raw trade prints accepted from the ingestion farm",
			},
			[]string{"session"},
		)

		tradesClassified = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionsflow_trades_classified_total",
				Help: "Number of trade prints classified, by execution level",
			},
			[]string{"execution_level"},
		)

		tradesDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionsflow_trades_dropped_total",
				Help: "Number of trades dropped at a bounded channel, by stage",
			},
			[]string{"stage"},
		)

		_ = prometheus.Register(tradesIngested)
		_ = prometheus.Register(tradesClassified)
		_ = prometheus.Register(tradesDropped)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if addr == "" {
			addr = "0.0.0.0:2112"
		}

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}

// IncrementIngested increases the ingested-trade counter for a session id.
func IncrementIngested(session string) {
	if tradesIngested != nil {
		tradesIngested.WithLabelValues(session).Inc()
	}
}

// IncrementClassified increases the classified-trade counter for an execution level.
func IncrementClassified(executionLevel string) {
	if tradesClassified != nil {
		tradesClassified.WithLabelValues(executionLevel).Inc()
	}
}

// IncrementDropped increases the dropped-trade counter for a pipeline stage.
func IncrementDropped(stage string) {
	if tradesDropped != nil {
		tradesDropped.WithLabelValues(stage).Inc()
	}
}
