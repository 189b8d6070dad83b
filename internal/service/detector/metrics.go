package detector

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce      sync.Once
	predictionsTotal *prometheus.CounterVec
	modelErrorsTotal prometheus.Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		predictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securaflow",
			Subsystem: "detector",
			Name:      "predictions_total",
			Help:      "Count of scored observations by scoring path and anomaly type",
		}, []string{"path", "type"})

		modelErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "securaflow",
			Subsystem: "detector",
			Name:      "model_errors_total",
			Help:      "Number of model evaluations that fell back to rule scoring",
		})

		if err := prometheus.Register(predictionsTotal); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					predictionsTotal = existing
				}
			}
		}
		if err := prometheus.Register(modelErrorsTotal); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
					modelErrorsTotal = existing
				}
			}
		}
	})
}

func recordPrediction(path, kind string) {
	predictionsTotal.With(prometheus.Labels{"path": path, "type": kind}).Inc()
}

func recordModelError() {
	modelErrorsTotal.Inc()
}
