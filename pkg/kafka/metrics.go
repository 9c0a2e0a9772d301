package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parscade_kafka_published_total",
			Help: "Total number of events published to Kafka",
		},
		[]string{"topic"},
	)

	publishErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parscade_kafka_publish_errors_total",
			Help: "Total number of failed Kafka publishes",
		},
		[]string{"topic"},
	)

	publishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parscade_kafka_publish_duration_seconds",
			Help:    "Duration of Kafka publishes in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"topic"},
	)
)
