package paywall

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pwRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "insightgate",
		Subsystem: "paywall",
		Name:      "requests_total",
		Help:      "Total gated requests by outcome.",
	}, []string{"outcome"}) // "admitted", "quoted", or a rejection code

	pwVerifyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "insightgate",
		Subsystem: "paywall",
		Name:      "verify_latency_seconds",
		Help:      "Proof verification latency by scheme.",
		Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 2.5, 10},
	}, []string{"scheme"})

	pwAdmittedUSD = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "insightgate",
		Subsystem: "paywall",
		Name:      "admitted_amount_usd",
		Help:      "Distribution of verified payment amounts in USD.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 10},
	})
)

func init() {
	prometheus.MustRegister(pwRequests, pwVerifyLatency, pwAdmittedUSD)
}
