// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package metrics holds the prometheus collectors of the daemon. Collectors
// are package level so that the dispatch code can record values without
// passing a registry around. Register has to be called once before the
// values are exposed.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bdgate"

var (
	devices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Number of registered devices.",
		},
	)

	operations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations",
			Help:      "Operations of a device by state, queued or in_flight.",
		},
		[]string{"device", "serial", "state"},
	)

	completed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_completed_total",
			Help:      "Operations which left a device, by direction and result.",
		},
		[]string{"direction", "result"},
	)

	dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_seconds",
			Help:      "Time an operation spent queued before a worker fetched it.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"direction"},
	)

	controlRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_requests_total",
			Help:      "Control channel requests by kind and response code.",
		},
		[]string{"kind", "code"},
	)
)

var registerMetrics sync.Once

// Register all collectors with reg. Subsequent calls do nothing.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(devices)
		reg.MustRegister(operations)
		reg.MustRegister(completed)
		reg.MustRegister(dispatchLatency)
		reg.MustRegister(controlRequests)
	})
}

func RecordDevices(n int) {
	devices.Set(float64(n))
}

// RecordQueue records the number of queued and in flight operations of the
// device. The serial tells apart devices registered under the same name.
func RecordQueue(device, serial string, queued, inFlight int) {
	operations.WithLabelValues(device, serial, "queued").Set(float64(queued))
	operations.WithLabelValues(device, serial, "in_flight").Set(float64(inFlight))
}

// ForgetDevice drops the per device series after the device is removed.
func ForgetDevice(device, serial string) {
	operations.DeleteLabelValues(device, serial, "queued")
	operations.DeleteLabelValues(device, serial, "in_flight")
}

func RecordCompleted(direction, result string) {
	completed.WithLabelValues(direction, result).Inc()
}

func RecordDispatchLatency(direction string, d time.Duration) {
	dispatchLatency.WithLabelValues(direction).Observe(d.Seconds())
}

func RecordControlRequest(kind, code string) {
	controlRequests.WithLabelValues(kind, code).Inc()
}
