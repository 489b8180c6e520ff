// Package metrics holds the Prometheus collectors for the broadcaster and the process supervisor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cmdcast"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves the metrics in reg.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Broadcast holds the fan-out metrics.
type Broadcast struct {
	Clients        prometheus.Gauge
	HistoryLines   prometheus.Gauge
	LinesBroadcast prometheus.Counter
	SendFailures   prometheus.Counter
}

func NewBroadcast(reg prometheus.Registerer) *Broadcast {
	m := &Broadcast{
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "clients",
			Help:      "Number of registered viewers.",
		}),
		HistoryLines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "history_lines",
			Help:      "Number of lines currently held in the replay history.",
		}),
		LinesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "lines_total",
			Help:      "Total number of lines broadcast.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "send_failures_total",
			Help:      "Total number of viewers dropped because a send failed.",
		}),
	}
	reg.MustRegister(m.Clients, m.HistoryLines, m.LinesBroadcast, m.SendFailures)
	return m
}

// Supervisor holds the process supervision metrics.
type Supervisor struct {
	Restarts      prometheus.Counter
	SpawnFailures prometheus.Counter
}

func NewSupervisor(reg prometheus.Registerer) *Supervisor {
	m := &Supervisor{
		Restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Total number of times the watched command was restarted.",
		}),
		SpawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "spawn_failures_total",
			Help:      "Total number of times the watched command could not be started.",
		}),
	}
	reg.MustRegister(m.Restarts, m.SpawnFailures)
	return m
}
