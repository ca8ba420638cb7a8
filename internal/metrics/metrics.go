package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MachinesSelected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drain_gear_machines_selected",
		Help: "Number of machines selected for this drain run.",
	})

	MachinesPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drain_gear_machines_pending",
		Help: "Machines still awaiting restart in the current run.",
	})

	PollCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drain_gear_poll_cycles_total",
		Help: "Total number of drain poll cycles completed.",
	})

	WarningsSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drain_gear_warnings_sent_total",
		Help: "Total session warning notifications delivered.",
	})

	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drain_gear_restarts_total",
			Help: "Restart actions issued, partitioned by mode (drained or forced).",
		},
		[]string{"mode"},
	)

	BrokerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drain_gear_broker_errors_total",
			Help: "Broker API call failures, partitioned by operation.",
		},
		[]string{"op"},
	)
)

// EventDB is the subset of eventlog.Store needed to collect event metrics.
type EventDB interface {
	CountBySeverity() (map[string]int, error)
}

// eventCollector is a custom Prometheus collector that queries the event
// log on each scrape to report event counts broken down by severity.
type eventCollector struct {
	db         EventDB
	eventsDesc *prometheus.Desc
}

func (c *eventCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsDesc
}

func (c *eventCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.db.CountBySeverity()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.eventsDesc, err)
		return
	}
	for severity, n := range counts {
		ch <- prometheus.MustNewConstMetric(
			c.eventsDesc,
			prometheus.GaugeValue,
			float64(n),
			severity,
		)
	}
}

// Register registers all metrics with the default Prometheus registry.
// Call once at startup after the event log is initialised.
func Register(db EventDB) {
	prometheus.MustRegister(
		// Standard Go runtime and process metrics
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		// Drain campaign metrics
		MachinesSelected,
		MachinesPending,
		PollCyclesTotal,
		WarningsSentTotal,
		RestartsTotal,
		BrokerErrorsTotal,

		// Event log metrics
		&eventCollector{
			db: db,
			eventsDesc: prometheus.NewDesc(
				"drain_gear_events_total",
				"Operational log events recorded, partitioned by severity.",
				[]string{"severity"},
				nil,
			),
		},
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
