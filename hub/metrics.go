package hub

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the hub's prometheus collectors. serve.go registers them
// against the default registry and exposes them on the metrics endpoint
// the same way the teacher's serve command mounts promhttp.Handler.
type metrics struct {
	connections    prometheus.Counter
	disconnects    *prometheus.CounterVec
	loginsTotal    prometheus.Counter
	hbriIssued     prometheus.Counter
	hbriSucceeded  prometheus.Counter
	hbriTimedOut   prometheus.Counter
	rosterSize     prometheus.Gauge
	bytesOut       prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adchub_connections_total",
			Help: "Total TCP/TLS connections accepted.",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adchub_disconnects_total",
			Help: "Disconnects by reason.",
		}, []string{"reason"}),
		loginsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adchub_logins_total",
			Help: "Entities that reached NORMAL.",
		}),
		hbriIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adchub_hbri_issued_total",
			Help: "HBRI tokens issued.",
		}),
		hbriSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adchub_hbri_succeeded_total",
			Help: "HBRI validations that completed successfully.",
		}),
		hbriTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adchub_hbri_timed_out_total",
			Help: "HBRI tokens that expired before validation.",
		}),
		rosterSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adchub_roster_size",
			Help: "Entities currently in NORMAL state.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adchub_bytes_out_total",
			Help: "Bytes handed to client connections for sending, counted before any overflow drop.",
		}),
	}
}

// Register adds every collector to reg, typically prometheus.DefaultRegisterer.
func (m *metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.connections,
		m.disconnects,
		m.loginsTotal,
		m.hbriIssued,
		m.hbriSucceeded,
		m.hbriTimedOut,
		m.rosterSize,
		m.bytesOut,
	)
}
