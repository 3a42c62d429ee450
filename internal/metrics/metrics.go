package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the scanner exports. Build one per process
// with New and pass it to the services that record into it.
type Metrics struct {
	ScansDispatched     prometheus.Counter
	ScansSkipped        prometheus.Counter
	DispatchErrors      prometheus.Counter
	Responses           *prometheus.CounterVec
	SessionsOpened      prometheus.Counter
	SessionErrors       prometheus.Counter
	SessionDuration     prometheus.Histogram
	NotificationsDrop   prometheus.Counter
	BrokerDropped       *prometheus.CounterVec
	Subscribers         prometheus.Gauge
	HTTPRequests        *prometheus.CounterVec
	HTTPInFlight        prometheus.Gauge
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg keeps them unregistered,
// which tests rely on.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ScansDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "automaton",
			Name:      "scans_dispatched_total",
			Help:      "Scan requests published to workers",
		}),
		ScansSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "automaton",
			Name:      "scans_skipped_total",
			Help:      "Hosts skipped because they have no workload or rules",
		}),
		DispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "automaton",
			Name:      "scan_dispatch_errors_total",
			Help:      "Hosts whose request could not be persisted or published",
		}),
		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automaton",
			Name:      "scan_responses_total",
			Help:      "Scan responses handled by the listener, by outcome",
		}, []string{"outcome"}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "automaton",
			Name:      "remote_sessions_opened_total",
			Help:      "Remote sessions opened",
		}),
		SessionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "automaton",
			Name:      "remote_session_errors_total",
			Help:      "Remote sessions that failed to open",
		}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "automaton",
			Name:      "remote_session_seconds",
			Help:      "Lifetime of a remote session",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		NotificationsDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "automaton",
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because the queue was full",
		}),
		BrokerDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automaton",
			Name:      "broker_messages_dropped_total",
			Help:      "Broker messages lost because a subscriber buffer was full",
		}, []string{"channel"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "automaton",
			Name:      "notification_subscribers",
			Help:      "Live notification subscribers",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automaton",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status",
		}, []string{"method", "status"}),
		HTTPInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "automaton",
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests being served",
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "automaton",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ScansDispatched, m.ScansSkipped, m.DispatchErrors, m.Responses,
			m.SessionsOpened, m.SessionErrors, m.SessionDuration,
			m.NotificationsDrop, m.BrokerDropped, m.Subscribers,
			m.HTTPRequests, m.HTTPInFlight, m.HTTPRequestDuration,
		)
	}
	return m
}

// Discard returns unregistered collectors.
func Discard() *Metrics { return New(nil) }
