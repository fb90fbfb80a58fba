package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by the broadcaster, the supervisor and
// the journal. All vectors are labelled by source.
type Metrics struct {
	Published           *prometheus.CounterVec
	ParseSkipped        *prometheus.CounterVec
	Dropped             *prometheus.CounterVec
	Subscribers         *prometheus.GaugeVec
	PipelineStatus      *prometheus.GaugeVec
	TerminationTimeouts *prometheus.CounterVec
	JournalWritten      prometheus.Counter
	JournalErrors       prometheus.Counter
	JournalDropped      prometheus.Counter
}

func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_messages_published_total",
			Help: "Decoded messages published to subscribers.",
		}, []string{"source"}),
		ParseSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_lines_skipped_total",
			Help: "Decoder output lines that did not match any message format.",
		}, []string{"source"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_subscriber_dropped_total",
			Help: "Messages dropped from slow subscriber backlogs.",
		}, []string{"source"}),
		Subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "intercept_subscribers",
			Help: "Currently registered live subscribers.",
		}, []string{"source"}),
		PipelineStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "intercept_pipeline_status",
			Help: "1 for the current status of each pipeline, 0 otherwise.",
		}, []string{"source", "status"}),
		TerminationTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_termination_timeouts_total",
			Help: "Graceful stops that had to escalate to a kill.",
		}, []string{"source"}),
		JournalWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intercept_journal_written_total",
			Help: "Messages written to the durable log.",
		}),
		JournalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intercept_journal_errors_total",
			Help: "Durable log writes that failed.",
		}),
		JournalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intercept_journal_dropped_total",
			Help: "Messages not logged because the durable log queue was full.",
		}),
	}

	registerer.MustRegister(
		m.Published,
		m.ParseSkipped,
		m.Dropped,
		m.Subscribers,
		m.PipelineStatus,
		m.TerminationTimeouts,
		m.JournalWritten,
		m.JournalErrors,
		m.JournalDropped,
	)

	return m
}

// SetPipelineStatus flips the status gauge of source to current.
func (m *Metrics) SetPipelineStatus(source string, current string, all []string) {
	for _, status := range all {
		value := 0.0
		if status == current {
			value = 1
		}

		m.PipelineStatus.WithLabelValues(source, status).Set(value)
	}
}
