// Package metrics provides Prometheus instrumentation for ceremonies and the
// key database. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/f3rmion/multisig/ceremony"
)

const (
	// DefaultNamespace is the Prometheus namespace used when none is configured.
	DefaultNamespace = "multisig"

	// Label names
	LabelKind   = "kind"
	LabelStage  = "stage"
	LabelReason = "reason"
	LabelState  = "state"
	LabelTag    = "chain_tag"
	LabelFrom   = "from_version"

	// Ceremony states for the active ceremonies gauge
	StateUnauthorised = "unauthorised"
	StateAuthorised   = "authorised"
)

// Metrics holds the collectors of one node.
type Metrics struct {
	CeremoniesStarted   *prometheus.CounterVec
	CeremoniesCompleted *prometheus.CounterVec
	CeremoniesFailed    *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	BlamedParties       *prometheus.CounterVec
	ActiveCeremonies    *prometheus.GaugeVec
	DroppedMessages     *prometheus.CounterVec
	DBMigrations        *prometheus.CounterVec
	KeysStored          *prometheus.CounterVec
}

// New registers the collectors with reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)

	return &Metrics{
		CeremoniesStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ceremony",
				Name:      "started_total",
				Help:      "Ceremonies authorised by a local request, by kind",
			},
			[]string{LabelKind},
		),
		CeremoniesCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ceremony",
				Name:      "completed_total",
				Help:      "Ceremonies that produced a result, by kind",
			},
			[]string{LabelKind},
		),
		CeremoniesFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ceremony",
				Name:      "failed_total",
				Help:      "Ceremonies that failed, by kind and reason",
			},
			[]string{LabelKind, LabelReason},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ceremony",
				Name:      "stage_duration_seconds",
				Help:      "Time from stage initialisation to finalisation",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{LabelKind, LabelStage},
		),
		BlamedParties: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ceremony",
				Name:      "blamed_parties_total",
				Help:      "Parties blamed in failed ceremonies, by kind and reason",
			},
			[]string{LabelKind, LabelReason},
		),
		ActiveCeremonies: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ceremony",
				Name:      "active",
				Help:      "Running ceremonies, by kind and state",
			},
			[]string{LabelKind, LabelState},
		),
		DroppedMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ceremony",
				Name:      "dropped_messages_total",
				Help:      "Peer messages dropped before reaching a stage, by kind",
			},
			[]string{LabelKind},
		),
		DBMigrations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "keydb",
				Name:      "migrations_total",
				Help:      "Schema migrations applied, by source version",
			},
			[]string{LabelFrom},
		),
		KeysStored: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "keydb",
				Name:      "keys_stored_total",
				Help:      "Keys written to the key database, by chain tag",
			},
			[]string{LabelTag},
		),
	}
}

// CeremonyStarted records an authorised ceremony.
func (m *Metrics) CeremonyStarted(kind ceremony.Kind) {
	if m == nil {
		return
	}
	m.CeremoniesStarted.WithLabelValues(kind.String()).Inc()
}

// CeremonyFinished records the outcome of a ceremony. A nil failure is a
// success.
func (m *Metrics) CeremonyFinished(kind ceremony.Kind, failure *ceremony.Failure) {
	if m == nil {
		return
	}
	if failure == nil {
		m.CeremoniesCompleted.WithLabelValues(kind.String()).Inc()
		return
	}
	reason := failure.Reason.String()
	m.CeremoniesFailed.WithLabelValues(kind.String(), reason).Inc()
	if len(failure.Blamed) > 0 {
		m.BlamedParties.WithLabelValues(kind.String(), reason).Add(float64(len(failure.Blamed)))
	}
}

// ObserveStage records how long a stage ran.
func (m *Metrics) ObserveStage(kind ceremony.Kind, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(kind.String(), stage).Observe(d.Seconds())
}

// CeremonyActive adjusts the active ceremonies gauge by delta.
func (m *Metrics) CeremonyActive(kind ceremony.Kind, state string, delta float64) {
	if m == nil {
		return
	}
	m.ActiveCeremonies.WithLabelValues(kind.String(), state).Add(delta)
}

// MessageDropped records a peer message that was discarded.
func (m *Metrics) MessageDropped(kind ceremony.Kind) {
	if m == nil {
		return
	}
	m.DroppedMessages.WithLabelValues(kind.String()).Inc()
}

// Migrated records a schema migration out of version from.
func (m *Metrics) Migrated(from string) {
	if m == nil {
		return
	}
	m.DBMigrations.WithLabelValues(from).Inc()
}

// KeyStored records a key written for the chain tag.
func (m *Metrics) KeyStored(tag string) {
	if m == nil {
		return
	}
	m.KeysStored.WithLabelValues(tag).Inc()
}
