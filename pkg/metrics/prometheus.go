package metrics

import (
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	featureTotal    *prometheus.CounterVec
	featureDuration *prometheus.HistogramVec
	stepTotal       *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	transitionTotal *prometheus.CounterVec
	duplicateTotal  prometheus.Counter
}

// NewPrometheusRecorder registers the gate metrics with reg. A nil reg uses
// the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		featureTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platforminit_feature_steps_total",
				Help: "Feature step results by step, feature and outcome",
			},
			[]string{"step", "feature", "outcome"},
		),
		featureDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "platforminit_feature_step_duration_seconds",
				Help:    "Time from issuing a feature step to obtaining its result",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step", "feature"},
		),
		stepTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platforminit_steps_total",
				Help: "Aggregate step verdicts",
			},
			[]string{"step", "status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "platforminit_step_duration_seconds",
				Help:    "Duration of a whole step over every required feature",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		transitionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platforminit_transitions_total",
				Help: "Gate state transitions",
			},
			[]string{"from", "to"},
		),
		duplicateTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "platforminit_duplicate_gestures_total",
				Help: "User gestures ignored because the gate was already triggered",
			},
		),
	}
}

// ObserveFeature records one feature's contribution to a step.
func (p *PrometheusRecorder) ObserveFeature(step, featureID, outcome string, duration time.Duration) {
	p.featureTotal.WithLabelValues(step, featureID, outcome).Inc()
	p.featureDuration.WithLabelValues(step, featureID).Observe(duration.Seconds())
}

// ObserveStep records the aggregate verdict of a step.
func (p *PrometheusRecorder) ObserveStep(step string, passed bool, duration time.Duration) {
	status := "passed"
	if !passed {
		status = "failed"
	}
	p.stepTotal.WithLabelValues(step, status).Inc()
	p.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// ObserveTransition counts a state change.
func (p *PrometheusRecorder) ObserveTransition(from, to string) {
	p.transitionTotal.WithLabelValues(from, to).Inc()
}

// IncDuplicateGesture counts gestures ignored by the once-only guard.
func (p *PrometheusRecorder) IncDuplicateGesture() {
	p.duplicateTotal.Inc()
}

// Families gathers the metric families of g whose name starts with prefix.
// An empty prefix keeps every family.
func Families(g prometheus.Gatherer, prefix string) ([]*dto.MetricFamily, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}
	out := families[:0]
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), prefix) {
			out = append(out, mf)
		}
	}
	return out, nil
}

// WriteText writes the families of g matching prefix in the Prometheus text
// exposition format.
func WriteText(w io.Writer, g prometheus.Gatherer, prefix string) error {
	families, err := Families(g, prefix)
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
