package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "privd"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	stageDuration   *prom.HistogramVec
	requestDuration *prom.HistogramVec
	outcomes        *prom.CounterVec
	access          *prom.CounterVec
	probes          *prom.CounterVec
	acquisitions    *prom.CounterVec
	writeFallbacks  prom.Counter
	deliveryErrors  *prom.CounterVec
	queueDepth      prom.Gauge
	channelReady    prom.Gauge
}

// NewPrometheusRecorder constructs metrics and registers them with reg.
// A nil reg gets a fresh private registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual install protocol stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"}),
		requestDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of privileged requests from dequeue to outcome",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		outcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "request_outcomes_total",
			Help:      "Request outcomes by kind and result",
		}, []string{"kind", "result"}),
		access: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "access_decisions_total",
			Help:      "Whitelist decisions by result",
		}, []string{"allowed"}),
		probes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "channel_probes_total",
			Help:      "Target readiness probes by result",
		}, []string{"result"}),
		acquisitions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "channel_acquisitions_total",
			Help:      "Command channel acquisitions by result",
		}, []string{"result"}),
		writeFallbacks: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "write_fallbacks_total",
			Help:      "Requests that switched from path writes to stream writes",
		}),
		deliveryErrors: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_errors_total",
			Help:      "Callback failures by callback type",
		}, []string{"callback"}),
		queueDepth: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Requests waiting for the install worker",
		}),
		channelReady: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_ready",
			Help:      "1 when a ready command channel is held",
		}),
	}
	reg.MustRegister(pr.stageDuration, pr.requestDuration, pr.outcomes, pr.access, pr.probes,
		pr.acquisitions, pr.writeFallbacks, pr.deliveryErrors, pr.queueDepth, pr.channelReady)
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveRequestDuration(kind string, d time.Duration) {
	if p == nil {
		return
	}
	p.requestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncOutcome(kind string, result ResultLabel) {
	if p == nil {
		return
	}
	p.outcomes.WithLabelValues(kind, string(result)).Inc()
}

func (p *PrometheusRecorder) IncAccessDecision(allowed bool) {
	if p == nil {
		return
	}
	label := "false"
	if allowed {
		label = "true"
	}
	p.access.WithLabelValues(label).Inc()
}

func (p *PrometheusRecorder) IncProbe(result string) {
	if p == nil {
		return
	}
	p.probes.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) IncAcquisition(success bool) {
	if p == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.acquisitions.WithLabelValues(res).Inc()
}

func (p *PrometheusRecorder) IncWriteFallback() {
	if p == nil {
		return
	}
	p.writeFallbacks.Inc()
}

func (p *PrometheusRecorder) IncDeliveryError(callback string) {
	if p == nil {
		return
	}
	p.deliveryErrors.WithLabelValues(callback).Inc()
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	if p == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusRecorder) SetChannelReady(ready bool) {
	if p == nil {
		return
	}
	v := 0.0
	if ready {
		v = 1
	}
	p.channelReady.Set(v)
}
