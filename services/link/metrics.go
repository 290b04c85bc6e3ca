package link

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "modemlink"
	metricsSubsystem = "link"
)

// Metrics is a TraceSink exporting link activity to Prometheus.
type Metrics struct {
	interrupts  *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	doorbells   *prometheus.CounterVec
	escalations *prometheus.CounterVec
	suppressed  *prometheus.CounterVec
	resets      *prometheus.CounterVec
	guardFires  *prometheus.CounterVec
	power       *prometheus.CounterVec
	fifoFull    *prometheus.CounterVec
	phase       prometheus.Gauge
	lanes       *prometheus.GaugeVec
}

// NewMetrics registers the link collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		interrupts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: metricsSubsystem,
			Name: "interrupts_total", Help: "Peer interrupts handled.",
		}, []string{"signal"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: metricsSubsystem,
			Name: "interrupts_dropped_total", Help: "Peer interrupts dropped while masked or stopped.",
		}, []string{"signal"}),
		doorbells: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: metricsSubsystem,
			Name: "doorbells_total", Help: "Doorbells rung towards the peer.",
		}, []string{"bell"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: metricsSubsystem,
			Name: "escalations_total", Help: "Reset escalations started.",
		}, []string{"reason"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: metricsSubsystem,
			Name: "escalations_suppressed_total", Help: "Escalations dropped because one was already under way.",
		}, []string{"reason"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: metricsSubsystem,
			Name: "resets_total", Help: "Resets performed.",
		}, []string{"mode"}),
		guardFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: metricsSubsystem,
			Name: "guard_expiries_total", Help: "Supervision timers that expired.",
		}, []string{"guard"}),
		power: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: metricsSubsystem,
			Name: "power_requests_total", Help: "Wake and sleep requests by outcome.",
		}, []string{"request", "result"}),
		fifoFull: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: metricsSubsystem,
			Name: "fifo_full_total", Help: "Sends rejected by a full FIFO.",
		}, []string{"channel"}),
		phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: metricsSubsystem,
			Name: "boot_phase", Help: "Current boot phase (0 init, 1 info_sync, 2 done, 3 unknown).",
		}),
		lanes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: metricsSubsystem,
			Name: "lane_state", Help: "Lane state (0 sleeping, 1 idle, 2 pointer_free, 3 pointer_busy).",
		}, []string{"channel", "dir"}),
	}
	for _, c := range []prometheus.Collector{
		m.interrupts, m.dropped, m.doorbells, m.escalations, m.suppressed,
		m.resets, m.guardFires, m.power, m.fifoFull, m.phase, m.lanes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Trace(ev TraceEvent) {
	switch ev.Kind {
	case TraceInterrupt:
		m.interrupts.WithLabelValues(ev.Signal.String()).Inc()
	case TraceInterruptDropped:
		m.dropped.WithLabelValues(ev.Signal.String()).Inc()
	case TraceDoorbell:
		m.doorbells.WithLabelValues(ev.Bell.String()).Inc()
	case TraceLane:
		m.lanes.WithLabelValues(ev.Channel.String(), ev.Dir.String()).Set(float64(ev.LaneTo))
	case TracePhase:
		m.phase.Set(float64(ev.PhaseTo))
	case TraceGuardFired:
		m.guardFires.WithLabelValues(ev.Guard).Inc()
	case TraceEscalation:
		m.escalations.WithLabelValues(string(ev.Reason)).Inc()
	case TraceEscalationSuppressed:
		m.suppressed.WithLabelValues(string(ev.Reason)).Inc()
	case TraceReset:
		m.resets.WithLabelValues(ev.Mode.String()).Inc()
	case TraceWake:
		result := "ok"
		if ev.Err != nil {
			result = "error"
		}
		m.power.WithLabelValues("wake", result).Inc()
	case TraceSleep:
		m.power.WithLabelValues("sleep", "ok").Inc()
	case TraceSleepAbandoned:
		m.power.WithLabelValues("sleep", "abandoned").Inc()
	case TraceFIFOFull:
		m.fifoFull.WithLabelValues(ev.Channel.String()).Inc()
	}
}

var _ TraceSink = (*Metrics)(nil)
