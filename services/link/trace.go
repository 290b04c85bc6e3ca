package link

import (
	"github.com/rs/zerolog"

	"modemlink-go/types"
)

type TraceKind uint8

const (
	TraceInterrupt TraceKind = iota
	TraceInterruptDropped
	TraceDoorbell
	TraceLane
	TracePhase
	TraceGuardArmed
	TraceGuardDisarmed
	TraceGuardFired
	TraceEscalation
	TraceEscalationSuppressed
	TraceReset
	TraceWake
	TraceSleep
	TraceSleepAbandoned
	TraceFIFOFull
)

var traceNames = [...]string{
	TraceInterrupt:            "interrupt",
	TraceInterruptDropped:     "interrupt_dropped",
	TraceDoorbell:             "doorbell",
	TraceLane:                 "lane",
	TracePhase:                "phase",
	TraceGuardArmed:           "guard_armed",
	TraceGuardDisarmed:        "guard_disarmed",
	TraceGuardFired:           "guard_fired",
	TraceEscalation:           "escalation",
	TraceEscalationSuppressed: "escalation_suppressed",
	TraceReset:                "reset",
	TraceWake:                 "wake",
	TraceSleep:                "sleep",
	TraceSleepAbandoned:       "sleep_abandoned",
	TraceFIFOFull:             "fifo_full",
}

func (k TraceKind) String() string {
	if int(k) < len(traceNames) {
		return traceNames[k]
	}
	return "invalid"
}

// TraceEvent describes one observable transition. Only the fields relevant to
// Kind are set.
type TraceEvent struct {
	Kind      TraceKind
	Signal    types.Signal
	Bell      types.Bell
	Channel   types.Channel
	Dir       types.Direction
	LaneFrom  types.LaneState
	LaneTo    types.LaneState
	PhaseFrom types.BootPhase
	PhaseTo   types.BootPhase
	Guard     string
	Reason    Reason
	Mode      ResetMode
	Err       error
}

// TraceSink receives trace events. Trace is called from every context,
// including interrupt context, and must not block.
type TraceSink interface {
	Trace(ev TraceEvent)
}

type tee []TraceSink

func (t tee) Trace(ev TraceEvent) {
	for _, s := range t {
		s.Trace(ev)
	}
}

// Tee fans events out to every non-nil sink.
func Tee(sinks ...TraceSink) TraceSink {
	var out tee
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// LogTracer writes events at trace level.
type LogTracer struct {
	Log zerolog.Logger
}

func (t LogTracer) Trace(ev TraceEvent) {
	e := t.Log.Trace()
	if !e.Enabled() {
		return
	}
	e = e.Str("kind", ev.Kind.String())
	switch ev.Kind {
	case TraceInterrupt, TraceInterruptDropped:
		e = e.Stringer("signal", ev.Signal)
	case TraceDoorbell:
		e = e.Stringer("bell", ev.Bell)
	case TraceLane:
		e = e.Stringer("channel", ev.Channel).Stringer("dir", ev.Dir).
			Stringer("from", ev.LaneFrom).Stringer("to", ev.LaneTo)
	case TracePhase:
		e = e.Stringer("from", ev.PhaseFrom).Stringer("to", ev.PhaseTo)
	case TraceGuardArmed, TraceGuardDisarmed, TraceGuardFired:
		e = e.Str("guard", ev.Guard)
	case TraceEscalation, TraceEscalationSuppressed:
		e = e.Str("reason", string(ev.Reason))
	case TraceReset:
		e = e.Str("mode", ev.Mode.String())
	case TraceFIFOFull:
		e = e.Stringer("channel", ev.Channel)
	}
	if ev.Err != nil {
		e = e.Err(ev.Err)
	}
	e.Msg("trace")
}
