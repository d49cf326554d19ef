// Package stats is the driver's instrumentation, a thin layer of counters,
// gauges and latencies over a go-metrics registry. The driver scopes a
// StatsReceiver per component, and execution policies read a Snapshot of it
// while deciding which nodes a job may use.
package stats

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"
)

// Time is the clock used by latencies and by the driver's node and dispatch
// bookkeeping. Tests swap it for a NewTestTime.
var Time StatsTime = DefaultStatsTime()

// Number of samples kept per latency.
const latencySampleSize = 1000

// StatsReceiver hands out named instruments. Names are joined with '/'
// after the receiver's scope; a '/' inside one element becomes "_SLASH_".
type StatsReceiver interface {
	// Scope returns a receiver prefixing every name with scope.
	//
	//   stat.Scope("driver").Counter("dispatches") // same as
	//   stat.Counter("driver", "dispatches")
	//
	Scope(scope ...string) StatsReceiver

	// Precision returns a receiver whose latencies render in units of
	// precision. Anything below 1ns means nanoseconds.
	Precision(time.Duration) StatsReceiver

	Counter(name ...string) Counter
	Gauge(name ...string) Gauge
	Latency(name ...string) Latency

	// Snapshot flattens every instrument into name -> value. Nothing is reset.
	Snapshot() map[string]interface{}

	// Render marshals a Snapshot to JSON, then resets latency samples.
	Render(pretty bool) []byte
}

// DefaultStatsReceiver returns a receiver over a new, empty registry.
func DefaultStatsReceiver() StatsReceiver {
	return &defaultStatsReceiver{registry: metrics.NewRegistry(), precision: time.Nanosecond}
}

type defaultStatsReceiver struct {
	registry  metrics.Registry
	precision time.Duration
	scope     []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{registry: s.registry, precision: s.precision, scope: s.scoped(scope...)}
}

func (s *defaultStatsReceiver) Precision(precision time.Duration) StatsReceiver {
	if precision < 1 {
		precision = time.Nanosecond
	}
	return &defaultStatsReceiver{registry: s.registry, precision: precision, scope: s.scope}
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.scopedName(name...), newCounter).(Counter)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return s.registry.GetOrRegister(s.scopedName(name...), newGauge).(Gauge)
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	precision := s.precision
	return s.registry.GetOrRegister(s.scopedName(name...), func() Latency {
		return newLatency(precision)
	}).(Latency)
}

func (s *defaultStatsReceiver) Snapshot() map[string]interface{} {
	return flatten(s.registry)
}

func (s *defaultStatsReceiver) Render(pretty bool) []byte {
	data := flatten(s.registry)
	var out []byte
	var err error
	if pretty {
		out, err = json.MarshalIndent(data, "", "  ")
	} else {
		out, err = json.Marshal(data)
	}
	if err != nil {
		log.Errorf("Cannot render stats: %v", err)
		return []byte("{}")
	}
	s.registry.Each(func(_ string, i interface{}) {
		if l, ok := i.(*metricLatency); ok {
			l.Clear()
		}
	})
	return out
}

func (s *defaultStatsReceiver) scoped(scope ...string) []string {
	out := make([]string, 0, len(s.scope)+len(scope))
	out = append(out, s.scope...)
	for _, e := range scope {
		out = append(out, strings.Replace(e, "/", "_SLASH_", -1))
	}
	return out
}

func (s *defaultStatsReceiver) scopedName(name ...string) string {
	return strings.Join(s.scoped(name...), "/")
}

// NilStatsReceiver returns a receiver that records nothing.
func NilStatsReceiver() StatsReceiver {
	return nilStatsReceiver{}
}

type nilStatsReceiver struct{}

func (s nilStatsReceiver) Scope(...string) StatsReceiver         { return s }
func (s nilStatsReceiver) Precision(time.Duration) StatsReceiver { return s }
func (s nilStatsReceiver) Counter(...string) Counter             { return &metricCounter{metrics.NilCounter{}} }
func (s nilStatsReceiver) Gauge(...string) Gauge                 { return metrics.NilGauge{} }
func (s nilStatsReceiver) Latency(...string) Latency             { return nilLatency{} }
func (s nilStatsReceiver) Snapshot() map[string]interface{}      { return map[string]interface{}{} }
func (s nilStatsReceiver) Render(bool) []byte                    { return []byte("{}") }

// Counter counts events. Update sets the count outright.
type Counter interface {
	Count() int64
	Inc(int64)
	Update(int64)
}

type metricCounter struct{ metrics.Counter }

func (m *metricCounter) Update(i int64) { m.Inc(i - m.Count()) }

func newCounter() Counter { return &metricCounter{metrics.NewCounter()} }

// Gauge holds the last value it was given.
type Gauge interface {
	Update(int64)
	Value() int64
}

func newGauge() Gauge { return metrics.NewGauge() }

// Latency samples the durations between Time and Stop.
//
//   defer stat.Latency("step_ms").Time().Stop()
//
type Latency interface {
	Time() Latency
	Stop()
	Count() int64
}

type metricLatency struct {
	metrics.Histogram
	start     time.Time
	precision time.Duration
}

func newLatency(precision time.Duration) *metricLatency {
	return &metricLatency{
		Histogram: metrics.NewHistogram(metrics.NewUniformSample(latencySampleSize)),
		precision: precision,
	}
}

func (l *metricLatency) Time() Latency { l.start = Time.Now(); return l }
func (l *metricLatency) Stop()         { l.Update(Time.Since(l.start).Nanoseconds()) }

type nilLatency struct{}

func (l nilLatency) Time() Latency { return l }
func (l nilLatency) Stop()         {}
func (l nilLatency) Count() int64  { return 0 }

var percentiles = []float64{0.5, 0.9, 0.99}
var percentileLabels = []string{"p50", "p90", "p99"}

// flatten renders counters and gauges as int64, and each latency as a set
// of "<name>.<aggregate>" entries in the latency's precision.
func flatten(reg metrics.Registry) map[string]interface{} {
	data := make(map[string]interface{})
	reg.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case Counter:
			data[name] = m.Count()
		case Gauge:
			data[name] = m.Value()
		case *metricLatency:
			p := int64(m.precision)
			data[name+".count"] = m.Histogram.Count()
			data[name+".avg"] = m.Mean() / float64(p)
			data[name+".max"] = m.Max() / p
			data[name+".min"] = m.Min() / p
			for j, v := range m.Percentiles(percentiles) {
				data[name+"."+percentileLabels[j]] = v / float64(p)
			}
		default:
			log.Infof("Unrecognized instrument %s: %T", name, i)
		}
	})
	return data
}
