// Package monitor implements the Monitoring sink: in-process counters,
// timers, gauges, and a cooldown-rate-limited alert rule evaluator (spec
// §4.11). High-severity alerts are additionally delivered to Sentry.
package monitor

import (
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// Sink is the push-only contract the rest of the core depends on. No
// network I/O happens on the hot path — recordCounter/Timer/Gauge only
// touch in-process state; alert delivery (Sentry) happens out of band
// when a rule fires.
type Sink interface {
	RecordCounter(name string, delta int64, tags map[string]string)
	RecordTimer(name string, d time.Duration, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
}

// Rule is a predicate over the in-process counters, evaluated after every
// RecordCounter call for the counters it names. Firing is rate-limited by
// Cooldown.
type Rule struct {
	Name      string
	Counter   string
	Threshold int64
	Window    time.Duration
	Cooldown  time.Duration
	Severity  string
}

type counterState struct {
	mu      sync.Mutex
	total   int64
	windowStart time.Time
}

type ruleState struct {
	lastFired time.Time
}

// Monitor is the Monitoring sink implementation.
type Monitor struct {
	countersMu sync.Mutex
	counters   map[string]*counterState

	gaugesMu sync.Mutex
	gauges   map[string]float64

	rules     []Rule
	rulesMu   sync.Mutex
	ruleState map[string]*ruleState

	sentryEnabled bool
}

// New builds a Monitor. sentryEnabled controls whether high-severity
// alert firings are also forwarded to Sentry (the sentry-go client must
// already be initialized by the caller via sentry.Init).
func New(rules []Rule, sentryEnabled bool) *Monitor {
	return &Monitor{
		counters:      make(map[string]*counterState),
		gauges:        make(map[string]float64),
		rules:         rules,
		ruleState:     make(map[string]*ruleState),
		sentryEnabled: sentryEnabled,
	}
}

func (m *Monitor) counterFor(name string) *counterState {
	m.countersMu.Lock()
	defer m.countersMu.Unlock()
	c, ok := m.counters[name]
	if !ok {
		c = &counterState{windowStart: time.Now()}
		m.counters[name] = c
	}
	return c
}

// RecordCounter increments a named counter and evaluates any rule keyed
// to it.
func (m *Monitor) RecordCounter(name string, delta int64, tags map[string]string) {
	c := m.counterFor(name)

	c.mu.Lock()
	now := time.Now()
	for _, rule := range m.rules {
		if rule.Counter == name && rule.Window > 0 && now.Sub(c.windowStart) > rule.Window {
			c.total = 0
			c.windowStart = now
		}
	}
	c.total += delta
	total := c.total
	c.mu.Unlock()

	m.evaluateRules(name, total, tags)
}

// RecordTimer accepts a duration observation, matching spec §4.11's
// "push-only" contract. This in-process implementation discards it:
// durations are neither retained nor forwarded anywhere.
func (m *Monitor) RecordTimer(name string, d time.Duration, tags map[string]string) {
	_ = name
	_ = d
	_ = tags
}

// RecordGauge sets a named gauge's current value.
func (m *Monitor) RecordGauge(name string, value float64, tags map[string]string) {
	m.gaugesMu.Lock()
	defer m.gaugesMu.Unlock()
	m.gauges[name] = value
}

// CounterValue returns a counter's current value, mainly for health
// reporting and tests.
func (m *Monitor) CounterValue(name string) int64 {
	c := m.counterFor(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// GaugeValue returns a gauge's current value.
func (m *Monitor) GaugeValue(name string) float64 {
	m.gaugesMu.Lock()
	defer m.gaugesMu.Unlock()
	return m.gauges[name]
}

func (m *Monitor) evaluateRules(counterName string, total int64, tags map[string]string) {
	for _, rule := range m.rules {
		if rule.Counter != counterName || total < rule.Threshold {
			continue
		}
		m.fire(rule, total, tags)
	}
}

func (m *Monitor) fire(rule Rule, total int64, tags map[string]string) {
	m.rulesMu.Lock()
	state, ok := m.ruleState[rule.Name]
	if !ok {
		state = &ruleState{}
		m.ruleState[rule.Name] = state
	}
	now := time.Now()
	if !state.lastFired.IsZero() && now.Sub(state.lastFired) < rule.Cooldown {
		m.rulesMu.Unlock()
		return
	}
	state.lastFired = now
	m.rulesMu.Unlock()

	if rule.Severity == "high" && m.sentryEnabled {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetLevel(sentry.LevelWarning)
			for k, v := range tags {
				scope.SetTag(k, v)
			}
			sentry.CaptureMessage("alert rule fired: " + rule.Name)
		})
	}
}
