package monitor_test

import (
	"testing"
	"time"

	"github.com/lavente-care/auth-core/internal/monitor"
	"github.com/stretchr/testify/require"
)

func TestMonitor_RecordCounterAccumulates(t *testing.T) {
	m := monitor.New(nil, false)

	m.RecordCounter("login.failure", 1, nil)
	m.RecordCounter("login.failure", 2, nil)

	require.Equal(t, int64(3), m.CounterValue("login.failure"))
}

func TestMonitor_RecordGaugeSetsLatestValue(t *testing.T) {
	m := monitor.New(nil, false)

	m.RecordGauge("sessions.active", 10, nil)
	m.RecordGauge("sessions.active", 14, nil)

	require.Equal(t, float64(14), m.GaugeValue("sessions.active"))
}

func TestMonitor_RuleResetsOnWindow(t *testing.T) {
	m := monitor.New([]monitor.Rule{
		{Name: "too-many-failures", Counter: "login.failure", Threshold: 100, Window: 10 * time.Millisecond, Cooldown: time.Second, Severity: "low"},
	}, false)

	m.RecordCounter("login.failure", 5, nil)
	time.Sleep(20 * time.Millisecond)
	m.RecordCounter("login.failure", 1, nil)

	require.Equal(t, int64(1), m.CounterValue("login.failure"))
}

func TestMonitor_CountersAreIndependent(t *testing.T) {
	m := monitor.New(nil, false)

	m.RecordCounter("a", 1, nil)
	m.RecordCounter("b", 5, nil)

	require.Equal(t, int64(1), m.CounterValue("a"))
	require.Equal(t, int64(5), m.CounterValue("b"))
}
