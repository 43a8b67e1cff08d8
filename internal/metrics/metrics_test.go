package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bountyline/internal/domain"
)

// value returns the counter or gauge value of name whose labels include want.
func value(t *testing.T, m *Metrics, name string, want map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range fam.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if v, ok := want[lp.GetName()]; ok && v != lp.GetValue() {
					continue metrics
				}
			}
			if metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	return 0
}

func TestObserveOperation(t *testing.T) {
	m := New()
	m.ObserveOperation("claim", time.Now(), nil)
	m.ObserveOperation("claim", time.Now(), domain.ErrExceedsTaskLimit)
	m.ObserveOperation("claim", time.Now(), domain.ErrExceedsTaskLimit)

	require.Equal(t, 1.0, value(t, m, "bountyline_operations_total", map[string]string{"op": "claim", "result": "ok"}))
	require.Equal(t, 2.0, value(t, m, "bountyline_operations_total", map[string]string{"op": "claim", "result": "exceeds_task_limit"}))
}

func TestObserveEventTracksTokens(t *testing.T) {
	m := New()
	m.ObserveEvent(domain.Event{Type: domain.EventProjectFunded, Payload: domain.ProjectFunded{Amount: 300}})
	m.ObserveEvent(domain.Event{Type: domain.EventFundsReleased, Payload: domain.FundsReleased{Amount: 100}})
	m.ObserveEvent(domain.Event{Type: domain.EventEmergencyRefund, Payload: domain.EmergencyRefund{Amount: 200}})

	require.Equal(t, 300.0, value(t, m, "bountyline_tokens_moved_total", map[string]string{"kind": KindDeposit}))
	require.Equal(t, 100.0, value(t, m, "bountyline_tokens_moved_total", map[string]string{"kind": KindPayout}))
	require.Equal(t, 200.0, value(t, m, "bountyline_tokens_moved_total", map[string]string{"kind": KindRefund}))
	require.Equal(t, 1.0, value(t, m, "bountyline_events_committed_total", map[string]string{"type": string(domain.EventFundsReleased)}))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("claim", time.Now(), nil)
	m.ObserveEvent(domain.Event{Type: domain.EventProjectFunded, Payload: domain.ProjectFunded{Amount: 1}})
	m.SetProjects(3)
	require.NotNil(t, m.Handler())
}

func TestInstancesDoNotCollide(t *testing.T) {
	a, b := New(), New()
	a.SetProjects(2)
	b.SetProjects(5)
	require.Equal(t, 2.0, value(t, a, "bountyline_projects", nil))
	require.Equal(t, 5.0, value(t, b, "bountyline_projects", nil))
}
