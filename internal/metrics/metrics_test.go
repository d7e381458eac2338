package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/cadre/internal/bus"
	"github.com/zjrosen/cadre/internal/log"
	"github.com/zjrosen/cadre/internal/npu"
)

func init() {
	log.InitDiscard()
}

// gatherValue reads the first sample of a family from the registry.
func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		require.NotEmpty(t, mf.GetMetric())
		m := mf.GetMetric()[0]
		if g := m.GetGauge(); g != nil {
			return g.GetValue()
		}
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
		t.Fatalf("metric %s is neither gauge nor counter", name)
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestCollector_WorkflowLifecycle(t *testing.T) {
	c := New(Options{})

	c.WorkflowStarted("simple")
	c.WorkflowStarted("research")
	require.Equal(t, 1.0, testutil.ToFloat64(c.activeWorkflows.WithLabelValues("simple")))

	c.WorkflowFinished("simple", "completed", 2*time.Second)
	require.Equal(t, 0.0, testutil.ToFloat64(c.activeWorkflows.WithLabelValues("simple")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.workflowsFinished.WithLabelValues("simple", "completed")))

	c.WorkflowFinished("research", "failed", 5*time.Second)

	roll := c.Rollup()
	require.EqualValues(t, 2, roll.WorkflowsStarted)
	require.EqualValues(t, 0, roll.WorkflowsActive)
	require.EqualValues(t, 1, roll.WorkflowsByStatus["completed"])
	require.EqualValues(t, 1, roll.WorkflowsByStatus["failed"])
}

func TestCollector_StepsApprovalsErrors(t *testing.T) {
	c := New(Options{})

	c.StepFinished("local_echo", "success", 120*time.Millisecond)
	c.StepFinished("local_echo", "error", 80*time.Millisecond)
	c.StepFinished("research", "success", 300*time.Millisecond)
	c.ApprovalMeasured("approved", 1500*time.Millisecond)
	c.ErrorRecorded("step_execution_repairable")
	c.ErrorRecorded("step_execution_repairable")
	c.ErrorRecorded("approval_denied")

	require.Equal(t, 1.0, testutil.ToFloat64(c.stepsFinished.WithLabelValues("local_echo", "error")))
	require.Equal(t, 2.0, testutil.ToFloat64(c.errorsTotal.WithLabelValues("step_execution_repairable")))

	roll := c.Rollup()
	require.EqualValues(t, 2, roll.StepsByStatus["success"])
	require.EqualValues(t, 1, roll.StepsByStatus["error"])
	require.EqualValues(t, 1, roll.ApprovalsResolved)
	require.EqualValues(t, 1500, roll.ApprovalWaitMS)
	require.EqualValues(t, 1, roll.ErrorsByKind["approval_denied"])
}

func TestCollector_RollupCopiesAreIndependent(t *testing.T) {
	c := New(Options{})
	c.ErrorRecorded("validation")

	roll := c.Rollup()
	roll.ErrorsByKind["validation"] = 99

	require.EqualValues(t, 1, c.Rollup().ErrorsByKind["validation"])
}

func TestCollector_EmptyLabelBecomesUnknown(t *testing.T) {
	c := New(Options{})
	c.WorkflowStarted("")
	require.Equal(t, 1.0, testutil.ToFloat64(c.workflowsStarted.WithLabelValues("unknown")))
}

func TestCollector_HandlerServesScrape(t *testing.T) {
	c := New(Options{})
	c.WorkflowStarted("simple")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "cadre_workflows_started_total")
	require.Contains(t, body, "go_goroutines")
}

type noopTransport struct{}

func (noopTransport) Pair(context.Context, string, npu.PairCommand) (npu.PairAck, error) {
	return npu.PairAck{Platform: "test"}, nil
}

func (noopTransport) Dispatch(context.Context, string, npu.Task) (npu.TaskResult, error) {
	return npu.TaskResult{Status: "success"}, nil
}

func (noopTransport) TestConnection(context.Context, string) error { return nil }
func (noopTransport) Revoke(context.Context, string) error         { return nil }
func (noopTransport) Close() error                                 { return nil }

func TestCollector_PoolAndBusFuncs(t *testing.T) {
	b := bus.New(bus.Config{})
	defer b.Close()
	pool := npu.NewPool(b, noopTransport{}, npu.Config{})
	defer pool.Close()

	_, err := pool.Pair(context.Background(), npu.PairRequest{URL: "ws://w1:9500"})
	require.NoError(t, err)

	c := New(Options{Pool: pool, Bus: b})

	require.Equal(t, 1.0, gatherValue(t, c.Registry(), "cadre_worker_pool_workers"))
	require.Equal(t, 1.0, gatherValue(t, c.Registry(), "cadre_worker_pool_online"))
	require.GreaterOrEqual(t, gatherValue(t, c.Registry(), "cadre_bus_published_total"), 1.0)
	require.GreaterOrEqual(t, gatherValue(t, c.Registry(), "cadre_bus_adapters"), 0.0)
}

func TestCollector_WatchWorkersCounts(t *testing.T) {
	b := bus.New(bus.Config{})
	defer b.Close()

	c := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.WatchWorkers(ctx, b)

	b.Publish(bus.NewEvent(bus.TopicWorkerAdded, bus.WorkerAdded{WorkerID: "w1"}))
	b.Publish(bus.NewEvent(bus.TopicWorkerStatus, bus.WorkerStatusChanged{WorkerID: "w1", To: "degraded"}))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.workerEvents.WithLabelValues("added")) == 1 &&
			testutil.ToFloat64(c.workerEvents.WithLabelValues("status.changed")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
