package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/cadre/internal/bus"
	"github.com/zjrosen/cadre/internal/engine"
)

func TestServer_StartAndStop(t *testing.T) {
	c := newTestCore(t, nil)

	srv, err := New(Config{Addr: "127.0.0.1:0", Core: c})
	require.NoError(t, err)
	require.NotZero(t, srv.Port())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", srv.Port()))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("server did not stop")
	}
}

func TestServer_RequiresCore(t *testing.T) {
	_, err := New(Config{Addr: "127.0.0.1:0"})
	require.Error(t, err)
}

func TestServer_StreamEvents(t *testing.T) {
	h := newTestHandler(t, nil)
	ts := httptest.NewServer(h.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events?topics=workflow.completed")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// The connected frame confirms the subscription is live, so events
	// published after this point cannot be missed.
	_, event, _ := readFrame(t, reader)
	require.Equal(t, "connected", event)

	exec, err := http.Post(ts.URL+"/workflows", "application/json",
		strings.NewReader(`{"user_message": "list files"}`))
	require.NoError(t, err)
	var created ExecuteWorkflowResponse
	require.NoError(t, json.NewDecoder(exec.Body).Decode(&created))
	_ = exec.Body.Close()
	require.Equal(t, http.StatusCreated, exec.StatusCode)

	// The topic filter drops created and step events, so the next frame is
	// the completion.
	id, event, data := readFrame(t, reader)
	require.Equal(t, "workflow.completed", event)

	var ev bus.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, bus.Topic("workflow.completed"), ev.Topic)
	assert.Equal(t, created.WorkflowID, ev.WorkflowID)
	assert.NotZero(t, ev.Sequence)
	assert.Equal(t, fmt.Sprintf("%d", ev.Sequence), id)
}

func TestServer_StreamEvents_WorkflowFilter(t *testing.T) {
	h := newTestHandler(t, map[string]string{"guarded.md": guardedPlan})
	ts := httptest.NewServer(h.Routes())
	defer ts.Close()

	// Two gated workflows park before any completion event exists, so both
	// ids are known ahead of the subscription.
	a := startWorkflow(t, h, "restart service A")
	b := startWorkflow(t, h, "restart service B")
	waitStatus(t, h, a, engine.StatusWaitingApproval)
	waitStatus(t, h, b, engine.StatusWaitingApproval)

	resp, err := http.Get(ts.URL + "/events?workflow_id=" + a + "&topics=workflow.completed")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	_, event, _ := readFrame(t, reader)
	require.Equal(t, "connected", event)

	// B finishes first. Its completion must not surface on A's stream, so
	// the next frame after approving A has to carry A's id.
	approveStep(t, h, b)
	waitStatus(t, h, b, engine.StatusCompleted)
	approveStep(t, h, a)

	_, event, data := readFrame(t, reader)
	require.Equal(t, "workflow.completed", event)

	var ev bus.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, a, ev.WorkflowID)
}

// readFrame reads one SSE frame and returns its id, event, and data fields.
// Comment-only keepalive frames are skipped.
func readFrame(t *testing.T, reader *bufio.Reader) (id, event, data string) {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSuffix(line, "\n")
		switch {
		case line == "":
			if id == "" && event == "" && data == "" {
				continue
			}
			return id, event, data
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

// startWorkflow submits a workflow through the handler and returns its id.
func startWorkflow(t *testing.T, h *Handler, message string) string {
	t.Helper()
	body := `{"user_message": "` + message + `"}`
	req := httptest.NewRequest(http.MethodPost, "/workflows", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp ExecuteWorkflowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.WorkflowID
}

// approveStep grants the gated first step of a guarded workflow.
func approveStep(t *testing.T, h *Handler, id string) {
	t.Helper()
	body := `{"step_id": "step_1", "approved": true}`
	req := httptest.NewRequest(http.MethodPost, "/workflows/"+id+"/approve", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
}
