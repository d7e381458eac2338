package npu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zjrosen/cadre/internal/log"
)

const (
	handshakeTimeout = 30 * time.Second
	pingInterval     = 25 * time.Second
	writeTimeout     = 10 * time.Second
)

var ErrNotConnected = errors.New("worker transport not connected")

// PairCommand carries the core-assigned identity to a worker during the
// pairing handshake.
type PairCommand struct {
	WorkerID   string
	Credential string
}

// PairAck is the worker's half of the handshake.
type PairAck struct {
	Platform string
	Version  string
}

// Task is one unit of remote work.
type Task struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	StepID     string         `json:"step_id"`
	AgentType  string         `json:"agent_type"`
	Action     string         `json:"action"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	TimeoutSec int            `json:"timeout_sec,omitempty"`
}

// TaskResult is the worker's answer. Status "error" means the task ran and
// failed; transport-level failures surface as Go errors instead.
type TaskResult struct {
	TaskID     string          `json:"task_id"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

// Transport moves pairing handshakes and task dispatches between the core
// and remote workers.
type Transport interface {
	Pair(ctx context.Context, rawURL string, cmd PairCommand) (PairAck, error)
	Dispatch(ctx context.Context, workerID string, task Task) (TaskResult, error)
	TestConnection(ctx context.Context, workerID string) error
	Revoke(ctx context.Context, workerID string) error
	Close() error
}

// wireMessage is the single JSON envelope both sides speak.
type wireMessage struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	WorkerID   string          `json:"worker_id,omitempty"`
	Credential string          `json:"credential,omitempty"`
	Platform   string          `json:"platform,omitempty"`
	Version    string          `json:"version,omitempty"`
	Task       *Task           `json:"task,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timestamp  float64         `json:"timestamp,omitempty"`
}

// WSTransport keeps one long-lived websocket per paired worker. Writes are
// serialized by a per-connection mutex; the read loop demultiplexes results
// and pongs into per-request channels keyed by correlation id.
type WSTransport struct {
	mu    sync.Mutex
	conns map[string]*wsConn
}

func NewWSTransport() *WSTransport {
	return &WSTransport{conns: make(map[string]*wsConn)}
}

type wsConn struct {
	workerID string
	conn     *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan wireMessage

	done     chan struct{}
	doneOnce sync.Once
}

func (t *WSTransport) Pair(ctx context.Context, rawURL string, cmd PairCommand) (PairAck, error) {
	wsURL, err := toWebsocketURL(rawURL)
	if err != nil {
		return PairAck{}, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return PairAck{}, fmt.Errorf("dial worker %s: %w", rawURL, err)
	}

	hello := wireMessage{
		Type:       "pair",
		WorkerID:   cmd.WorkerID,
		Credential: cmd.Credential,
		Timestamp:  nowUnix(),
	}
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return PairAck{}, fmt.Errorf("send pair: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var ack wireMessage
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return PairAck{}, fmt.Errorf("read pair_ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch ack.Type {
	case "pair_ack":
	case "error":
		_ = conn.Close()
		return PairAck{}, fmt.Errorf("worker refused pairing: %s", ack.Error)
	default:
		_ = conn.Close()
		return PairAck{}, fmt.Errorf("unexpected handshake message %q", ack.Type)
	}

	c := &wsConn{
		workerID: cmd.WorkerID,
		conn:     conn,
		pending:  make(map[string]chan wireMessage),
		done:     make(chan struct{}),
	}

	t.mu.Lock()
	if prev, ok := t.conns[cmd.WorkerID]; ok {
		prev.close()
	}
	t.conns[cmd.WorkerID] = c
	t.mu.Unlock()

	log.SafeGo("npu.transport.read."+cmd.WorkerID, c.readLoop)
	log.SafeGo("npu.transport.ping."+cmd.WorkerID, c.pingLoop)

	return PairAck{Platform: ack.Platform, Version: ack.Version}, nil
}

func (t *WSTransport) Dispatch(ctx context.Context, workerID string, task Task) (TaskResult, error) {
	c := t.get(workerID)
	if c == nil {
		return TaskResult{}, ErrNotConnected
	}

	id := task.ID
	if id == "" {
		id = uuid.NewString()
		task.ID = id
	}

	ch := c.register(id)
	defer c.unregister(id)

	if err := c.write(wireMessage{Type: "dispatch", ID: id, Task: &task, Timestamp: nowUnix()}); err != nil {
		return TaskResult{}, fmt.Errorf("send dispatch: %w", err)
	}

	select {
	case <-ctx.Done():
		// Best-effort stop; the worker may already be running the task
		_ = c.write(wireMessage{Type: "cancel", ID: id})
		return TaskResult{}, ctx.Err()
	case <-c.done:
		return TaskResult{}, fmt.Errorf("worker %s: %w", workerID, ErrNotConnected)
	case msg := <-ch:
		if msg.Type == "error" {
			return TaskResult{}, fmt.Errorf("worker %s protocol error: %s", workerID, msg.Error)
		}
		var res TaskResult
		if len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, &res); err != nil {
				return TaskResult{}, fmt.Errorf("decode result: %w", err)
			}
		}
		if res.TaskID == "" {
			res.TaskID = id
		}
		if res.Status == "" {
			res.Status = "success"
		}
		return res, nil
	}
}

func (t *WSTransport) TestConnection(ctx context.Context, workerID string) error {
	c := t.get(workerID)
	if c == nil {
		return ErrNotConnected
	}

	id := uuid.NewString()
	ch := c.register(id)
	defer c.unregister(id)

	if err := c.write(wireMessage{Type: "ping", ID: id, Timestamp: nowUnix()}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrNotConnected
	case <-ch:
		return nil
	}
}

func (t *WSTransport) Revoke(ctx context.Context, workerID string) error {
	t.mu.Lock()
	c := t.conns[workerID]
	delete(t.conns, workerID)
	t.mu.Unlock()

	if c == nil {
		return nil
	}
	// Tell the worker its credential is gone, then drop the connection
	_ = c.write(wireMessage{Type: "unpair", WorkerID: workerID, Timestamp: nowUnix()})
	c.close()
	return nil
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	conns := make([]*wsConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[string]*wsConn)
	t.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	return nil
}

func (t *WSTransport) get(workerID string) *wsConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[workerID]
}

func (c *wsConn) register(id string) chan wireMessage {
	ch := make(chan wireMessage, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *wsConn) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *wsConn) write(msg wireMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

// readLoop routes incoming messages by correlation id. Worker-initiated
// pings are answered inline; everything unmatched is logged and dropped.
func (c *wsConn) readLoop() {
	defer c.close()
	for {
		var msg wireMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				log.Warn(log.CatNPU, "worker connection read failed",
					"worker_id", c.workerID,
					"error", err.Error())
			}
			return
		}

		switch msg.Type {
		case "ping":
			_ = c.write(wireMessage{Type: "pong", ID: msg.ID, Timestamp: nowUnix()})
		case "result", "pong", "error":
			c.mu.Lock()
			ch := c.pending[msg.ID]
			c.mu.Unlock()
			if ch == nil {
				log.Debug(log.CatNPU, "unmatched worker message",
					"worker_id", c.workerID,
					"type", msg.Type,
					"id", msg.ID)
				continue
			}
			select {
			case ch <- msg:
			default:
			}
		default:
			log.Debug(log.CatNPU, "ignoring worker message",
				"worker_id", c.workerID,
				"type", msg.Type)
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(wireMessage{Type: "ping", ID: uuid.NewString(), Timestamp: nowUnix()}); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) close() {
	c.doneOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "core closing"),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

// toWebsocketURL maps a worker's advertised URL onto its pairing endpoint.
// Plain http(s) schemes become ws(s); a bare host gets ws and /ws.
func toWebsocketURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid worker url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported worker url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
