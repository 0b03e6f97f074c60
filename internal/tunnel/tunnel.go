// Package tunnel implements the control plane's side of the long-lived
// framed duplex session with one agent: handshake validation, inbound
// task_result processing, outbound task delivery, and unconditional
// teardown on any read, write, or cancellation error.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/steamctl/internal/broker"
	ctlotel "github.com/basket/steamctl/internal/otel"
	"github.com/basket/steamctl/internal/registry"
	"github.com/basket/steamctl/internal/store"
)

// Frame is the single JSON object exchanged per message.
type Frame struct {
	Type       string             `json:"type"`
	Hello      *HelloPayload      `json:"hello,omitempty"`
	Task       *TaskPayload       `json:"task,omitempty"`
	TaskResult *TaskResultPayload `json:"taskResult,omitempty"`
}

// HelloPayload is the agent's self-announced identity.
type HelloPayload struct {
	AgentID      string            `json:"agentId"`
	Region       string            `json:"region"`
	Capabilities map[string]bool   `json:"capabilities,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// TaskPayload is the wire shape of a task delivered to an agent.
type TaskPayload struct {
	ID        string          `json:"id"`
	JobID     string          `json:"jobId"`
	Target    string          `json:"target"`
	Action    string          `json:"action"`
	Region    string          `json:"region,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status"`
	Attempt   int             `json:"attempt"`
	CreatedAt string          `json:"createdAt"`
	UpdatedAt string          `json:"updatedAt"`
}

// TaskResultPayload is the wire shape of a result reported by an agent.
type TaskResultPayload struct {
	TaskID     string `json:"taskId"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Output     string `json:"output,omitempty"`
	FinishedAt string `json:"finishedAt"`
}

// TaskFromStore converts a store.Task into its wire representation.
func TaskFromStore(t store.Task) TaskPayload {
	return TaskPayload{
		ID:        t.ID,
		JobID:     t.JobID,
		Target:    t.Target,
		Action:    t.Action,
		Region:    t.Region,
		Payload:   t.Payload,
		Status:    string(t.Status),
		Attempt:   t.Attempt,
		CreatedAt: millisToISO(t.CreatedAt),
		UpdatedAt: millisToISO(t.UpdatedAt),
	}
}

func millisToISO(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// NewTaskFrame wraps a store task into the outbound "task" frame the
// dispatcher enqueues on an agent's send queue.
func NewTaskFrame(t store.Task) Frame {
	payload := TaskFromStore(t)
	return Frame{Type: "task", Task: &payload}
}

// Deps bundles the collaborators a Session needs. Tracer and Metrics may
// be nil, in which case frame handling is not traced or measured.
type Deps struct {
	Store    *store.Store
	Registry *registry.Registry
	Broker   *broker.Broker
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *ctlotel.Metrics
}

// connTransport adapts a *websocket.Conn to registry.Transport so the
// registry's send worker can write task frames without knowing about
// websockets directly.
type connTransport struct {
	conn *websocket.Conn
}

func (c *connTransport) WriteFrame(ctx context.Context, frame any) error {
	return wsjson.Write(ctx, c.conn, frame)
}

// Serve runs one agent's tunnel to completion: reads the mandatory hello
// frame, registers the agent, then alternates reading result frames until
// the connection closes or ctx is canceled. connectAgentID/connectRegion
// come from the upgrade request's query parameters. Serve always returns
// once the session ends; teardown (unregister + agent.disconnected) is
// unconditional and idempotent.
func Serve(ctx context.Context, conn *websocket.Conn, connectAgentID, connectRegion string, deps Deps) error {
	var first Frame
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "hello required")
		return fmt.Errorf("read hello frame: %w", err)
	}
	if first.Type != "hello" || first.Hello == nil ||
		first.Hello.AgentID != connectAgentID || first.Hello.Region != connectRegion {
		_ = conn.Close(websocket.StatusPolicyViolation, "hello required")
		return errors.New("tunnel: first frame was not a matching hello")
	}

	deps.Registry.Register(ctx, registry.Hello{
		AgentID:      first.Hello.AgentID,
		Region:       first.Hello.Region,
		Capabilities: first.Hello.Capabilities,
		Meta:         first.Hello.Meta,
	}, &connTransport{conn: conn})

	deps.Broker.PublishAgentLifecycle("agent.connected", first.Hello.AgentID, first.Hello.Region)
	if deps.Metrics != nil {
		deps.Metrics.AgentsConnected.Add(ctx, 1)
	}

	defer func() {
		deps.Registry.Unregister(first.Hello.AgentID)
		deps.Broker.PublishAgentLifecycle("agent.disconnected", first.Hello.AgentID, first.Hello.Region)
		if deps.Metrics != nil {
			deps.Metrics.AgentsConnected.Add(ctx, -1)
		}
	}()

	for {
		var frame Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("tunnel read: %w", err)
		}
		if frame.Type != "task_result" || frame.TaskResult == nil {
			continue
		}
		if err := traceTaskResult(ctx, deps, first.Hello.AgentID, *frame.TaskResult); err != nil {
			if deps.Logger != nil {
				deps.Logger.Warn("tunnel: task_result handling failed",
					slog.String("agent_id", first.Hello.AgentID), slog.String("error", err.Error()))
			}
		}
	}
}

// traceTaskResult wraps handleTaskResult in a server span when a tracer is
// configured, so each inbound task_result frame shows up alongside the HTTP
// API's own request spans.
func traceTaskResult(ctx context.Context, deps Deps, agentID string, result TaskResultPayload) error {
	if deps.Tracer != nil {
		var span trace.Span
		ctx, span = ctlotel.StartServerSpan(ctx, deps.Tracer, "tunnel.task_result",
			ctlotel.AttrAgentID.String(agentID),
			ctlotel.AttrTaskID.String(result.TaskID),
		)
		defer span.End()
	}

	start := time.Now()
	err := handleTaskResult(ctx, deps, result)
	if deps.Metrics != nil {
		deps.Metrics.TaskResultDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			deps.Metrics.TaskResultErrors.Add(ctx, 1)
		}
	}
	return err
}

func handleTaskResult(ctx context.Context, deps Deps, result TaskResultPayload) error {
	task, job, err := deps.Store.SetTaskResult(ctx, store.TaskResult{
		TaskID:  result.TaskID,
		Success: result.Success,
		Error:   result.Error,
		Output:  result.Output,
	})
	if err != nil {
		// An unknown task id means the agent is reporting on a task whose
		// job was purged; drop it silently.
		return nil
	}
	deps.Broker.PublishJob(task.JobID, "task.finished", map[string]any{
		"taskId":  task.ID,
		"success": result.Success,
		"job":     string(job.Status),
	})
	return nil
}
