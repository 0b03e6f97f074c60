// Package registry holds the control plane's in-memory map of connected
// agents, each with a bounded outbound send queue and a deterministic,
// region-scoped selection policy for the dispatcher.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	ctlotel "github.com/basket/steamctl/internal/otel"
)

const sendQueueCapacity = 1024

// Hello is the agent's declared identity, taken from its handshake frame.
type Hello struct {
	AgentID      string
	Region       string
	Capabilities map[string]bool
	Meta         map[string]string
}

// Transport is the narrow interface the registry needs from an agent's
// underlying duplex connection: write one outbound frame. internal/tunnel
// implements this over a websocket connection.
type Transport interface {
	WriteFrame(ctx context.Context, frame any) error
}

// Entry is one connected agent: its declared identity plus the send queue
// and worker that drain onto its transport in order.
type Entry struct {
	Hello       Hello
	ConnectedAt time.Time

	// ConnectionID identifies this specific connection instance, distinct
	// from Hello.AgentID: an agent that reconnects gets a fresh
	// ConnectionID each time, so log lines and dispatched-frame
	// correlation survive a reconnect that reuses the same agent id.
	ConnectionID string

	transport Transport
	queue     chan any
	mu        sync.Mutex
	cancel    context.CancelFunc
}

// EnqueueTask enqueues a task-delivery message for this entry's send
// worker. Under the current drop-oldest policy this returns true as long
// as the send worker is alive; it returns false only once the entry has
// been unregistered and its queue closed.
func (e *Entry) EnqueueTask(frame any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.queue == nil {
		return false
	}
	select {
	case e.queue <- frame:
		return true
	default:
	}
	select {
	case <-e.queue:
	default:
	}
	select {
	case e.queue <- frame:
	default:
	}
	return true
}

func (e *Entry) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	e.queue = nil
}

// Registry is the in-memory map of agent id -> connected-agent entry.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*Entry
	logger  *slog.Logger
	metrics *ctlotel.Metrics
}

// New creates an empty Registry. logger may be nil.
func New(logger *slog.Logger) *Registry {
	return &Registry{agents: make(map[string]*Entry), logger: logger}
}

// SetMetrics attaches the OTel instruments the send worker records into.
// Optional; a Registry with no metrics attached behaves exactly as before.
func (r *Registry) SetMetrics(m *ctlotel.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Register atomically inserts an entry for hello.AgentID, replacing and
// stopping any prior entry for the same id (a reconnect), and starts the
// send worker that drains the queue onto transport. parentCtx bounds the
// worker's lifetime; canceling it (or calling Unregister) stops the
// worker.
func (r *Registry) Register(parentCtx context.Context, hello Hello, transport Transport) *Entry {
	ctx, cancel := context.WithCancel(parentCtx)
	entry := &Entry{
		Hello:        hello,
		ConnectedAt:  time.Now().UTC(),
		ConnectionID: uuid.NewString(),
		transport:    transport,
		queue:        make(chan any, sendQueueCapacity),
		cancel:       cancel,
	}

	r.mu.Lock()
	if prior, ok := r.agents[hello.AgentID]; ok {
		prior.stop()
	}
	r.agents[hello.AgentID] = entry
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info("agent registered",
			slog.String("agent_id", hello.AgentID),
			slog.String("region", hello.Region),
			slog.String("connection_id", entry.ConnectionID),
		)
	}

	go r.runSendWorker(ctx, entry)
	return entry
}

func (r *Registry) runSendWorker(ctx context.Context, entry *Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-entry.queue:
			if !ok {
				return
			}
			if err := entry.transport.WriteFrame(ctx, frame); err != nil {
				if r.logger != nil {
					r.logger.Warn("agent send worker write failed",
						slog.String("agent_id", entry.Hello.AgentID),
						slog.String("connection_id", entry.ConnectionID),
						slog.String("error", err.Error()))
				}
				r.mu.RLock()
				m := r.metrics
				r.mu.RUnlock()
				if m != nil {
					m.AgentSendErrors.Add(ctx, 1)
				}
				return
			}
		}
	}
}

// Unregister removes the entry for agentID, if present, and stops its
// send worker. Idempotent.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	entry, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()

	if ok {
		entry.stop()
	}
}

// Get returns the entry for agentID, or nil if not connected.
func (r *Registry) Get(agentID string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentID]
}

// List returns the current entries sorted by region then agent id.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Hello.Region != entries[j].Hello.Region {
			return entries[i].Hello.Region < entries[j].Hello.Region
		}
		return entries[i].Hello.AgentID < entries[j].Hello.AgentID
	})
	return entries
}

// Regions returns the distinct, sorted set of regions currently connected.
func (r *Registry) Regions() []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, e := range r.agents {
		seen[e.Hello.Region] = struct{}{}
	}
	r.mu.RUnlock()

	regions := make([]string, 0, len(seen))
	for region := range seen {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}

// Pick returns, among entries in region, the one with the lexicographically
// smallest agent id, or nil if none are connected there. This deterministic
// choice is a placeholder for a future placement policy (round-robin,
// health/capacity weighted); the only contract callers may rely on is
// "some currently-connected agent in the region, or null."
func (r *Registry) Pick(region string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Entry
	for _, e := range r.agents {
		if e.Hello.Region != region {
			continue
		}
		if best == nil || e.Hello.AgentID < best.Hello.AgentID {
			best = e
		}
	}
	return best
}
