package master

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/duke-git/lancet/v2/slice"
	"go.uber.org/zap"

	"yqhp/taskmesh/pkg/protocol"
)

// Events flow into the manager over one channel so that a node's registration
// is always seen before anything its receiver reports.
type newNodeEvent struct {
	address        string
	taskPort       int
	completionPort int
	stopReceiver   func()
}

type nodeInfoEvent struct {
	nodeID string
	info   protocol.NodeInfo
}

type completionEvent struct {
	nodeID string
	taskID string
}

type managerConfig struct {
	maxFailures       int
	heartbeatInterval time.Duration
	loopInterval      time.Duration
}

// manager is the single owner of the node registry and the pending queue.
type manager struct {
	cfg        managerConfig
	registry   *Registry
	queue      taskQueue
	client     NodeClient
	correlator *Correlator
	stats      *statsCollector
	log        *zap.Logger

	events      chan any
	submissions chan *Task

	connected atomic.Bool
	queued    atomic.Int64
	nodes     atomic.Pointer[[]NodeSnapshot]

	// publish is called when the node set changes, and at least every
	// publishEvery when that is positive.
	publish      func([]NodeSnapshot)
	publishEvery time.Duration
	published    []NodeSnapshot
	publishedAt  time.Time

	now func() time.Time
}

func newManager(cfg managerConfig, client NodeClient, correlator *Correlator, stats *statsCollector, queueSize int, log *zap.Logger) *manager {
	m := &manager{
		cfg:         cfg,
		registry:    NewRegistry(),
		client:      client,
		correlator:  correlator,
		stats:       stats,
		log:         log,
		events:      make(chan any, 256),
		submissions: make(chan *Task, queueSize),
		now:         time.Now,
	}
	empty := []NodeSnapshot{}
	m.nodes.Store(&empty)
	return m
}

// run iterates until ctx is cancelled. The current iteration always finishes.
func (m *manager) run(ctx context.Context) {
	m.log.Debug("node manager started")
	defer m.log.Debug("node manager stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		m.iterate(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.loopInterval):
		}
	}
}

func (m *manager) iterate(ctx context.Context) {
	m.drainEvents()
	m.drainSubmissions()
	m.evict()
	attempted := m.assign(ctx)
	m.heartbeat(ctx, attempted)
	m.publishState()
}

func (m *manager) drainEvents() {
	for {
		select {
		case ev := <-m.events:
			m.handleEvent(ev)
		default:
			return
		}
	}
}

func (m *manager) handleEvent(ev any) {
	now := m.now()

	switch e := ev.(type) {
	case newNodeEvent:
		node := &Node{
			ID:             NodeID(e.address, e.taskPort),
			Address:        e.address,
			TaskPort:       e.taskPort,
			CompletionPort: e.completionPort,
			LastContact:    now,
			RegisteredAt:   now,
			stopReceiver:   e.stopReceiver,
		}
		if !m.registry.Add(node) {
			m.log.Warn("duplicate node registration ignored", zap.String("node", node.ID))
			if e.stopReceiver != nil {
				e.stopReceiver()
			}
			return
		}
		m.connected.Store(true)
		m.stats.nodesJoined.Add(1)
		m.log.Debug("node registered",
			zap.String("node", node.ID),
			zap.Int("completion_port", node.CompletionPort))

	case nodeInfoEvent:
		node, ok := m.registry.Get(e.nodeID)
		if !ok {
			return
		}
		node.CPUCount = e.info.CPUCount
		node.Hostname = e.info.Hostname
		node.LastContact = now
		m.log.Debug("node info",
			zap.String("node", node.ID),
			zap.String("hostname", node.Hostname),
			zap.Int("cpu_count", node.CPUCount))

	case completionEvent:
		node, ok := m.registry.Get(e.nodeID)
		if !ok || node.AssignedTask != e.taskID {
			// The node was evicted or the report is stale; fall back to a lookup by task.
			node, ok = m.registry.FindByTask(e.taskID)
			if !ok {
				return
			}
		}
		node.AssignedTask = ""
		node.ConsecutiveFailures = 0
		node.LastContact = now
		m.log.Debug("node idle after completion",
			zap.String("node", node.ID),
			zap.String("task", e.taskID))
	}
}

func (m *manager) drainSubmissions() {
	for {
		select {
		case t := <-m.submissions:
			m.queue.Push(t)
		default:
			return
		}
	}
}

func (m *manager) evict() {
	for _, node := range m.registry.Nodes() {
		if node.ConsecutiveFailures < m.cfg.maxFailures {
			continue
		}

		m.registry.Remove(node.ID)
		if node.stopReceiver != nil {
			node.stopReceiver()
		}
		m.stats.nodesEvicted.Add(1)
		m.log.Debug("node evicted",
			zap.String("node", node.ID),
			zap.Int("failures", node.ConsecutiveFailures),
			zap.String("task", node.AssignedTask))

		if node.AssignedTask != "" {
			if c, ok := m.correlator.Resolve(node.AssignedTask, node.ID, nil, true); ok {
				m.stats.recordCompletion(c)
			}
		}
	}

	if m.registry.Len() == 0 && m.connected.Load() {
		m.connected.Store(false)
		m.log.Debug("no slaves connected")
	}
}

// assign offers the head of the queue to each idle node in registration order.
// It returns the ids of nodes that saw a send attempt this pass.
func (m *manager) assign(ctx context.Context) map[string]bool {
	attempted := make(map[string]bool)

	for _, node := range m.registry.Nodes() {
		if node.AssignedTask != "" {
			continue
		}

		for {
			task, ok := m.queue.Peek()
			if !ok {
				return attempted
			}

			attempted[node.ID] = true
			err := m.client.AssignTask(ctx, node, task)
			if err == nil {
				m.queue.Pop()
				m.queued.Add(-1)
				node.AssignedTask = task.ID
				node.ConsecutiveFailures = 0
				node.LastContact = m.now()
				m.log.Debug("task assigned",
					zap.String("node", node.ID),
					zap.String("task", task.ID))
				break
			}

			// The node is not at fault; no node could take this task.
			if protocol.IsMessageError(err) {
				m.dropTask(task, err)
				continue
			}
			m.recordFailure(node, "task send failed", err)
			break
		}
	}
	return attempted
}

// dropTask removes the head of the queue and completes it as failed.
func (m *manager) dropTask(task *Task, err error) {
	m.queue.Pop()
	m.queued.Add(-1)
	m.log.Warn("task cannot be sent, dropped",
		zap.String("task", task.ID),
		zap.Int("bytes", len(task.Payload)),
		zap.Error(err))
	if c, ok := m.correlator.Fail(task.ID, err); ok {
		m.stats.recordCompletion(c)
	}
}

func (m *manager) heartbeat(ctx context.Context, attempted map[string]bool) {
	now := m.now()
	for _, node := range m.registry.Nodes() {
		if attempted[node.ID] || now.Sub(node.LastContact) < m.cfg.heartbeatInterval {
			continue
		}

		if err := m.client.Heartbeat(ctx, node); err != nil {
			m.recordFailure(node, "heartbeat failed", err)
			continue
		}
		node.ConsecutiveFailures = 0
		node.LastContact = m.now()
	}
}

func (m *manager) recordFailure(node *Node, msg string, err error) {
	kind := protocol.Classify(err)
	if !kind.CountsAsFailure() {
		m.log.Debug(msg+", peer hung up",
			zap.String("node", node.ID),
			zap.Stringer("kind", kind),
			zap.Error(err))
		return
	}

	node.ConsecutiveFailures++
	m.log.Debug(msg,
		zap.String("node", node.ID),
		zap.Stringer("kind", kind),
		zap.Int("failures", node.ConsecutiveFailures),
		zap.Error(err))
}

func (m *manager) publishState() {
	m.correlator.UpdateInFlight(m.registry.InFlight())

	snap := m.registry.Snapshots()
	m.nodes.Store(&snap)
	if m.publish == nil {
		return
	}

	now := m.now()
	due := m.publishEvery > 0 && now.Sub(m.publishedAt) >= m.publishEvery
	if !m.publishedAt.IsZero() && !due && sameNodes(m.published, snap) {
		return
	}
	m.publish(snap)
	m.published = snap
	m.publishedAt = now
}

// sameNodes ignores LastContact, which moves on every heartbeat.
func sameNodes(a, b []NodeSnapshot) bool {
	return slice.EqualWith(a, b, func(x, y NodeSnapshot) bool {
		x.LastContact, y.LastContact = time.Time{}, time.Time{}
		return x == y
	})
}

// enqueue is called by producers. It never blocks.
func (m *manager) enqueue(t *Task, limit int) error {
	if m.queued.Add(1) > int64(limit) {
		m.queued.Add(-1)
		return ErrQueueFull
	}
	select {
	case m.submissions <- t:
		return nil
	default:
		m.queued.Add(-1)
		return ErrQueueFull
	}
}

// post delivers an event unless ctx ends first.
func (m *manager) post(ctx context.Context, ev any) bool {
	select {
	case m.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *manager) snapshot() []NodeSnapshot {
	return *m.nodes.Load()
}
