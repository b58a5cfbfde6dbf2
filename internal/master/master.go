package master

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"yqhp/taskmesh/internal/config"
	"yqhp/taskmesh/pkg/protocol"
	"yqhp/taskmesh/pkg/utils"
)

// State represents the lifecycle state of the master.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Config holds the configuration for a master node.
type Config struct {
	// InitializePort is the well-known port slaves handshake on. Port pairs are
	// allocated upwards from InitializePort+1.
	InitializePort int

	// MaxDisconnectErrors is the number of consecutive failed sends or heartbeats
	// after which a node is evicted.
	MaxDisconnectErrors int

	// MaxConnections caps concurrent handshakes on the initialize port.
	MaxConnections int

	// HeartbeatInterval is how long a node may stay silent before it is probed.
	HeartbeatInterval time.Duration

	// LoopInterval is the pause between node manager iterations.
	LoopInterval time.Duration

	// PollInterval is the granularity of WaitForConnection.
	PollInterval time.Duration

	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	AcceptTimeout  time.Duration

	// TaskQueueSize bounds the number of submitted tasks not yet assigned.
	TaskQueueSize int
}

// DefaultConfig returns a default master configuration.
func DefaultConfig() *Config {
	return FromConfig(config.DefaultConfig().Master)
}

// FromConfig converts the master section of the loaded configuration.
func FromConfig(c config.MasterConfig) *Config {
	return &Config{
		InitializePort:      c.InitializePort,
		MaxDisconnectErrors: c.MaxDisconnectErrors,
		MaxConnections:      c.MaxConnections,
		HeartbeatInterval:   c.HeartbeatInterval,
		LoopInterval:        c.LoopInterval,
		PollInterval:        c.PollInterval,
		ConnectTimeout:      c.ConnectTimeout,
		IOTimeout:           c.IOTimeout,
		AcceptTimeout:       c.AcceptTimeout,
		TaskQueueSize:       c.TaskQueueSize,
	}
}

// Option customises a Master.
type Option func(*Master)

// WithLogger sets the logger; the master logs under the "master" name.
func WithLogger(log *zap.Logger) Option {
	return func(m *Master) { m.log = log }
}

// WithNodeClient replaces the TCP client used to reach slaves.
func WithNodeClient(c NodeClient) Option {
	return func(m *Master) { m.client = c }
}

// WithNodeObserver registers a callback receiving the node snapshot whenever a
// node joins, leaves or changes state. A positive refresh also repeats the
// latest snapshot at that interval. The callback runs on its own goroutine and
// only ever sees the latest snapshot.
func WithNodeObserver(fn func(context.Context, []NodeSnapshot), refresh time.Duration) Option {
	return func(m *Master) {
		m.observer = fn
		m.observerRefresh = refresh
	}
}

// Master is the producer-facing side of taskmesh.
type Master struct {
	config *Config
	log    *zap.Logger

	client     NodeClient
	correlator *Correlator
	stats      *statsCollector
	manager    *manager
	observer   func(context.Context, []NodeSnapshot)

	observerRefresh time.Duration

	state    atomic.Value // State
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
	mu       sync.Mutex

	initListener *protocol.Listener
}

// New creates a master. Nothing listens until Initialize.
func New(cfg *Config, opts ...Option) *Master {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	m := &Master{
		config:     cfg,
		log:        zap.NewNop(),
		correlator: NewCorrelator(),
		stats:      newStatsCollector(),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.Named("master")
	if m.client == nil {
		m.client = newTCPNodeClient(cfg.ConnectTimeout, cfg.IOTimeout, m.log.Named("client"))
	}
	m.manager = newManager(managerConfig{
		maxFailures:       cfg.MaxDisconnectErrors,
		heartbeatInterval: cfg.HeartbeatInterval,
		loopInterval:      cfg.LoopInterval,
	}, m.client, m.correlator, m.stats, cfg.TaskQueueSize, m.log.Named("manager"))

	m.state.Store(StateStopped)
	return m
}

// Initialize binds the initialize port and starts the discovery listener and the
// node manager. Failing to bind is the only fatal error.
func (m *Master) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != StateStopped || m.cancel != nil {
		return fmt.Errorf("master already started")
	}
	m.state.Store(StateStarting)

	listener, err := protocol.Listen(m.config.InitializePort, m.config.MaxConnections,
		m.config.AcceptTimeout, m.config.IOTimeout)
	if err != nil {
		m.state.Store(StateStopped)
		return fmt.Errorf("bind initialize port: %w", err)
	}
	m.initListener = listener

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	if m.observer != nil {
		latest := make(chan []NodeSnapshot, 1)
		m.manager.publishEvery = m.observerRefresh
		m.manager.publish = func(snap []NodeSnapshot) {
			select {
			case <-latest:
			default:
			}
			latest <- snap
		}
		m.wg.Add(1)
		utils.SafeGo(m.log, "node-observer", func() {
			defer m.wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case snap := <-latest:
					m.observer(runCtx, snap)
				}
			}
		})
	}

	d := &discovery{
		listener: listener,
		ports:    NewPortAllocator(m.config.InitializePort),
		master:   m,
		log:      m.log.Named("discovery"),
	}

	m.wg.Add(2)
	utils.SafeGo(m.log, "discovery", func() {
		defer m.wg.Done()
		d.run(runCtx)
	})
	utils.SafeGo(m.log, "node-manager", func() {
		defer m.wg.Done()
		m.manager.run(runCtx)
	})

	m.state.Store(StateRunning)
	m.log.Info("master started",
		zap.Int("initialize_port", listener.Port()),
		zap.Int("max_disconnect_errors", m.config.MaxDisconnectErrors))
	return nil
}

// Stop shuts every loop down and waits for them, or for ctx, whichever comes first.
func (m *Master) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		m.state.Store(StateStopping)

		m.mu.Lock()
		if m.cancel != nil {
			m.cancel()
		}
		if m.initListener != nil {
			err = multierr.Append(err, m.initListener.Close())
		}
		m.mu.Unlock()

		m.correlator.Close()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("wait for master loops: %w", ctx.Err()))
		}

		close(m.stopped)
		m.state.Store(StateStopped)
		m.log.Info("master stopped")
	})
	return err
}

// State returns the current lifecycle state.
func (m *Master) State() State {
	return m.state.Load().(State)
}

// Port returns the bound initialize port, or 0 before Initialize.
func (m *Master) Port() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initListener == nil {
		return 0
	}
	return m.initListener.Port()
}

// HasConnection reports whether at least one slave is registered.
func (m *Master) HasConnection() bool {
	return m.manager.connected.Load()
}

// WaitForConnection polls HasConnection until it is true or timeout elapses. A
// timeout of zero or less waits until ctx is done or the master stops.
func (m *Master) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	if m.HasConnection() {
		return nil
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if m.HasConnection() {
				return nil
			}
		case <-deadline:
			return ErrNoConnection
		case <-m.stopped:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Submit queues a task and returns its id immediately. No slave needs to be
// connected; the task waits in the queue until a node is idle. Payloads that
// cannot be framed are rejected with ErrPayloadTooLarge.
func (m *Master) Submit(payload []byte) (string, error) {
	select {
	case <-m.stopped:
		return "", ErrStopped
	default:
	}
	if m.State() == StateStopping {
		return "", ErrStopped
	}

	task := &Task{ID: uuid.NewString(), Payload: payload, CreatedAt: time.Now()}
	if err := protocol.CheckFrameSize(&protocol.TaskAssignment{TaskID: task.ID, Payload: payload}); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPayloadTooLarge, err)
	}
	m.correlator.Track(task.ID, task.CreatedAt)
	if err := m.manager.enqueue(task, m.config.TaskQueueSize); err != nil {
		m.correlator.Forget(task.ID)
		return "", err
	}

	m.stats.submitted.Add(1)
	m.log.Debug("task submitted", zap.String("task", task.ID), zap.Int("bytes", len(payload)))
	return task.ID, nil
}

// WaitForTaskCompletion blocks until the task completes. It returns
// ErrTaskNotCompleted on timeout and ErrTaskNotFound for unknown, consumed or
// lost tasks. A completion whose NodeLost is set carries no result.
func (m *Master) WaitForTaskCompletion(ctx context.Context, id string, timeout time.Duration) (*Completion, error) {
	return m.correlator.WaitForTask(ctx, id, timeout)
}

// WaitForAnyTaskCompletion returns the oldest unconsumed completion.
func (m *Master) WaitForAnyTaskCompletion(ctx context.Context, timeout time.Duration) (*Completion, error) {
	return m.correlator.WaitForAny(ctx, timeout)
}

// Nodes returns the registry as of the last manager iteration.
func (m *Master) Nodes() []NodeSnapshot {
	return m.manager.snapshot()
}

// Stats returns counters and latency percentiles.
func (m *Master) Stats() Stats {
	s := Stats{
		State:       m.State(),
		Nodes:       len(m.manager.snapshot()),
		QueueLength: int(m.manager.queued.Load()),
		Pending:     m.correlator.Pending(),
	}
	m.stats.fill(&s)
	return s
}
