package slave

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/taskmesh/internal/config"
	"yqhp/taskmesh/internal/scanner"
	"yqhp/taskmesh/pkg/protocol"
	"yqhp/taskmesh/pkg/utils"
)

var (
	// ErrNoActiveTask 表示调用 FinishTask 时没有正在执行的任务。
	ErrNoActiveTask = errors.New("no active task")
	// ErrTaskInProgress 表示上一个任务尚未完成。
	ErrTaskInProgress = errors.New("previous task not finished")
	// ErrStopped 表示 Slave 已停止。
	ErrStopped = errors.New("slave stopped")
)

// State 表示 Slave 的发现状态。
type State string

const (
	StateStopped      State = "stopped"
	StateScanning     State = "scanning"
	StateConnecting   State = "connecting"
	StatePortAssigned State = "port_assigned"
	StateReady        State = "ready"
)

// Config 保存 Slave 节点的配置信息。
type Config struct {
	// MasterAddress 固定的 Master 地址，设置后跳过扫描。
	MasterAddress string

	// InitializePort 是 Master 的握手端口。
	InitializePort int

	// MaxDisconnects 是触发重新发现之前允许的连续失联次数。
	MaxDisconnects int

	// AcceptTimeout 是任务端口单次等待连接的时长。
	AcceptTimeout time.Duration

	ConnectTimeout time.Duration
	IOTimeout      time.Duration

	// RetryInterval 是一轮扫描失败后的等待时间。
	RetryInterval time.Duration

	// CPUCount 上报给 Master，0 表示使用 runtime.NumCPU()。
	CPUCount int
}

// DefaultConfig 返回默认的 Slave 配置。
func DefaultConfig() *Config {
	return FromConfig(config.DefaultConfig().Slave)
}

// FromConfig converts the slave section of the loaded configuration.
func FromConfig(c config.SlaveConfig) *Config {
	return &Config{
		MasterAddress:  c.MasterAddress,
		InitializePort: c.InitializePort,
		MaxDisconnects: c.MaxDisconnects,
		AcceptTimeout:  c.AcceptTimeout,
		ConnectTimeout: c.ConnectTimeout,
		IOTimeout:      c.IOTimeout,
		RetryInterval:  c.RetryInterval,
		CPUCount:       c.CPUCount,
	}
}

// TaskHandler runs one task payload and returns its result.
type TaskHandler func(ctx context.Context, payload []byte) ([]byte, error)

// Option customises a Slave.
type Option func(*Slave)

// WithLogger sets the logger; the slave logs under the "slave" name.
func WithLogger(log *zap.Logger) Option {
	return func(s *Slave) { s.log = log }
}

// WithSource sets where candidate master addresses come from. It is ignored
// when MasterAddress is configured.
func WithSource(src scanner.Source) Option {
	return func(s *Slave) { s.source = src }
}

// Slave is the worker-facing side of taskmesh.
type Slave struct {
	config *Config
	source scanner.Source
	log    *zap.Logger

	state atomic.Value // State
	busy  atomic.Bool
	tasks chan *protocol.TaskAssignment

	// 受 mu 保护
	mu         sync.Mutex
	masterHost string
	assignment protocol.PortAssignment
	current    *protocol.TaskAssignment
	listener   *protocol.Listener
	cancel     context.CancelFunc

	initOnce sync.Once
	initDone chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// New creates a slave. Nothing happens until Initialize.
func New(cfg *Config, opts ...Option) *Slave {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Slave{
		config:   cfg,
		log:      zap.NewNop(),
		tasks:    make(chan *protocol.TaskAssignment, 1),
		initDone: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("slave")

	if cfg.MasterAddress != "" {
		s.source = scanner.Static{cfg.MasterAddress}
	} else if s.source == nil {
		s.source = scanner.Live{Source: scanner.Subnet{}, Port: cfg.InitializePort}
	}

	s.state.Store(StateStopped)
	return s
}

// Initialize starts discovery in the background. Use WaitForInitialize to block
// until a master has assigned ports.
func (s *Slave) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stopped:
		return ErrStopped
	default:
	}
	if s.cancel != nil {
		return fmt.Errorf("slave already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	utils.SafeGo(s.log, "slave", func() {
		defer s.wg.Done()
		s.run(runCtx)
	})
	return nil
}

// run alternates between discovery and the task loop until stopped.
func (s *Slave) run(ctx context.Context) {
	for ctx.Err() == nil {
		host, pa, err := s.discover(ctx)
		if err != nil {
			return
		}

		l, err := protocol.Listen(pa.TaskPort, 0, s.config.AcceptTimeout, s.config.IOTimeout)
		if err != nil {
			s.log.Warn("bind task port failed, rediscovering", zap.Int("task_port", pa.TaskPort), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.config.RetryInterval):
			}
			continue
		}

		s.mu.Lock()
		s.masterHost = host
		s.assignment = *pa
		s.listener = l
		s.mu.Unlock()

		s.sendNodeInfo(ctx)
		s.setState(StateReady)
		s.initOnce.Do(func() { close(s.initDone) })
		s.log.Info("connected to master",
			zap.String("master", host),
			zap.Int("task_port", pa.TaskPort),
			zap.Int("completion_port", pa.CompletionPort))

		rediscover := s.serveTasks(ctx, l)
		l.Close()
		if !rediscover {
			return
		}
		s.log.Info("lost contact with master, rediscovering", zap.String("master", host))
	}
}

func (s *Slave) sendNodeInfo(ctx context.Context) {
	cpus := s.config.CPUCount
	if cpus <= 0 {
		cpus = runtime.NumCPU()
	}
	hostname, _ := os.Hostname()

	if err := protocol.SendTo(ctx, s.completionAddr(), &protocol.NodeInfo{Hostname: hostname, CPUCount: cpus},
		s.config.ConnectTimeout, s.config.IOTimeout); err != nil {
		s.log.Debug("node info not delivered", zap.Error(err))
	}
}

func (s *Slave) completionAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.HostPort(s.masterHost, s.assignment.CompletionPort)
}

func (s *Slave) setState(st State) {
	s.state.Store(st)
}

// State returns the current discovery state.
func (s *Slave) State() State {
	return s.state.Load().(State)
}

// Assignment returns the master host and ports of the last handshake.
func (s *Slave) Assignment() (string, protocol.PortAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masterHost, s.assignment
}

// WaitForInitialize blocks until the first handshake has completed.
func (s *Slave) WaitForInitialize(ctx context.Context) error {
	select {
	case <-s.initDone:
		return nil
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForTask blocks until the master assigns a task and returns its payload.
// The previous task must have been finished first.
func (s *Slave) WaitForTask(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	busy := s.current != nil
	s.mu.Unlock()
	if busy {
		return nil, ErrTaskInProgress
	}

	select {
	case task := <-s.tasks:
		s.mu.Lock()
		s.current = task
		s.mu.Unlock()
		s.busy.Store(true)
		return task.Payload, nil
	case <-s.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CurrentTask returns the id of the task being executed.
func (s *Slave) CurrentTask() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return "", false
	}
	return s.current.TaskID, true
}

// deliveryAttempts bounds how often FinishTask tries to reach the master.
const deliveryAttempts = 3

// FinishTask reports result for the current task to the master. A result that
// does not fit in one frame is reported as empty, so the master still frees the
// node, and the returned error wraps protocol.ErrFrameTooLarge. The task is
// released even if the report cannot be delivered.
func (s *Slave) FinishTask(ctx context.Context, result []byte) error {
	s.mu.Lock()
	task := s.current
	addr := protocol.HostPort(s.masterHost, s.assignment.CompletionPort)
	s.mu.Unlock()

	if task == nil {
		s.log.Warn("finish called without an active task")
		return ErrNoActiveTask
	}

	msg := &protocol.TaskCompletion{TaskID: task.TaskID, Result: result}
	var resultErr error
	if err := protocol.CheckFrameSize(msg); err != nil {
		resultErr = fmt.Errorf("report task %s: %w", task.TaskID, err)
		s.log.Warn("result cannot be sent, reporting an empty result",
			zap.String("task", task.TaskID),
			zap.Int("bytes", len(result)),
			zap.Error(err))
		msg = &protocol.TaskCompletion{TaskID: task.TaskID}
	}

	s.mu.Lock()
	if s.current != task {
		s.mu.Unlock()
		return ErrNoActiveTask
	}
	s.current = nil
	s.mu.Unlock()
	defer s.busy.Store(false)

	if err := s.deliver(ctx, addr, msg); err != nil {
		s.log.Debug("completion not delivered", zap.String("task", task.TaskID), zap.Error(err))
		return fmt.Errorf("report task %s: %w", task.TaskID, err)
	}
	s.log.Debug("task finished", zap.String("task", task.TaskID), zap.Int("bytes", len(msg.Result)))
	return resultErr
}

// deliver retries transport failures, spreading the attempts over RetryInterval.
func (s *Slave) deliver(ctx context.Context, addr string, msg protocol.Message) error {
	backoff := s.config.RetryInterval / deliveryAttempts
	for attempt := 1; ; attempt++ {
		err := protocol.SendTo(ctx, addr, msg, s.config.ConnectTimeout, s.config.IOTimeout)
		if err == nil || protocol.IsMessageError(err) || attempt == deliveryAttempts {
			return err
		}
		s.log.Debug("completion delivery failed, retrying",
			zap.Int("attempt", attempt),
			zap.Stringer("kind", protocol.Classify(err)),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return err
		case <-s.stopped:
			return err
		case <-time.After(backoff):
		}
	}
}

// Serve initializes the slave if needed and runs handler for every task until
// ctx ends or the slave stops. Handler errors are logged and reported as an
// empty result.
func (s *Slave) Serve(ctx context.Context, handler TaskHandler) error {
	s.mu.Lock()
	started := s.cancel != nil
	s.mu.Unlock()
	if !started {
		if err := s.Initialize(ctx); err != nil {
			return err
		}
	}
	if err := s.WaitForInitialize(ctx); err != nil {
		return err
	}

	for {
		payload, err := s.WaitForTask(ctx)
		if err != nil {
			if errors.Is(err, ErrStopped) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		result, err := s.runHandler(ctx, handler, payload)
		if err != nil {
			s.log.Warn("task handler failed", zap.Error(err))
			result = nil
		}
		if err := s.FinishTask(ctx, result); err != nil {
			s.log.Warn("report task failed", zap.Error(err))
		}
	}
}

func (s *Slave) runHandler(ctx context.Context, handler TaskHandler, payload []byte) (result []byte, err error) {
	if utils.Recover(s.log, "task-handler", func() { result, err = handler(ctx, payload) }) {
		return nil, fmt.Errorf("task handler panicked")
	}
	return result, err
}

// Stop ends discovery and the task loop and waits for them.
func (s *Slave) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()

		close(s.stopped)
		s.wg.Wait()
		s.setState(StateStopped)
		s.log.Info("slave stopped")
	})
	return nil
}
