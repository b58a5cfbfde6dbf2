package master

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/taskmesh/pkg/protocol"
)

var (
	errRefused = os.NewSyscallError("connect", syscall.ECONNREFUSED)
	errPipe    = os.NewSyscallError("write", syscall.EPIPE)
)

// fakeClient records calls and fails per node on demand.
type fakeClient struct {
	mu          sync.Mutex
	assignErr   map[string]error
	taskErr     map[string]error
	hbErr       map[string]error
	assignments map[string][]string
	heartbeats  map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		assignErr:   make(map[string]error),
		taskErr:     make(map[string]error),
		hbErr:       make(map[string]error),
		assignments: make(map[string][]string),
		heartbeats:  make(map[string]int),
	}
}

func (f *fakeClient) AssignTask(_ context.Context, node *Node, task *Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.assignErr[node.ID]; err != nil {
		return err
	}
	if err := f.taskErr[task.ID]; err != nil {
		return err
	}
	f.assignments[node.ID] = append(f.assignments[node.ID], task.ID)
	return nil
}

func (f *fakeClient) Heartbeat(_ context.Context, node *Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats[node.ID]++
	return f.hbErr[node.ID]
}

func (f *fakeClient) failAll(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignErr[id] = err
	f.hbErr[id] = err
}

type managerFixture struct {
	m      *manager
	client *fakeClient
	corr   *Correlator
	clock  time.Time
}

func newManagerFixture(maxFailures int) *managerFixture {
	f := &managerFixture{
		client: newFakeClient(),
		corr:   NewCorrelator(),
		clock:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f.m = newManager(managerConfig{
		maxFailures:       maxFailures,
		heartbeatInterval: time.Second,
		loopInterval:      time.Millisecond,
	}, f.client, f.corr, newStatsCollector(), 100, zap.NewNop())
	f.m.now = func() time.Time { return f.clock }
	return f
}

func (f *managerFixture) addNode(port int) string {
	f.m.events <- newNodeEvent{address: "10.0.0.1", taskPort: port, completionPort: port + 1}
	return NodeID("10.0.0.1", port)
}

func (f *managerFixture) submit(t *testing.T, id string) {
	t.Helper()
	f.corr.Track(id, f.clock)
	require.NoError(t, f.m.enqueue(&Task{ID: id, CreatedAt: f.clock}, 100))
}

func (f *managerFixture) iterate() {
	f.m.iterate(context.Background())
}

func TestManagerRegistersNode(t *testing.T) {
	f := newManagerFixture(3)
	assert.False(t, f.m.connected.Load())

	id := f.addNode(12223)
	f.iterate()

	assert.True(t, f.m.connected.Load())
	nodes := f.m.snapshot()
	require.Len(t, nodes, 1)
	assert.Equal(t, id, nodes[0].ID)
	assert.Equal(t, "10.0.0.1:12223", nodes[0].ID)
	assert.Equal(t, 12224, nodes[0].CompletionPort)
	assert.Equal(t, NodeIdle, nodes[0].State)
}

func TestManagerDuplicateRegistrationStopsReceiver(t *testing.T) {
	f := newManagerFixture(3)
	f.addNode(12223)

	stopped := false
	f.m.events <- newNodeEvent{address: "10.0.0.1", taskPort: 12223, completionPort: 12224,
		stopReceiver: func() { stopped = true }}
	f.iterate()

	assert.True(t, stopped)
	assert.Len(t, f.m.snapshot(), 1)
}

func TestManagerNodeInfo(t *testing.T) {
	f := newManagerFixture(3)
	id := f.addNode(12223)
	f.m.events <- nodeInfoEvent{nodeID: id}
	f.m.events <- nodeInfoEvent{nodeID: "unknown:1"}
	f.iterate()

	f.m.events <- nodeInfoEvent{nodeID: id}
	f.iterate()
	assert.Len(t, f.m.snapshot(), 1)
}

func TestManagerAssignsOneTaskPerNode(t *testing.T) {
	f := newManagerFixture(3)
	a := f.addNode(12223)
	b := f.addNode(12225)
	f.submit(t, "t1")
	f.submit(t, "t2")
	f.submit(t, "t3")

	f.iterate()

	assert.Equal(t, []string{"t1"}, f.client.assignments[a])
	assert.Equal(t, []string{"t2"}, f.client.assignments[b])
	assert.Equal(t, 1, f.m.queue.Len())
	assert.Equal(t, int64(1), f.m.queued.Load())

	// Both busy: nothing more goes out.
	f.iterate()
	assert.Len(t, f.client.assignments[a], 1)
	assert.Len(t, f.client.assignments[b], 1)

	// Completion frees a, which then takes t3.
	f.m.events <- completionEvent{nodeID: a, taskID: "t1"}
	f.iterate()
	assert.Equal(t, []string{"t1", "t3"}, f.client.assignments[a])
	assert.Equal(t, 0, f.m.queue.Len())
}

func TestManagerRetryInPlace(t *testing.T) {
	f := newManagerFixture(5)
	bad := f.addNode(12223)
	good := f.addNode(12225)
	f.client.failAll(bad, errRefused)

	f.submit(t, "t1")
	f.submit(t, "t2")
	f.iterate()

	// The failed send leaves t1 at the head; the next idle node gets it in the same pass.
	assert.Equal(t, []string{"t1"}, f.client.assignments[good])
	assert.Equal(t, 1, f.m.queue.Len())
	head, _ := f.m.queue.Peek()
	assert.Equal(t, "t2", head.ID)

	node, _ := f.m.registry.Get(bad)
	assert.Equal(t, 1, node.ConsecutiveFailures)
	assert.Equal(t, NodeIdle, node.State())
}

func TestManagerBrokenPipeIsNotCounted(t *testing.T) {
	f := newManagerFixture(3)
	id := f.addNode(12223)
	f.client.failAll(id, errPipe)
	f.submit(t, "t1")

	for i := 0; i < 5; i++ {
		f.iterate()
	}

	node, ok := f.m.registry.Get(id)
	require.True(t, ok)
	assert.Equal(t, 0, node.ConsecutiveFailures)
	assert.Equal(t, 1, f.m.queue.Len())
}

func TestManagerHeartbeatsSilentNodes(t *testing.T) {
	f := newManagerFixture(3)
	busy := f.addNode(12223)
	idle := f.addNode(12225)
	f.iterate()

	f.submit(t, "t1")
	f.iterate()
	assert.Equal(t, []string{"t1"}, f.client.assignments[busy])

	f.clock = f.clock.Add(500 * time.Millisecond)
	f.iterate()
	assert.Zero(t, f.client.heartbeats[busy])
	assert.Zero(t, f.client.heartbeats[idle])

	// Busy and idle nodes are both probed once they have been silent long enough.
	f.clock = f.clock.Add(2 * time.Second)
	f.iterate()
	assert.Equal(t, 1, f.client.heartbeats[busy])
	assert.Equal(t, 1, f.client.heartbeats[idle])

	// A successful probe refreshes last contact.
	f.iterate()
	assert.Equal(t, 1, f.client.heartbeats[idle])
}

func TestManagerEvictsIdleNode(t *testing.T) {
	f := newManagerFixture(3)
	id := f.addNode(12223)

	stopped := false
	f.m.events <- newNodeEvent{address: "10.0.0.2", taskPort: 12225, completionPort: 12226,
		stopReceiver: func() { stopped = true }}
	f.iterate()
	other := NodeID("10.0.0.2", 12225)

	f.client.failAll(id, errRefused)
	f.client.failAll(other, errRefused)
	f.clock = f.clock.Add(5 * time.Second)

	for i := 0; i < 3; i++ {
		f.iterate()
		assert.True(t, f.m.connected.Load(), "still connected after %d failures", i+1)
	}

	// The sweep at the start of the next pass removes both nodes.
	f.iterate()
	assert.False(t, f.m.connected.Load())
	assert.Empty(t, f.m.snapshot())
	assert.True(t, stopped)
	assert.Equal(t, int64(2), f.m.stats.nodesEvicted.Load())
}

func TestManagerEvictionReleasesTask(t *testing.T) {
	f := newManagerFixture(2)
	id := f.addNode(12223)
	f.submit(t, "t1")
	f.iterate()
	require.Equal(t, []string{"t1"}, f.client.assignments[id])

	done := make(chan *Completion, 1)
	go func() {
		c, err := f.corr.WaitForTask(context.Background(), "t1", 2*time.Second)
		if err == nil {
			done <- c
		}
		close(done)
	}()

	f.client.failAll(id, errors.New("host unreachable"))
	f.clock = f.clock.Add(5 * time.Second)
	f.iterate()
	f.iterate()
	f.iterate()

	select {
	case c := <-done:
		require.NotNil(t, c)
		assert.True(t, c.NodeLost)
		assert.Empty(t, c.Result)
		assert.Equal(t, id, c.NodeID)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by eviction")
	}
	assert.False(t, f.m.connected.Load())
}

func TestManagerLateCompletionAfterEviction(t *testing.T) {
	f := newManagerFixture(1)
	id := f.addNode(12223)
	f.submit(t, "t1")
	f.iterate()

	f.client.failAll(id, errRefused)
	f.clock = f.clock.Add(5 * time.Second)
	f.iterate()
	f.iterate()
	assert.Empty(t, f.m.snapshot())

	// A report from the evicted node is a no-op.
	f.m.events <- completionEvent{nodeID: id, taskID: "t1"}
	f.iterate()
	assert.Empty(t, f.m.snapshot())
}

func TestManagerDropsUnsendableTask(t *testing.T) {
	f := newManagerFixture(1)
	a := f.addNode(12223)
	b := f.addNode(12225)
	f.client.taskErr["huge"] = fmt.Errorf("task_assignment of %d bytes: %w", 20<<20, protocol.ErrFrameTooLarge)

	f.submit(t, "huge")
	f.submit(t, "t1")
	f.submit(t, "t2")
	f.iterate()

	// The unsendable head is dropped and the same node takes the next task.
	assert.Equal(t, []string{"t1"}, f.client.assignments[a])
	assert.Equal(t, []string{"t2"}, f.client.assignments[b])
	assert.Equal(t, 0, f.m.queue.Len())
	assert.Equal(t, int64(0), f.m.queued.Load())

	for _, id := range []string{a, b} {
		node, ok := f.m.registry.Get(id)
		require.True(t, ok)
		assert.Zero(t, node.ConsecutiveFailures)
	}

	c, err := f.corr.WaitForTask(context.Background(), "huge", time.Second)
	require.NoError(t, err)
	assert.Contains(t, c.Error, "frame too large")
	assert.False(t, c.NodeLost)
	assert.Empty(t, c.Result)
	assert.Equal(t, int64(1), f.m.stats.failed.Load())

	f.iterate()
	assert.Len(t, f.m.snapshot(), 2)
}

func TestManagerPublishesOnChange(t *testing.T) {
	f := newManagerFixture(3)
	var calls int
	f.m.publish = func([]NodeSnapshot) { calls++ }

	f.iterate()
	assert.Equal(t, 1, calls)

	f.iterate()
	f.iterate()
	assert.Equal(t, 1, calls, "idle cluster republished")

	id := f.addNode(12223)
	f.iterate()
	assert.Equal(t, 2, calls)

	// A heartbeat only moves last contact.
	f.clock = f.clock.Add(2 * time.Second)
	f.iterate()
	assert.Equal(t, 1, f.client.heartbeats[id])
	assert.Equal(t, 2, calls)

	f.submit(t, "t1")
	f.iterate()
	assert.Equal(t, 3, calls)
}

func TestManagerRepublishesAfterRefresh(t *testing.T) {
	f := newManagerFixture(3)
	var calls int
	f.m.publish = func([]NodeSnapshot) { calls++ }
	f.m.publishEvery = 10 * time.Second

	f.iterate()
	f.clock = f.clock.Add(5 * time.Second)
	f.iterate()
	assert.Equal(t, 1, calls)

	f.clock = f.clock.Add(5 * time.Second)
	f.iterate()
	assert.Equal(t, 2, calls)
}

func TestManagerCompletionWithoutResultMarksLost(t *testing.T) {
	f := newManagerFixture(3)
	id := f.addNode(12223)
	f.submit(t, "t1")
	f.iterate()
	require.Equal(t, []string{"t1"}, f.client.assignments[id])

	// The node is freed without the correlator ever seeing a result.
	f.m.events <- completionEvent{nodeID: id, taskID: "t1"}
	f.iterate()

	_, err := f.corr.WaitForTask(context.Background(), "t1", time.Second)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.Zero(t, f.corr.Pending())
}

func TestEnqueueQueueFull(t *testing.T) {
	f := newManagerFixture(3)
	require.NoError(t, f.m.enqueue(&Task{ID: "a"}, 2))
	require.NoError(t, f.m.enqueue(&Task{ID: "b"}, 2))
	assert.ErrorIs(t, f.m.enqueue(&Task{ID: "c"}, 2), ErrQueueFull)
	assert.Equal(t, int64(2), f.m.queued.Load())
}

// TestEvictionThresholdProperty: a node is evicted exactly when it has failed
// maxFailures consecutive sends, never earlier.
func TestEvictionThresholdProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("node survives maxFailures-1 failures and is evicted after maxFailures", prop.ForAll(
		func(maxFailures int, healthyPasses int) bool {
			f := newManagerFixture(maxFailures)
			id := f.addNode(12223)
			f.iterate()
			f.clock = f.clock.Add(5 * time.Second)

			for i := 0; i < healthyPasses; i++ {
				f.iterate()
				f.clock = f.clock.Add(5 * time.Second)
			}
			f.client.failAll(id, errRefused)

			for i := 0; i < maxFailures; i++ {
				f.iterate()
				if len(f.m.snapshot()) != 1 {
					return false
				}
			}
			f.iterate()
			return len(f.m.snapshot()) == 0 && !f.m.connected.Load()
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 5),
	))

	properties.Property("a success in between resets the count", prop.ForAll(
		func(maxFailures int) bool {
			f := newManagerFixture(maxFailures)
			id := f.addNode(12223)
			f.iterate()
			f.clock = f.clock.Add(5 * time.Second)

			f.client.failAll(id, errRefused)
			for i := 0; i < maxFailures-1; i++ {
				f.iterate()
			}
			f.client.failAll(id, nil)
			f.iterate()

			node, ok := f.m.registry.Get(id)
			return ok && node.ConsecutiveFailures == 0
		},
		gen.IntRange(2, 10),
	))

	properties.TestingRun(t)
}

func TestNodeIDFormat(t *testing.T) {
	assert.Equal(t, "127.0.0.1:12223", NodeID("127.0.0.1", 12223))
	assert.Equal(t, "[::1]:12223", NodeID("::1", 12223))
	assert.Equal(t, fmt.Sprintf("%s:%d", "host", 1), NodeID("host", 1))
}
