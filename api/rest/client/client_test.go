package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/taskmesh/api/rest"
	"yqhp/taskmesh/internal/master"
)

type stubProducer struct {
	mu      sync.Mutex
	results map[string][]byte
}

func (p *stubProducer) Submit(payload []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch string(payload) {
	case "full":
		return "", master.ErrQueueFull
	case "huge":
		return "", master.ErrPayloadTooLarge
	}
	p.results["t1"] = payload
	return "t1", nil
}

func (p *stubProducer) WaitForTaskCompletion(_ context.Context, id string, _ time.Duration) (*master.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == "pending" {
		return nil, master.ErrTaskNotCompleted
	}
	r, ok := p.results[id]
	if !ok {
		return nil, master.ErrTaskNotFound
	}
	delete(p.results, id)
	return &master.Completion{TaskID: id, Result: r, CompletedAt: time.Now()}, nil
}

func (p *stubProducer) WaitForAnyTaskCompletion(context.Context, time.Duration) (*master.Completion, error) {
	return nil, master.ErrTaskNotCompleted
}

func (p *stubProducer) HasConnection() bool { return true }

func (p *stubProducer) Nodes() []master.NodeSnapshot {
	return []master.NodeSnapshot{{ID: "10.0.0.2:7001", Address: "10.0.0.2", TaskPort: 7001, State: master.NodeBusy}}
}

func (p *stubProducer) Stats() master.Stats {
	return master.Stats{State: master.StateRunning, Nodes: 1, Submitted: 4}
}

func startServer(t *testing.T) *Client {
	t.Helper()
	srv := rest.NewServer(&stubProducer{results: map[string][]byte{}}, rest.DefaultConfig(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.App().Listener(ln) }()
	t.Cleanup(func() { _ = srv.App().Shutdown() })

	return New(&Config{BaseURL: ln.Addr().String(), RequestTimeout: 2 * time.Second})
}

func TestClientHealthNodesStats(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.True(t, health.HasConnection)
	assert.Equal(t, "running", health.State)

	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, master.NodeBusy, nodes[0].State)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Submitted)
}

func TestClientSubmitAndWait(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()

	id, err := c.Submit(ctx, []byte(`{"v":1}`))
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	done, err := c.Wait(ctx, id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, done.Result)

	_, err = c.Wait(ctx, id, time.Second)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Wait(ctx, "pending", 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotCompleted)

	_, err = c.Submit(ctx, []byte("full"))
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = c.Submit(ctx, []byte("huge"))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestClientUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := New(&Config{BaseURL: "http://" + addr + "/", RequestTimeout: 200 * time.Millisecond})
	_, err = c.Health(context.Background())
	assert.Error(t, err)
}
