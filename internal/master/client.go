package master

import (
	"context"
	"time"

	"go.uber.org/zap"

	"yqhp/taskmesh/pkg/protocol"
)

// NodeClient performs the manager's outbound calls to a slave's task port.
type NodeClient interface {
	AssignTask(ctx context.Context, node *Node, task *Task) error
	Heartbeat(ctx context.Context, node *Node) error
}

// tcpNodeClient talks to slaves with one short-lived connection per message.
type tcpNodeClient struct {
	connectTimeout time.Duration
	ioTimeout      time.Duration
	log            *zap.Logger
}

func newTCPNodeClient(connectTimeout, ioTimeout time.Duration, log *zap.Logger) *tcpNodeClient {
	return &tcpNodeClient{connectTimeout: connectTimeout, ioTimeout: ioTimeout, log: log}
}

func (c *tcpNodeClient) AssignTask(ctx context.Context, node *Node, task *Task) error {
	msg := &protocol.TaskAssignment{TaskID: task.ID, Payload: task.Payload}
	return protocol.SendTo(ctx, protocol.HostPort(node.Address, node.TaskPort), msg, c.connectTimeout, c.ioTimeout)
}

// Heartbeat counts as delivered once the probe is written. The reply is read
// best effort and never turns a delivered probe into a failure.
func (c *tcpNodeClient) Heartbeat(ctx context.Context, node *Node) error {
	conn, err := protocol.Dial(ctx, protocol.HostPort(node.Address, node.TaskPort), c.connectTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetIOTimeout(c.ioTimeout)
	if err := conn.Send(&protocol.Heartbeat{SentAt: time.Now()}); err != nil {
		return err
	}

	reply, err := conn.Receive()
	if err != nil {
		c.log.Debug("no heartbeat reply", zap.String("node", node.ID), zap.Error(err))
		return nil
	}
	if resp, ok := reply.(*protocol.HeartbeatResponse); ok {
		c.log.Debug("heartbeat reply",
			zap.String("node", node.ID),
			zap.Bool("busy", resp.Busy),
			zap.Duration("rtt", time.Since(resp.SentAt)))
	}
	return nil
}
