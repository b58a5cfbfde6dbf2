package master

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"

	"yqhp/taskmesh/pkg/protocol"
)

// receiver serves one node's completion port.
type receiver struct {
	nodeID   string
	listener *protocol.Listener
	master   *Master
	log      *zap.Logger
}

func (r *receiver) run(ctx context.Context) {
	defer r.listener.Close()
	r.log.Debug("completion receiver started", zap.Int("port", r.listener.Port()))

	for ctx.Err() == nil {
		conn, err := r.listener.Accept()
		if err != nil {
			if protocol.IsTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.Debug("completion accept failed", zap.Error(err))
			continue
		}

		msg, err := conn.Receive()
		conn.Close()
		if err != nil {
			r.log.Debug("completion read failed", zap.Error(err))
			continue
		}
		r.handle(ctx, msg)
	}
}

func (r *receiver) handle(ctx context.Context, msg protocol.Message) {
	m := r.master

	switch msg := msg.(type) {
	case *protocol.TaskCompletion:
		if c, ok := m.correlator.Resolve(msg.TaskID, r.nodeID, msg.Result, false); ok {
			m.stats.recordCompletion(c)
			r.log.Debug("task completed",
				zap.String("task", msg.TaskID),
				zap.Duration("latency", c.Latency))
		} else {
			r.log.Debug("completion for unknown or finished task", zap.String("task", msg.TaskID))
		}
		m.manager.post(ctx, completionEvent{nodeID: r.nodeID, taskID: msg.TaskID})

	case *protocol.NodeInfo:
		m.manager.post(ctx, nodeInfoEvent{nodeID: r.nodeID, info: *msg})

	default:
		r.log.Debug("unexpected message on completion port", zap.String("type", string(msg.Type())))
	}
}
