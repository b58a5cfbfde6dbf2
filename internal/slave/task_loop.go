package slave

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"

	"yqhp/taskmesh/pkg/protocol"
)

// serveTasks accepts on the task port until the master has been unreachable for
// more than MaxDisconnects accept windows, in which case it returns true and the
// caller rediscovers. It returns false when the slave is stopping.
func (s *Slave) serveTasks(ctx context.Context, l *protocol.Listener) bool {
	failures := 0
	fail := func(msg string, err error) bool {
		failures++
		s.log.Debug(msg,
			zap.Int("failures", failures),
			zap.Stringer("kind", protocol.Classify(err)),
			zap.Error(err))
		return failures > s.config.MaxDisconnects
	}

	for ctx.Err() == nil {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return false
			}
			if fail("no contact from master", err) {
				return true
			}
			continue
		}

		msg, err := conn.Receive()
		if err != nil {
			conn.Close()
			if fail("task port read failed", err) {
				return true
			}
			continue
		}

		switch msg := msg.(type) {
		case *protocol.Heartbeat:
			failures = 0
			if err := conn.Send(&protocol.HeartbeatResponse{SentAt: msg.SentAt, Busy: s.busy.Load()}); err != nil {
				s.log.Debug("heartbeat reply failed", zap.Error(err))
			}
			conn.Close()

		case *protocol.TaskAssignment:
			failures = 0
			conn.Close()
			s.log.Debug("task received", zap.String("task", msg.TaskID), zap.Int("bytes", len(msg.Payload)))
			select {
			case s.tasks <- msg:
			case <-ctx.Done():
				return false
			}

		default:
			conn.Close()
			s.log.Debug("unexpected message on task port", zap.String("type", string(msg.Type())))
		}
	}
	return false
}
