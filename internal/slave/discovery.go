package slave

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"yqhp/taskmesh/pkg/protocol"
)

// discover runs the Scanning → Connecting → PortAssigned transitions until a
// master answers or ctx ends. There is no give-up state.
func (s *Slave) discover(ctx context.Context) (string, *protocol.PortAssignment, error) {
	for round := 1; ; round++ {
		s.setState(StateScanning)

		candidates, err := s.source.Candidates(ctx)
		if err != nil {
			s.log.Debug("candidate scan failed", zap.Int("round", round), zap.Error(err))
		}
		s.log.Debug("scanning for master", zap.Int("round", round), zap.Int("candidates", len(candidates)))

		for _, candidate := range candidates {
			if ctx.Err() != nil {
				return "", nil, ctx.Err()
			}

			s.setState(StateConnecting)
			addr := s.initializeAddr(candidate)
			pa, err := s.handshake(ctx, addr)
			if err != nil {
				s.log.Debug("handshake failed",
					zap.String("address", addr),
					zap.Stringer("kind", protocol.Classify(err)),
					zap.Error(err))
				continue
			}

			host, _, _ := net.SplitHostPort(addr)
			s.setState(StatePortAssigned)
			s.log.Debug("port assignment received",
				zap.String("master", host),
				zap.Int("task_port", pa.TaskPort),
				zap.Int("completion_port", pa.CompletionPort))
			return host, pa, nil
		}

		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(s.config.RetryInterval):
		}
	}
}

func (s *Slave) initializeAddr(candidate string) string {
	if _, _, err := net.SplitHostPort(candidate); err == nil {
		return candidate
	}
	return protocol.HostPort(candidate, s.config.InitializePort)
}

func (s *Slave) handshake(ctx context.Context, addr string) (*protocol.PortAssignment, error) {
	conn, err := protocol.Dial(ctx, addr, s.config.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	conn.SetIOTimeout(s.config.IOTimeout)
	msg, err := conn.Receive()
	if err != nil {
		return nil, err
	}
	pa, ok := msg.(*protocol.PortAssignment)
	if !ok {
		return nil, fmt.Errorf("expected port assignment, got %s", msg.Type())
	}
	return pa, nil
}
