package master

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"yqhp/taskmesh/pkg/protocol"
	"yqhp/taskmesh/pkg/utils"
)

// maxBindAttempts bounds how many port pairs one handshake may burn when
// completion ports turn out to be taken.
const maxBindAttempts = 16

// settleWait is how long a new connection must stay open and silent before
// ports are handed out. Scanning slaves that only check the port is open hang up at once.
const settleWait = 20 * time.Millisecond

// discovery accepts slaves on the initialize port.
type discovery struct {
	listener *protocol.Listener
	ports    *PortAllocator
	master   *Master
	log      *zap.Logger
}

func (d *discovery) run(ctx context.Context) {
	defer d.listener.Close()
	d.log.Debug("discovery listener started", zap.Int("port", d.listener.Port()))

	for ctx.Err() == nil {
		conn, err := d.listener.Accept()
		if err != nil {
			if protocol.IsTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.log.Warn("discovery accept failed", zap.Error(err))
			continue
		}

		d.master.wg.Add(1)
		utils.SafeGo(d.log, "handshake", func() {
			defer d.master.wg.Done()
			defer conn.Close()
			d.handshake(ctx, conn)
		})
	}
}

// handshake binds the node's completion receiver before telling the slave about
// its ports, so a slave can report as soon as it has the assignment.
func (d *discovery) handshake(ctx context.Context, conn *protocol.Conn) {
	m := d.master
	host := conn.RemoteHost()

	if err := conn.Quiet(settleWait); err != nil {
		d.log.Debug("peer left before handshake", zap.String("address", host), zap.Error(err))
		return
	}

	var (
		taskPort, completionPort int
		listener                 *protocol.Listener
	)
	for attempt := 0; listener == nil; attempt++ {
		if attempt == maxBindAttempts {
			d.log.Warn("could not bind a completion port", zap.String("address", host))
			return
		}

		var err error
		taskPort, completionPort, err = d.ports.Next()
		if err != nil {
			d.log.Warn("port allocation failed", zap.String("address", host), zap.Error(err))
			return
		}
		listener, err = protocol.Listen(completionPort, 0, m.config.AcceptTimeout, m.config.IOTimeout)
		if err != nil {
			d.log.Debug("completion port unavailable, skipping pair",
				zap.Int("task_port", taskPort),
				zap.Int("completion_port", completionPort),
				zap.Error(err))
			listener = nil
		}
	}

	if err := conn.Send(&protocol.PortAssignment{TaskPort: taskPort, CompletionPort: completionPort}); err != nil {
		listener.Close()
		d.log.Debug("port assignment not delivered",
			zap.String("address", host),
			zap.Int("task_port", taskPort),
			zap.Error(err))
		return
	}

	nodeID := NodeID(host, taskPort)
	rctx, cancel := context.WithCancel(ctx)
	stop := func() {
		cancel()
		listener.Close()
	}

	if !m.manager.post(ctx, newNodeEvent{
		address:        host,
		taskPort:       taskPort,
		completionPort: completionPort,
		stopReceiver:   stop,
	}) {
		stop()
		return
	}

	d.log.Debug("slave handshake complete",
		zap.String("node", nodeID),
		zap.Int("completion_port", completionPort))

	r := &receiver{
		nodeID:   nodeID,
		listener: listener,
		master:   m,
		log:      d.log.Named("receiver").With(zap.String("node", nodeID)),
	}
	m.wg.Add(1)
	utils.SafeGo(r.log, "receiver", func() {
		defer m.wg.Done()
		r.run(rctx)
	})
}
