package scanner

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/duke-git/lancet/v2/slice"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDialTimeout = 300 * time.Millisecond
	defaultDialWorkers = 64
)

// Live narrows another source to the candidates that accept a TCP connection
// on Port. Dials run concurrently, at most Workers at a time, and survivors
// keep their original order. Candidates that already carry a port are dialed
// on that port.
type Live struct {
	Source  Source
	Port    int
	Timeout time.Duration
	Workers int

	// Dial opens a test connection; nil uses a net.Dialer.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

func (l Live) Candidates(ctx context.Context) ([]string, error) {
	candidates, err := l.Source.Candidates(ctx)
	if err != nil {
		return nil, err
	}

	timeout := l.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	workers := l.Workers
	if workers <= 0 {
		workers = defaultDialWorkers
	}
	dial := l.Dial
	if dial == nil {
		var d net.Dialer
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}

	alive := make([]bool, len(candidates))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, candidate := range candidates {
		if ctx.Err() != nil {
			break
		}
		i, candidate := i, candidate
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			conn, err := dial(dctx, l.address(candidate))
			if err != nil {
				return nil
			}
			conn.Close()
			alive[i] = true
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return slice.Filter(candidates, func(i int, _ string) bool { return alive[i] }), nil
}

func (l Live) address(candidate string) string {
	if _, _, err := net.SplitHostPort(candidate); err == nil {
		return candidate
	}
	return net.JoinHostPort(candidate, strconv.Itoa(l.Port))
}
