package sensor

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

// ConnectivityProbe determines network reachability by dialing
// well-known endpoints. The device is online if any probe succeeds.
type ConnectivityProbe struct {
	addrs   []string
	timeout time.Duration
	logger  *zap.Logger

	// dial is swappable for tests.
	dial func(ctx context.Context, addr string, timeout time.Duration) error
}

// NewConnectivityProbe creates a probe over the given TCP endpoints.
func NewConnectivityProbe(addrs []string, timeout time.Duration, logger *zap.Logger) *ConnectivityProbe {
	return &ConnectivityProbe{
		addrs:   addrs,
		timeout: timeout,
		logger:  logger,
		dial:    dialTCP,
	}
}

// Online tries each endpoint in order and returns true on the first
// success. Probes run sequentially; the per-probe timeout keeps the
// worst case bounded even when every endpoint is black-holed.
func (p *ConnectivityProbe) Online(ctx context.Context) bool {
	for _, addr := range p.addrs {
		if err := p.dial(ctx, addr, p.timeout); err == nil {
			return true
		} else {
			p.logger.Debug("connectivity probe failed",
				zap.String("addr", addr),
				zap.Error(err))
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

func dialTCP(ctx context.Context, addr string, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
