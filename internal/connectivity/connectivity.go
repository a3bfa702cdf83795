// Package connectivity answers "is the network reachable right now" without
// ever blocking the caller.
package connectivity

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tilelayer/pkg/metrics"
)

type Oracle interface {
	Available() bool
}

// Static is an Oracle whose answer is set explicitly.
type Static struct {
	up atomic.Bool
}

func NewStatic(available bool) *Static {
	s := &Static{}
	s.up.Store(available)
	return s
}

func (s *Static) Available() bool {
	return s.up.Load()
}

func (s *Static) Set(available bool) {
	s.up.Store(available)
}

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Probe dials addr every interval in the background and remembers whether
// the last attempt succeeded.
type Probe struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	dialer   Dialer
	logger   logger.Logger

	up     atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewProbe(addr string, interval, timeout time.Duration, l logger.Logger) *Probe {
	return NewProbeWithDialer(addr, interval, timeout, &net.Dialer{}, l)
}

// NewProbeWithDialer runs one probe synchronously so Available is meaningful
// as soon as the constructor returns, then keeps probing until Close.
func NewProbeWithDialer(addr string, interval, timeout time.Duration, d Dialer, l logger.Logger) *Probe {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Probe{
		addr:     addr,
		interval: interval,
		timeout:  timeout,
		dialer:   d,
		logger:   l,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	p.check(ctx)
	go p.loop(ctx)

	return p
}

func (p *Probe) Available() bool {
	return p.up.Load()
}

func (p *Probe) Close() {
	p.once.Do(func() {
		p.cancel()
		<-p.done
	})
}

func (p *Probe) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.check(ctx)
		}
	}
}

func (p *Probe) check(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dialer.DialContext(dialCtx, "tcp", p.addr)
	up := err == nil
	if up {
		conn.Close()
	}

	if was := p.up.Swap(up); was != up {
		if up {
			p.logger.Info("connectivity restored", "addr", p.addr)
		} else {
			p.logger.Warn("connectivity lost", "addr", p.addr, "error", err)
		}
	}

	if up {
		metrics.ConnectivityUp.Set(1)
	} else {
		metrics.ConnectivityUp.Set(0)
	}
}
