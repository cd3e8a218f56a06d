package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe reports the result of the last backend ping. It starts optimistic:
// the first failed ping flips it offline.
type Probe struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
	online   atomic.Bool
}

func NewProbe(pinger Pinger, interval time.Duration, logger zerolog.Logger) *Probe {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p := &Probe{
		pinger:   pinger,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger,
	}
	p.online.Store(true)
	return p
}

func (p *Probe) IsOnline() bool {
	return p.online.Load()
}

// Check pings once and records the result.
func (p *Probe) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.pinger.Ping(ctx)
	online := err == nil
	if previous := p.online.Swap(online); previous != online {
		if online {
			p.logger.Info().Msg("backend reachable again")
		} else {
			p.logger.Warn().Err(err).Msg("backend unreachable")
		}
	}
	return online
}

// Run checks on every interval until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

type AlwaysOnline struct{}

func (AlwaysOnline) IsOnline() bool {
	return true
}
