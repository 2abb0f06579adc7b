package connectivity

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const DefaultProbeInterval = 10 * time.Second

// Pinger is anything that can tell whether the ledger answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober polls the ledger and keeps a Signal current.
type Prober struct {
	signal   *Signal
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

func NewProber(signal *Signal, pinger Pinger, interval time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Prober{
		signal:   signal,
		pinger:   pinger,
		interval: interval,
		timeout:  interval,
		logger:   logger.With(zap.String("component", "prober")),
	}
}

// Probe pings once and updates the signal.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	online := err == nil
	was := p.signal.Online()
	p.signal.Set(online)
	if was != online {
		if online {
			p.logger.Info("ledger reachable")
		} else {
			p.logger.Warn("ledger unreachable", zap.Error(err))
		}
	}
	return online
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
