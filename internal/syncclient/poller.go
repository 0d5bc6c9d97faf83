package syncclient

import (
	"context"
	"time"
)

const DefaultPollInterval = 3 * time.Second

// Requester accepts refresh requests.
type Requester interface {
	Request(reason Reason)
}

type PollerConfig struct {
	Interval time.Duration
	// Enabled is evaluated on every tick; a nil predicate always polls.
	Enabled func() bool
}

// Poller requests a refresh on a fixed cadence regardless of broadcast channel health.
type Poller struct {
	interval time.Duration
	enabled  func() bool
	sink     Requester
}

func NewPoller(sink Requester, cfg PollerConfig) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	enabled := cfg.Enabled
	if enabled == nil {
		enabled = func() bool { return true }
	}
	return &Poller{interval: interval, enabled: enabled, sink: sink}
}

// Run ticks until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if p.enabled() {
				p.sink.Request(ReasonPoll)
			}
		}
	}
}
