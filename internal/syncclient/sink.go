package syncclient

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reason names the producer of a refresh request.
type Reason string

const (
	ReasonPoll      Reason = "poll"
	ReasonBroadcast Reason = "broadcast"
	ReasonManual    Reason = "manual"
)

// FetchFunc performs one authoritative fetch and hands it to the reconciler.
type FetchFunc func(ctx context.Context, reasons []Reason) error

type RefreshSinkConfig struct {
	Debounce time.Duration
	Fetch    FetchFunc
	Logger   *zap.Logger
}

// RefreshSink is the single entry point for refresh requests from polling and broadcasts.
// Requests are debounced, at most one fetch runs at a time, and everything requested while
// a fetch is running collapses into one follow-up fetch.
type RefreshSink struct {
	debounce time.Duration
	fetch    FetchFunc
	logger   *zap.Logger
	signal   chan struct{}

	mu      sync.Mutex
	pending map[Reason]int
}

func NewRefreshSink(cfg RefreshSinkConfig) *RefreshSink {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefreshSink{
		debounce: cfg.Debounce,
		fetch:    cfg.Fetch,
		logger:   logger,
		signal:   make(chan struct{}, 1),
		pending:  make(map[Reason]int),
	}
}

// Request asks for a refresh without blocking.
func (s *RefreshSink) Request(reason Reason) {
	s.mu.Lock()
	s.pending[reason]++
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Run consumes requests until ctx is done. Fetch failures are logged and left for the next
// request to heal.
func (s *RefreshSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.signal:
		}

		if s.debounce > 0 {
			timer := time.NewTimer(s.debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			select {
			case <-s.signal:
			default:
			}
		}

		reasons := s.drain()
		if len(reasons) == 0 || s.fetch == nil {
			continue
		}
		if err := s.fetch(ctx, reasons); err != nil && ctx.Err() == nil {
			s.logger.Warn("refresh failed", zap.Any("reasons", reasons), zap.Error(err))
		}
	}
}

func (s *RefreshSink) drain() []Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	reasons := make([]Reason, 0, len(s.pending))
	for _, reason := range []Reason{ReasonManual, ReasonBroadcast, ReasonPoll} {
		if s.pending[reason] > 0 {
			reasons = append(reasons, reason)
		}
	}
	clear(s.pending)
	return reasons
}
