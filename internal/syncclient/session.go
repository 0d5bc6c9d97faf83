// Package syncclient keeps a client's view of the deal board in step with the server through
// a fixed-cadence poll and a best-effort broadcast channel that both feed one refresh sink.
package syncclient

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/editguard"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/reconcile"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// API is the subset of the deals REST API a session needs.
type API interface {
	ListDeals(ctx context.Context, filter ListFilter) ([]reconcile.Deal, error)
	UpdateDeal(ctx context.Context, dealID string, patch DealPatch) (reconcile.Deal, error)
	MoveDeal(ctx context.Context, dealID, stageID string) (reconcile.Deal, error)
	DeleteDeal(ctx context.Context, dealID string) (reconcile.Deal, error)
}

type SessionConfig struct {
	API        API
	Reconciler *reconcile.Reconciler
	Filter     ListFilter
	// ChannelURL enables the broadcast channel; empty relies on polling alone.
	ChannelURL     string
	Token          string
	UserID         int64
	PollInterval   time.Duration
	ReconnectDelay time.Duration
	Debounce       time.Duration
	// PollEnabled is consulted on every tick in addition to the pending-mutation check.
	PollEnabled    func() bool
	OnChange       func(change reconcile.Change)
	OnLiveChange   func(live bool)
	OnNotification func(notification realtime.Notification)
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Session runs the poll scheduler, the broadcast channel and the refresh sink for one
// visible deal set, and routes local mutations through optimistic overlays.
type Session struct {
	api        API
	reconciler *reconcile.Reconciler
	filter     ListFilter
	sink       *RefreshSink
	poller     *Poller
	channel    *Channel
	onChange   func(reconcile.Change)
	onNotify   func(realtime.Notification)
	clock      func() time.Time
	logger     *zap.Logger
	pending    atomic.Int64
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.API == nil {
		return nil, errors.New("syncclient: api is required")
	}
	reconciler := cfg.Reconciler
	if reconciler == nil {
		reconciler = reconcile.New(reconcile.Config{Clock: cfg.Clock, Logger: cfg.Logger})
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	onChange := cfg.OnChange
	if onChange == nil {
		onChange = func(reconcile.Change) {}
	}
	onNotify := cfg.OnNotification
	if onNotify == nil {
		onNotify = func(realtime.Notification) {}
	}

	session := &Session{
		api:        cfg.API,
		reconciler: reconciler,
		filter:     cfg.Filter,
		onChange:   onChange,
		onNotify:   onNotify,
		clock:      clock,
		logger:     logger,
	}
	session.sink = NewRefreshSink(RefreshSinkConfig{
		Debounce: cfg.Debounce,
		Fetch:    session.fetch,
		Logger:   logger,
	})
	pollEnabled := cfg.PollEnabled
	session.poller = NewPoller(session.sink, PollerConfig{
		Interval: cfg.PollInterval,
		Enabled: func() bool {
			if session.pending.Load() > 0 {
				return false
			}
			return pollEnabled == nil || pollEnabled()
		},
	})
	if cfg.ChannelURL != "" {
		channel, err := NewChannel(ChannelConfig{
			URL:            cfg.ChannelURL,
			Token:          cfg.Token,
			UserID:         cfg.UserID,
			ReconnectDelay: cfg.ReconnectDelay,
			Handler:        session.handleMessage,
			OnLiveChange:   cfg.OnLiveChange,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		session.channel = channel
	}
	return session, nil
}

// Reconciler exposes the displayed state.
func (s *Session) Reconciler() *reconcile.Reconciler {
	return s.reconciler
}

// Live reports the advisory broadcast indicator.
func (s *Session) Live() bool {
	return s.channel != nil && s.channel.Live()
}

// Run performs an initial fetch and then keeps the view in sync until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.sink.Run(groupCtx) })
	group.Go(func() error { return s.poller.Run(groupCtx) })
	if s.channel != nil {
		group.Go(func() error { return s.channel.Run(groupCtx) })
	}
	s.sink.Request(ReasonManual)
	return group.Wait()
}

// Refresh fetches once and returns when the result is applied. It bypasses the refresh sink
// and is meant for one-shot callers that never Run the session; a running session should use
// RequestRefresh so the fetch joins the single sink consumer.
func (s *Session) Refresh(ctx context.Context) error {
	return s.fetch(ctx, []Reason{ReasonManual})
}

// RequestRefresh queues a refresh through the sink.
func (s *Session) RequestRefresh() {
	s.sink.Request(ReasonManual)
}

// EditNotes records local input on the notes field.
func (s *Session) EditNotes(dealID, value string) error {
	return s.reconciler.Edit(dealID, reconcile.FieldNotes, value)
}

// NotesState reports the editing guard of the notes field.
func (s *Session) NotesState(dealID string) (editguard.Snapshot, error) {
	return s.reconciler.FieldState(dealID, reconcile.FieldNotes)
}

// RefreshNotes adopts the server copy of diverged notes.
func (s *Session) RefreshNotes(dealID string) (reconcile.Deal, error) {
	deal, err := s.reconciler.RefreshField(dealID, reconcile.FieldNotes)
	if err == nil {
		s.onChange(reconcile.Change{Kind: reconcile.ChangeUpdated, DealID: dealID, Deal: deal})
	}
	return deal, err
}

// SaveNotes persists the locally edited notes.
func (s *Session) SaveNotes(ctx context.Context, dealID string) (reconcile.Deal, error) {
	state, err := s.NotesState(dealID)
	if err != nil {
		return reconcile.Deal{}, err
	}
	value := state.LocalValue
	deal, err := s.UpdateDeal(ctx, dealID, DealPatch{Notes: &value})
	if err != nil {
		return reconcile.Deal{}, err
	}
	if err := s.reconciler.MarkSaved(dealID, reconcile.FieldNotes, deal.Notes); err != nil {
		return reconcile.Deal{}, err
	}
	view, _ := s.reconciler.View(dealID)
	return view, nil
}

// UpdateDeal applies patch optimistically, submits it, and either adopts the response or
// rolls the view back to the last authoritative value.
func (s *Session) UpdateDeal(ctx context.Context, dealID string, patch DealPatch) (reconcile.Deal, error) {
	return s.mutate(ctx, dealID, patch.ApplyTo, func(ctx context.Context) (reconcile.Deal, error) {
		return s.api.UpdateDeal(ctx, dealID, patch)
	})
}

// MoveDeal places the deal in another stage.
func (s *Session) MoveDeal(ctx context.Context, dealID, stageID string) (reconcile.Deal, error) {
	return s.mutate(ctx, dealID, func(deal *reconcile.Deal) { deal.StageID = stageID }, func(ctx context.Context) (reconcile.Deal, error) {
		return s.api.MoveDeal(ctx, dealID, stageID)
	})
}

// DeleteDeal removes the deal locally once the server confirms.
func (s *Session) DeleteDeal(ctx context.Context, dealID string) error {
	s.pending.Add(1)
	defer s.pending.Add(-1)
	removed, err := s.api.DeleteDeal(ctx, dealID)
	if err != nil {
		s.logger.Warn("deal delete failed", zap.String("deal_id", dealID), zap.Error(err))
		return err
	}
	if change, ok := s.reconciler.ApplyDeleted(dealID, removed.UpdatedAtMillis); ok {
		s.onChange(change)
	}
	return nil
}

func (s *Session) mutate(ctx context.Context, dealID string, overlay func(*reconcile.Deal), submit func(context.Context) (reconcile.Deal, error)) (reconcile.Deal, error) {
	s.pending.Add(1)
	defer s.pending.Add(-1)

	token, overlayErr := s.reconciler.BeginOptimistic(dealID, overlay)
	if overlayErr == nil {
		if view, ok := s.reconciler.View(dealID); ok {
			s.onChange(reconcile.Change{Kind: reconcile.ChangeUpdated, DealID: dealID, Deal: view})
		}
	}

	response, err := submit(ctx)
	if err != nil {
		s.logger.Warn("deal mutation failed", zap.String("deal_id", dealID), zap.Error(err))
		if overlayErr == nil {
			if restored, ok := s.reconciler.Rollback(dealID, token); ok {
				s.onChange(reconcile.Change{Kind: reconcile.ChangeUpdated, DealID: dealID, Deal: restored})
			}
		}
		return reconcile.Deal{}, err
	}

	var change reconcile.Change
	var ok bool
	if overlayErr == nil {
		change, ok = s.reconciler.Commit(token, response)
	} else {
		change, ok = s.reconciler.ApplyDeal(response)
	}
	if ok {
		s.onChange(change)
	}
	return response, nil
}

func (s *Session) fetch(ctx context.Context, reasons []Reason) error {
	requestedAt := s.clock()
	deals, err := s.api.ListDeals(ctx, s.filter)
	if err != nil {
		return err
	}
	for _, change := range s.reconciler.ApplyList(deals, requestedAt) {
		s.onChange(change)
	}
	s.logger.Debug("deal board refreshed", zap.Any("reasons", reasons), zap.Int("deals", len(deals)))
	return nil
}

func (s *Session) handleMessage(message realtime.Message) {
	switch {
	case realtime.IsChangeTopic(message.Type):
		s.sink.Request(ReasonBroadcast)
	case message.Type == realtime.TopicNotification:
		notification, err := realtime.DecodeNotification(message)
		if err != nil {
			s.logger.Debug("notification ignored", zap.Error(err))
			return
		}
		s.onNotify(notification)
	}
}
