package syncclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu        sync.Mutex
	deals     map[string]reconcile.Deal
	listErr   error
	updateErr error
	lists     int
	blockOn   chan struct{}
}

func newFakeAPI(deals ...reconcile.Deal) *fakeAPI {
	api := &fakeAPI{deals: make(map[string]reconcile.Deal)}
	for _, deal := range deals {
		api.deals[deal.DealID] = deal
	}
	return api
}

func (f *fakeAPI) ListDeals(context.Context, ListFilter) ([]reconcile.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	result := make([]reconcile.Deal, 0, len(f.deals))
	for _, deal := range f.deals {
		result = append(result, deal)
	}
	return result, nil
}

func (f *fakeAPI) UpdateDeal(_ context.Context, dealID string, patch DealPatch) (reconcile.Deal, error) {
	if f.blockOn != nil {
		<-f.blockOn
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return reconcile.Deal{}, f.updateErr
	}
	deal, ok := f.deals[dealID]
	if !ok {
		return reconcile.Deal{}, &APIError{Status: http.StatusNotFound, Kind: "not_found"}
	}
	patch.ApplyTo(&deal)
	deal.UpdatedAtMillis++
	f.deals[dealID] = deal
	return deal, nil
}

func (f *fakeAPI) MoveDeal(_ context.Context, dealID, stageID string) (reconcile.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deal := f.deals[dealID]
	deal.StageID = stageID
	deal.UpdatedAtMillis++
	f.deals[dealID] = deal
	return deal, nil
}

func (f *fakeAPI) DeleteDeal(_ context.Context, dealID string) (reconcile.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deal := f.deals[dealID]
	delete(f.deals, dealID)
	deal.UpdatedAtMillis++
	return deal, nil
}

func (f *fakeAPI) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func seedDeal() reconcile.Deal {
	return reconcile.Deal{DealID: "deal-1", PipelineID: "sales", StageID: "sales-lead", Title: "Acme", Outcome: "open", UpdatedAtMillis: 100}
}

func TestSessionRollsBackFailedMutation(t *testing.T) {
	api := newFakeAPI(seedDeal())
	var changes []reconcile.Change
	session, err := NewSession(SessionConfig{API: api, OnChange: func(change reconcile.Change) { changes = append(changes, change) }})
	require.NoError(t, err)
	require.NoError(t, session.Refresh(context.Background()))

	api.updateErr = &APIError{Status: http.StatusBadRequest, Kind: "validation_failed", Code: "deals.update.validation_failed"}
	title := "Renamed"
	_, err = session.UpdateDeal(context.Background(), "deal-1", DealPatch{Title: &title})
	require.ErrorIs(t, err, ErrValidation)

	view, ok := session.Reconciler().View("deal-1")
	require.True(t, ok)
	assert.Equal(t, "Acme", view.Title)

	require.Len(t, changes, 3)
	assert.Equal(t, "Renamed", changes[1].Deal.Title, "optimistic overlay is displayed first")
	assert.Equal(t, "Acme", changes[2].Deal.Title, "rollback restores the authoritative value")
}

func TestSessionAppliesMutationResponseImmediately(t *testing.T) {
	api := newFakeAPI(seedDeal())
	session, err := NewSession(SessionConfig{API: api})
	require.NoError(t, err)
	require.NoError(t, session.Refresh(context.Background()))
	lists := api.listCount()

	moved, err := session.MoveDeal(context.Background(), "deal-1", "sales-proposal")
	require.NoError(t, err)
	assert.Equal(t, int64(101), moved.UpdatedAtMillis)

	view, _ := session.Reconciler().View("deal-1")
	assert.Equal(t, "sales-proposal", view.StageID)
	assert.Equal(t, int64(101), view.UpdatedAtMillis)
	assert.Equal(t, lists, api.listCount(), "no refetch is needed to show the response")
}

func TestSessionSuspendsPollingWhileMutationIsPending(t *testing.T) {
	api := newFakeAPI(seedDeal())
	api.blockOn = make(chan struct{})
	session, err := NewSession(SessionConfig{API: api})
	require.NoError(t, err)
	require.NoError(t, session.Refresh(context.Background()))
	assert.True(t, session.poller.enabled())

	done := make(chan struct{})
	go func() {
		notes := "call on monday"
		_, _ = session.UpdateDeal(context.Background(), "deal-1", DealPatch{Notes: &notes})
		close(done)
	}()

	require.Eventually(t, func() bool { return !session.poller.enabled() }, 2*time.Second, 5*time.Millisecond)
	close(api.blockOn)
	<-done
	assert.True(t, session.poller.enabled())
}

func TestSessionPollPredicateIsConsulted(t *testing.T) {
	modalOpen := true
	session, err := NewSession(SessionConfig{API: newFakeAPI(), PollEnabled: func() bool { return !modalOpen }})
	require.NoError(t, err)

	assert.False(t, session.poller.enabled())
	modalOpen = false
	assert.True(t, session.poller.enabled())
}

func TestSessionFetchFailureLeavesStateUntouched(t *testing.T) {
	api := newFakeAPI(seedDeal())
	session, err := NewSession(SessionConfig{API: api})
	require.NoError(t, err)
	require.NoError(t, session.Refresh(context.Background()))

	api.listErr = &APIError{Status: http.StatusServiceUnavailable}
	assert.ErrorIs(t, session.Refresh(context.Background()), ErrPersistence)

	view, ok := session.Reconciler().View("deal-1")
	require.True(t, ok)
	assert.Equal(t, "Acme", view.Title)
}

func TestSessionRoutesBroadcastMessages(t *testing.T) {
	api := newFakeAPI(seedDeal())
	notified := make(chan realtime.Notification, 1)
	session, err := NewSession(SessionConfig{
		API:            api,
		OnNotification: func(notification realtime.Notification) { notified <- notification },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = session.sink.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	session.handleMessage(realtime.Message{Type: "deal-archived-v2"})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, api.listCount(), "unknown topics are ignored")

	event, err := realtime.NewChangeMessage(realtime.ChangeEvent{Topic: realtime.TopicDealNotesUpdated, ResourceID: "deal-1"})
	require.NoError(t, err)
	session.handleMessage(event)
	require.Eventually(t, func() bool { return api.listCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	message, err := realtime.NewMessage(realtime.TopicNotification, realtime.Notification{Kind: "deal_assigned", ResourceID: "deal-1"})
	require.NoError(t, err)
	session.handleMessage(message)
	select {
	case notification := <-notified:
		assert.Equal(t, "deal_assigned", notification.Kind)
	case <-time.After(time.Second):
		t.Fatalf("notification was not delivered")
	}
}

func TestClientClassifiesAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "not_found", "code": "deals.get.not_found"})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/", Token: "secret-token"})
	require.NoError(t, err)

	_, err = client.GetDeal(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "deals.get.not_found", apiErr.Code)
}

func TestListFilterQuery(t *testing.T) {
	assert.Equal(t, "", ListFilter{}.query())
	assert.Equal(t, "?outcome=won&owner_id=3&pipeline_id=sales", ListFilter{PipelineID: "sales", OwnerID: 3, Outcome: "won"}.query())
}
