package integration_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/database"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/deals"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/notifier"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/reconcile"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/server"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/syncclient"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "app_session"
	sessionIssuer        = "tauth"
	userA                = int64(11)
	userB                = int64(22)
)

type stack struct {
	server *httptest.Server
	hub    *realtime.Hub
	deals  *deals.Service
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:integration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	hub := realtime.NewHub(realtime.HubConfig{})
	activities, err := activity.NewStore(activity.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build activity store: %v", err)
	}
	dealsService, err := deals.NewService(deals.ServiceConfig{Database: db, IDProvider: deals.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build deals service: %v", err)
	}
	dealsService.SetNotifier(notifier.New(notifier.Config{Activities: activities, Broadcaster: hub, Namer: dealsService}))

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
		CookieName:    sessionCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		DealsService:     dealsService,
		Activities:       activities,
		Realtime:         realtime.NewEndpoint(realtime.EndpointConfig{Registry: hub}),
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return &stack{server: httpServer, hub: hub, deals: dealsService}
}

func mintSessionToken(t *testing.T, userID int64) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserEmail: fmt.Sprintf("user-%d@example.com", userID),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   fmt.Sprintf("%d", userID),
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(sessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func (s *stack) newSession(t *testing.T, userID int64, withChannel bool) *syncclient.Session {
	t.Helper()
	token := mintSessionToken(t, userID)
	client, err := syncclient.NewClient(syncclient.ClientConfig{BaseURL: s.server.URL, Token: token})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	cfg := syncclient.SessionConfig{
		API:          client,
		Reconciler:   reconcile.New(reconcile.Config{IdleTimeout: time.Minute}),
		Filter:       syncclient.ListFilter{PipelineID: "sales"},
		Token:        token,
		UserID:       userID,
		PollInterval: time.Hour,
	}
	if withChannel {
		cfg.ChannelURL = "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
		cfg.ReconnectDelay = 50 * time.Millisecond
	}
	session, err := syncclient.NewSession(cfg)
	if err != nil {
		t.Fatalf("failed to build session: %v", err)
	}
	return session
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConcurrentNotesEditSurfacesDivergence(t *testing.T) {
	env := newStack(t)
	ctx := context.Background()

	created, err := env.deals.Create(ctx, deals.SubjectID(userB), deals.NewDealInput{PipelineID: "sales", Title: "Acme expansion"})
	if err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}

	sessionA := env.newSession(t, userA, false)
	sessionB := env.newSession(t, userB, false)
	if err := sessionA.Refresh(ctx); err != nil {
		t.Fatalf("user A refresh failed: %v", err)
	}
	if err := sessionB.Refresh(ctx); err != nil {
		t.Fatalf("user B refresh failed: %v", err)
	}

	if err := sessionA.EditNotes(created.DealID, "draft text"); err != nil {
		t.Fatalf("user A edit failed: %v", err)
	}

	if err := sessionB.EditNotes(created.DealID, "final text"); err != nil {
		t.Fatalf("user B edit failed: %v", err)
	}
	saved, err := sessionB.SaveNotes(ctx, created.DealID)
	if err != nil {
		t.Fatalf("user B save failed: %v", err)
	}
	if saved.Notes != "final text" {
		t.Fatalf("expected B to see its saved notes immediately, got %q", saved.Notes)
	}
	stateB, err := sessionB.NotesState(created.DealID)
	if err != nil {
		t.Fatalf("user B state failed: %v", err)
	}
	if stateB.Editing || stateB.Diverged {
		t.Fatalf("expected B's field to be idle after save, got %+v", stateB)
	}

	if err := sessionA.Refresh(ctx); err != nil {
		t.Fatalf("user A refresh failed: %v", err)
	}
	stateA, err := sessionA.NotesState(created.DealID)
	if err != nil {
		t.Fatalf("user A state failed: %v", err)
	}
	if !stateA.Diverged {
		t.Fatalf("expected A's notes to be diverged, got %+v", stateA)
	}
	viewA, _ := sessionA.Reconciler().View(created.DealID)
	if viewA.Notes != "draft text" {
		t.Fatalf("expected A to keep its draft, got %q", viewA.Notes)
	}

	refreshed, err := sessionA.RefreshNotes(created.DealID)
	if err != nil {
		t.Fatalf("user A manual refresh failed: %v", err)
	}
	if refreshed.Notes != "final text" {
		t.Fatalf("expected A to adopt the server notes, got %q", refreshed.Notes)
	}
	stateA, _ = sessionA.NotesState(created.DealID)
	if stateA.Diverged || stateA.Editing {
		t.Fatalf("expected A's field to be idle after refresh, got %+v", stateA)
	}
}

func TestBroadcastTriggersRefreshAcrossSessions(t *testing.T) {
	env := newStack(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	created, err := env.deals.Create(ctx, deals.SubjectID(userB), deals.NewDealInput{PipelineID: "sales", Title: "Globex"})
	if err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}

	sessionA := env.newSession(t, userA, true)
	runErr := make(chan error, 1)
	go func() { runErr <- sessionA.Run(ctx) }()

	waitFor(t, "initial fetch", func() bool {
		_, ok := sessionA.Reconciler().View(created.DealID)
		return ok
	})
	waitFor(t, "live channel", sessionA.Live)
	waitFor(t, "server-side attach", func() bool { return env.hub.ConnectionCount() == 1 })
	if err := sessionA.EditNotes(created.DealID, "my draft"); err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	sessionB := env.newSession(t, userB, false)
	if err := sessionB.Refresh(ctx); err != nil {
		t.Fatalf("user B refresh failed: %v", err)
	}
	if _, err := sessionB.MoveDeal(ctx, created.DealID, "sales-qualified"); err != nil {
		t.Fatalf("move failed: %v", err)
	}
	notes := "agreed pricing"
	if _, err := sessionB.UpdateDeal(ctx, created.DealID, syncclient.DealPatch{Notes: &notes}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	waitFor(t, "broadcast-driven refresh", func() bool {
		view, ok := sessionA.Reconciler().View(created.DealID)
		if !ok || view.StageID != "sales-qualified" {
			return false
		}
		state, err := sessionA.NotesState(created.DealID)
		return err == nil && state.Diverged
	})
	view, _ := sessionA.Reconciler().View(created.DealID)
	if view.Notes != "my draft" {
		t.Fatalf("expected draft to survive the broadcast refresh, got %q", view.Notes)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("session stopped with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop")
	}
}

func TestUnknownDealMutationReportsNotFound(t *testing.T) {
	env := newStack(t)
	session := env.newSession(t, userA, false)
	notes := "hello"
	_, err := session.UpdateDeal(context.Background(), "missing", syncclient.DealPatch{Notes: &notes})
	if err == nil {
		t.Fatalf("expected an error for a missing deal")
	}
	if !strings.Contains(err.Error(), "deals.update.not_found") {
		t.Fatalf("expected the service error code in the error, got %v", err)
	}
}
