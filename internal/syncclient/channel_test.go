package syncclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/realtime"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyBroadcastServer drops the first connection right after the register handshake and
// keeps later connections open, pushing one change event to each.
type flakyBroadcastServer struct {
	upgrader  websocket.Upgrader
	mu        sync.Mutex
	registers []int64
	auth      []string
	conns     atomic.Int32
}

func (s *flakyBroadcastServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	index := s.conns.Add(1)

	var register realtime.Message
	if err := conn.ReadJSON(&register); err != nil {
		return
	}
	s.mu.Lock()
	if register.Type == realtime.TypeRegister && register.UserID != nil {
		s.registers = append(s.registers, *register.UserID)
	}
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.mu.Unlock()

	if index == 1 {
		return
	}

	_ = conn.WriteJSON(realtime.Message{Type: "future-topic"})
	event, _ := realtime.NewChangeMessage(realtime.ChangeEvent{Topic: realtime.TopicDealUpdated, ResourceType: "deal", ResourceID: "deal-1", Action: "updated"})
	_ = conn.WriteJSON(event)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *flakyBroadcastServer) snapshot() ([]int64, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.registers...), append([]string(nil), s.auth...)
}

func TestChannelReconnectsAndReRegisters(t *testing.T) {
	backend := &flakyBroadcastServer{}
	server := httptest.NewServer(backend)
	defer server.Close()

	var received sync.Map
	var liveChanges atomic.Int32
	channel, err := NewChannel(ChannelConfig{
		URL:            "ws" + strings.TrimPrefix(server.URL, "http"),
		Token:          "token-7",
		UserID:         7,
		ReconnectDelay: 20 * time.Millisecond,
		Handler: func(message realtime.Message) {
			received.Store(message.Type, true)
		},
		OnLiveChange: func(bool) { liveChanges.Add(1) },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- channel.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := received.Load(realtime.TopicDealUpdated)
		return ok
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, channel.Live())
	assert.Equal(t, int64(2), channel.Connects())
	assert.GreaterOrEqual(t, liveChanges.Load(), int32(3))

	_, unknown := received.Load("future-topic")
	assert.True(t, unknown, "unknown message types reach the handler, which ignores them")

	registers, auth := backend.snapshot()
	assert.Equal(t, []int64{7, 7}, registers)
	assert.Equal(t, []string{"Bearer token-7", "Bearer token-7"}, auth)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("channel did not stop")
	}
	assert.False(t, channel.Live())
}

func TestChannelKeepsRetryingWhileServerIsDown(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	channel, err := NewChannel(ChannelConfig{URL: url, ReconnectDelay: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, channel.Run(ctx))
	assert.Equal(t, int64(0), channel.Connects())
	assert.False(t, channel.Live())
}

func TestNewChannelRequiresURL(t *testing.T) {
	_, err := NewChannel(ChannelConfig{})
	assert.Error(t, err)
}
