package syncclient

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/realtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	channelWriteWait      = 10 * time.Second
	channelDialTimeout    = 10 * time.Second
)

// MessageHandler receives every message pushed on the channel.
type MessageHandler func(message realtime.Message)

type ChannelConfig struct {
	URL   string
	Token string
	// UserID is sent in the register handshake after every (re)connect; zero stays global-only.
	UserID         int64
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Handler        MessageHandler
	// OnLiveChange observes the advisory live indicator.
	OnLiveChange func(live bool)
	Logger       *zap.Logger
}

// Channel keeps one broadcast connection open, redialing with a fixed delay for as long as
// its context lives. Delivery is best effort; nothing is replayed after a reconnect.
type Channel struct {
	url            string
	token          string
	userID         int64
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	handler        MessageHandler
	onLiveChange   func(bool)
	logger         *zap.Logger
	live           atomic.Bool
	connects       atomic.Int64
}

func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.URL == "" {
		return nil, errors.New("syncclient: channel url is required")
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: channelDialTimeout}
	}
	handler := cfg.Handler
	if handler == nil {
		handler = func(realtime.Message) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		url:            cfg.URL,
		token:          cfg.Token,
		userID:         cfg.UserID,
		reconnectDelay: delay,
		dialer:         dialer,
		handler:        handler,
		onLiveChange:   cfg.OnLiveChange,
		logger:         logger,
	}, nil
}

// Live reports whether a connection is currently open. Correctness never depends on it.
func (c *Channel) Live() bool {
	return c.live.Load()
}

// Connects reports how many connections have been established.
func (c *Channel) Connects() int64 {
	return c.connects.Load()
}

// Run connects and reconnects until ctx is done.
func (c *Channel) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Debug("broadcast channel disconnected", zap.String("url", c.url), zap.Error(err))

		timer := time.NewTimer(c.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Channel) session(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	if c.userID > 0 {
		userID := c.userID
		_ = conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
		if err := conn.WriteJSON(realtime.Message{Type: realtime.TypeRegister, UserID: &userID}); err != nil {
			return err
		}
	}

	c.connects.Add(1)
	c.setLive(true)
	defer c.setLive(false)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var message realtime.Message
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("broadcast channel closed unexpectedly", zap.Error(err))
			}
			return err
		}
		c.dispatch(message)
	}
}

func (c *Channel) dispatch(message realtime.Message) {
	switch message.Type {
	case realtime.TypeRegistered:
		registration, err := realtime.DecodeRegistration(message)
		if err != nil || !registration.OK {
			c.logger.Warn("broadcast registration refused",
				zap.Int64("user_id", c.userID),
				zap.String("reason", registration.Reason))
			return
		}
		c.logger.Debug("broadcast registration confirmed", zap.Int64("user_id", registration.UserID))
	case realtime.TypePong:
	default:
		c.handler(message)
	}
}

func (c *Channel) setLive(live bool) {
	if c.live.Swap(live) == live {
		return
	}
	if c.onLiveChange != nil {
		c.onLiveChange(live)
	}
}
