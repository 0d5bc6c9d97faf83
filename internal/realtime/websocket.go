package realtime

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	maxInboundMessage = 64 * 1024
)

type EndpointConfig struct {
	Registry     Registry
	Logger       *zap.Logger
	SendBuffer   int
	PingInterval time.Duration
	PongWait     time.Duration
	CheckOrigin  func(r *http.Request) bool
}

// Endpoint upgrades HTTP requests into broadcast channel connections.
type Endpoint struct {
	registry     Registry
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	sendBuffer   int
	pingInterval time.Duration
	pongWait     time.Duration
}

func NewEndpoint(cfg EndpointConfig) *Endpoint {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 || pingInterval >= pongWait {
		pingInterval = pongWait * 9 / 10
	}
	return &Endpoint{
		registry: cfg.Registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		sendBuffer:   cfg.SendBuffer,
		pingInterval: pingInterval,
		pongWait:     pongWait,
	}
}

// Serve runs one connection until the peer disconnects. sessionSubject is the subject
// authenticated on the upgrade request, or nil for anonymous connections.
func (e *Endpoint) Serve(w http.ResponseWriter, r *http.Request, sessionSubject *int64) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Debug("realtime upgrade failed", zap.Error(err))
		return
	}

	subscriber := NewSubscriber(e.sendBuffer)
	e.registry.Attach(subscriber)
	e.logger.Debug("realtime connection opened", zap.String("connection_id", subscriber.ID()))

	done := make(chan struct{})
	go e.writePump(conn, subscriber, done)
	e.readLoop(conn, subscriber, sessionSubject)

	close(done)
	e.registry.Detach(subscriber)
	_ = conn.Close()
	e.logger.Debug("realtime connection closed", zap.String("connection_id", subscriber.ID()))
}

func (e *Endpoint) readLoop(conn *websocket.Conn, subscriber *Subscriber, sessionSubject *int64) {
	conn.SetReadLimit(maxInboundMessage)
	_ = conn.SetReadDeadline(time.Now().Add(e.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(e.pongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(e.pongWait))

		var message Message
		if err := json.Unmarshal(payload, &message); err != nil {
			e.logger.Debug("realtime inbound message ignored", zap.String("connection_id", subscriber.ID()), zap.Error(err))
			continue
		}
		switch message.Type {
		case TypeRegister:
			e.handleRegister(subscriber, message, sessionSubject)
		case TypePing:
			e.reply(subscriber, TypePong, nil)
		}
	}
}

func (e *Endpoint) handleRegister(subscriber *Subscriber, message Message, sessionSubject *int64) {
	if message.UserID == nil || *message.UserID <= 0 {
		e.reply(subscriber, TypeRegistered, Registration{OK: false, Reason: "missing_user_id"})
		return
	}
	subject := *message.UserID
	if sessionSubject != nil && *sessionSubject != subject {
		e.logger.Info("realtime registration refused",
			zap.String("connection_id", subscriber.ID()),
			zap.Int64("requested_subject", subject),
			zap.Int64("session_subject", *sessionSubject))
		e.reply(subscriber, TypeRegistered, Registration{OK: false, UserID: subject, Reason: "subject_mismatch"})
		return
	}
	e.registry.Register(subject, subscriber)
	e.reply(subscriber, TypeRegistered, Registration{OK: true, UserID: subject})
}

func (e *Endpoint) reply(subscriber *Subscriber, messageType string, payload any) {
	message, err := NewMessage(messageType, payload)
	if err != nil {
		e.logger.Warn("realtime reply encode failed", zap.String("type", messageType), zap.Error(err))
		return
	}
	subscriber.offer(message)
}

func (e *Endpoint) writePump(conn *websocket.Conn, subscriber *Subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(e.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case message := <-subscriber.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
			if err := conn.WriteJSON(message); err != nil {
				e.logger.Debug("realtime write failed", zap.String("connection_id", subscriber.ID()), zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// OriginChecker accepts upgrades without an Origin header, from the serving host, and from the
// listed origins. Any other browser origin is refused so a foreign page cannot ride the
// session cookie onto the channel.
func OriginChecker(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		trimmed := strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
		if trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed[strings.ToLower(origin)]; ok {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(parsed.Host, r.Host)
	}
}
