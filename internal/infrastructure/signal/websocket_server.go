package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WebSocketServer is the relay's transport endpoint. Each connection is one
// participant; the connection doubles as the liveness signal, so a dropped
// socket reports Disconnected to the relay immediately instead of waiting for
// the presence timer.
type WebSocketServer struct {
	relay ports.SignalRelay

	connections map[domain.ParticipantID]*wsClient
	mu          sync.RWMutex

	pingInterval time.Duration
	pongTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	msgRate  rate.Limit
	msgBurst int

	logger *zap.SugaredLogger
}

// Envelope is the client/server frame. Room operations carry room_id/token;
// type "signal" wraps one relayed SignalMessage.
type Envelope struct {
	Type    string                `json:"type"`
	RoomID  domain.RoomID         `json:"room_id,omitempty"`
	Token   domain.RoomToken      `json:"token,omitempty"`
	Message *domain.SignalMessage `json:"message,omitempty"`
}

type wsClient struct {
	id   domain.ParticipantID
	conn *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func NewWebSocketServer(relay ports.SignalRelay, logger *zap.SugaredLogger) *WebSocketServer {
	return &WebSocketServer{
		relay:        relay,
		connections:  make(map[domain.ParticipantID]*wsClient),
		pingInterval: 30 * time.Second,
		pongTimeout:  60 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		msgRate:      rate.Limit(50),
		msgBurst:     100,
		logger:       logger,
	}
}

// SetPingInterval sets ping interval for WebSocket connections
func (s *WebSocketServer) SetPingInterval(interval time.Duration) {
	s.pingInterval = interval
}

// SetPongTimeout sets pong timeout for WebSocket connections
func (s *WebSocketServer) SetPongTimeout(timeout time.Duration) {
	s.pongTimeout = timeout
	s.readTimeout = timeout
}

// SetMessageRate sets the per-connection inbound message rate limit.
func (s *WebSocketServer) SetMessageRate(perSecond float64, burst int) {
	s.msgRate = rate.Limit(perSecond)
	s.msgBurst = burst
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	participantID := domain.ParticipantID(r.URL.Query().Get("participant_id"))
	if participantID == "" {
		participantID = domain.ParticipantID(utils.GenerateParticipantID())
	}

	client := &wsClient{
		id:           participantID,
		conn:         conn,
		writeTimeout: s.writeTimeout,
	}

	// A reconnecting participant replaces its old connection.
	s.mu.Lock()
	existing, isReconnect := s.connections[participantID]
	if isReconnect && existing != nil {
		existing.conn.Close()
		s.logger.Infow("closing old connection for reconnecting participant", "participant_id", participantID)
	}
	s.connections[participantID] = client
	s.mu.Unlock()

	s.relay.Attach(participantID, client)
	s.logger.Infow("participant connected", "participant_id", participantID, "reconnect", isReconnect)

	if err := client.write(Envelope{Type: "welcome", Message: &domain.SignalMessage{Sender: participantID}}); err != nil {
		s.logger.Warnw("failed to send welcome", "participant_id", participantID, "error", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	limiter := rate.NewLimiter(s.msgRate, s.msgBurst)
	messageChan := make(chan Envelope, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			messageChan <- env
		}
	}()

	for {
		select {
		case env := <-messageChan:
			if !limiter.Allow() {
				s.sendError(client, "message rate limit exceeded")
				continue
			}
			if err := s.handleEnvelope(context.Background(), client, env); err != nil {
				s.logger.Infow("error handling message", "participant_id", participantID, "error", err)
				s.sendError(client, err.Error())
			}

		case <-pingTicker.C:
			client.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			client.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("error sending ping", "participant_id", participantID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message", "participant_id", participantID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.mu.Lock()
	current, stillOwned := s.connections[participantID]
	stillOwned = stillOwned && current == client
	if stillOwned {
		delete(s.connections, participantID)
	}
	s.mu.Unlock()

	// A connection replaced by a reconnect must not detach the fresh sink or
	// report a participant gone that is live on the new socket.
	if !stillOwned {
		s.logger.Debugw("replaced connection closed", "participant_id", participantID)
		return
	}

	s.relay.Detach(participantID)
	s.relay.Disconnected(context.Background(), participantID)
	s.logger.Infow("participant disconnected", "participant_id", participantID)
}

func (s *WebSocketServer) handleEnvelope(ctx context.Context, client *wsClient, env Envelope) error {
	switch env.Type {
	case "create_room":
		id, token, err := s.relay.CreateRoom(ctx, client.id)
		if err != nil {
			return err
		}
		return client.write(Envelope{Type: "room_created", RoomID: id, Token: token})

	case "join_room":
		if env.RoomID == "" {
			return fmt.Errorf("room_id is required")
		}
		if err := s.relay.JoinRoom(ctx, env.RoomID, env.Token, client.id); err != nil {
			return err
		}
		return client.write(Envelope{Type: "joined", RoomID: env.RoomID})

	case "heartbeat":
		if env.RoomID == "" {
			return fmt.Errorf("room_id is required")
		}
		return s.relay.Heartbeat(ctx, env.RoomID, env.Token, client.id)

	case "close_room":
		if env.RoomID == "" {
			return fmt.Errorf("room_id is required")
		}
		if err := s.relay.CloseRoom(ctx, env.RoomID, env.Token, client.id); err != nil {
			return err
		}
		return client.write(Envelope{Type: "room_closed", RoomID: env.RoomID})

	case "signal":
		if env.Message == nil {
			return fmt.Errorf("signal envelope carries no message")
		}
		msg := *env.Message
		// The connection owns the sender identity; clients cannot spoof it.
		msg.Sender = client.id
		return s.relay.Send(ctx, msg)

	case "":
		return fmt.Errorf("message type is required")
	default:
		return fmt.Errorf("unknown message type: %s", env.Type)
	}
}

// Deliver implements ports.MessageSink.
func (c *wsClient) Deliver(msg domain.SignalMessage) error {
	return c.write(Envelope{Type: "signal", Message: &msg})
}

// ViewerJoined implements ports.MessageSink.
func (c *wsClient) ViewerJoined(viewer domain.ParticipantID) {
	_ = c.write(Envelope{Type: "viewer_joined", Message: &domain.SignalMessage{Sender: viewer}})
}

func (c *wsClient) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(env)
}

func (s *WebSocketServer) sendError(client *wsClient, message string) {
	payload, _ := json.Marshal(map[string]string{"message": message})
	_ = client.write(Envelope{Type: "error", Message: &domain.SignalMessage{Payload: payload}})
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := len(s.connections)
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *WebSocketServer) ConnectedParticipants() []domain.ParticipantID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]domain.ParticipantID, 0, len(s.connections))
	for id := range s.connections {
		ids = append(ids, id)
	}
	return ids
}

func (s *WebSocketServer) IsConnected(id domain.ParticipantID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.connections[id]
	return exists
}
