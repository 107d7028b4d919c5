package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const requestTimeout = 10 * time.Second

// Client is the participant side of the relay connection. It implements
// ports.SignalRelay over one websocket, so a coordinator works the same
// whether the relay is in-process or remote.
type Client struct {
	conn *websocket.Conn
	self domain.ParticipantID

	writeMu sync.Mutex
	reqMu   sync.Mutex

	mu      sync.Mutex
	sink    ports.MessageSink
	waiters map[string]chan Envelope
	closed  bool

	logger *zap.SugaredLogger
}

// Dial connects to the relay and waits for the server-assigned identity.
func Dial(ctx context.Context, url string, logger *zap.SugaredLogger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	var welcome Envelope
	conn.SetReadDeadline(time.Now().Add(requestTimeout))
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != "welcome" || welcome.Message == nil {
		conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q", welcome.Type)
	}
	conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:    conn,
		self:    welcome.Message.Sender,
		waiters: make(map[string]chan Envelope),
		logger:  logger,
	}
	conn.SetPingHandler(func(appData string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(requestTimeout))
	})

	go c.readLoop()
	return c, nil
}

// Self returns the identity the relay assigned to this connection.
func (c *Client) Self() domain.ParticipantID { return c.self }

func (c *Client) Attach(participant domain.ParticipantID, sink ports.MessageSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

func (c *Client) Detach(participant domain.ParticipantID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = nil
}

func (c *Client) CreateRoom(ctx context.Context, host domain.ParticipantID) (domain.RoomID, domain.RoomToken, error) {
	reply, err := c.request(ctx, Envelope{Type: "create_room"}, "room_created")
	if err != nil {
		return "", "", err
	}
	return reply.RoomID, reply.Token, nil
}

func (c *Client) JoinRoom(ctx context.Context, id domain.RoomID, token domain.RoomToken, caller domain.ParticipantID) error {
	_, err := c.request(ctx, Envelope{Type: "join_room", RoomID: id, Token: token}, "joined")
	return err
}

func (c *Client) CloseRoom(ctx context.Context, id domain.RoomID, token domain.RoomToken, caller domain.ParticipantID) error {
	_, err := c.request(ctx, Envelope{Type: "close_room", RoomID: id, Token: token}, "room_closed")
	return err
}

func (c *Client) Send(ctx context.Context, msg domain.SignalMessage) error {
	return c.write(Envelope{Type: "signal", Message: &msg})
}

// Heartbeat refreshes the host presence deadline without waiting for a reply.
// The caller identity travels with the connection, not the frame.
func (c *Client) Heartbeat(ctx context.Context, id domain.RoomID, token domain.RoomToken, caller domain.ParticipantID) error {
	return c.write(Envelope{Type: "heartbeat", RoomID: id, Token: token})
}

// Disconnected on the client side just drops the connection; the server
// derives the departure from the socket close.
func (c *Client) Disconnected(ctx context.Context, participant domain.ParticipantID) {
	c.Close()
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// request sends one envelope and waits for the matching reply type or an
// error frame. Requests run one at a time: waiters are keyed by reply type
// and every request also claims the error key, so overlapping requests would
// steal each other's rejection frames.
func (c *Client) request(ctx context.Context, env Envelope, replyType string) (Envelope, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	waiter := make(chan Envelope, 1)
	errWaiter := make(chan Envelope, 1)

	c.mu.Lock()
	c.waiters[replyType] = waiter
	c.waiters["error"] = errWaiter
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, replyType)
		delete(c.waiters, "error")
		c.mu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return Envelope{}, err
	}

	timeout := time.NewTimer(requestTimeout)
	defer timeout.Stop()

	select {
	case reply := <-waiter:
		return reply, nil
	case errReply := <-errWaiter:
		msg := "relay rejected request"
		if errReply.Message != nil && len(errReply.Message.Payload) > 0 {
			msg = string(errReply.Message.Payload)
		}
		return Envelope{}, fmt.Errorf("%s: %s", env.Type, msg)
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-timeout.C:
		return Envelope{}, fmt.Errorf("%s: timed out waiting for %s", env.Type, replyType)
	}
}

func (c *Client) readLoop() {
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Warnw("relay connection lost", "error", err)
			}
			return
		}

		switch env.Type {
		case "signal":
			c.mu.Lock()
			sink := c.sink
			c.mu.Unlock()
			if sink != nil && env.Message != nil {
				if err := sink.Deliver(*env.Message); err != nil {
					c.logger.Debugw("inbound message rejected", "kind", env.Message.Kind, "error", err)
				}
			}

		case "viewer_joined":
			c.mu.Lock()
			sink := c.sink
			c.mu.Unlock()
			if sink != nil && env.Message != nil {
				sink.ViewerJoined(env.Message.Sender)
			}

		default:
			c.mu.Lock()
			waiter, ok := c.waiters[env.Type]
			c.mu.Unlock()
			if ok {
				select {
				case waiter <- env:
				default:
				}
			} else {
				c.logger.Debugw("dropping unexpected frame", "type", env.Type)
			}
		}
	}
}

func (c *Client) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(requestTimeout))
	return c.conn.WriteJSON(env)
}
