package hub

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"jamchat/internal/storage"
	"jamchat/internal/storage/zapadapter"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// inbound frames carry at most one message plus envelope overhead
	maxFrameSize = storage.MaxMessageLen + 1024

	sendBuffer = 256
)

// Client adapts one websocket connection to a hub Session. The caller
// has already authenticated the bearer credential; a connection without
// a resolved user identity never gets this far.
type Client struct {
	id     string
	userID uuid.UUID
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.SugaredLogger

	parsers fastjson.ParserPool
}

func NewClient(logger *zap.SugaredLogger, h *Hub, conn *websocket.Conn, userID uuid.UUID) *Client {
	return &Client{
		id:     xid.New().String(),
		userID: userID,
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger,
	}
}

func (c *Client) ID() string        { return c.id }
func (c *Client) UserID() uuid.UUID { return c.userID }

// Send enqueues an encoded frame without blocking. A consumer that can
// not keep up loses frames rather than stalling the hub.
func (c *Client) Send(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warnf("dropping frame for slow connection %s (user %s)", c.id, c.userID)
	}
}

// ReadPump registers the client with the hub, then consumes inbound
// frames until the connection dies. It must run on the connection's
// goroutine; WritePump runs on its own.
func (c *Client) ReadPump(ctx context.Context) {
	ctx = zapadapter.NewContextWithID(ctx, c.id)

	defer func() {
		c.hub.Unregister(ctx, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.hub.Register(ctx, c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debugf("connection %s closed: %v", c.id, err)
			}
			return
		}

		c.handleFrame(ctx, data)
	}
}

// WritePump drains the send queue onto the wire and keeps the
// connection alive with pings
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame dispatches one inbound client frame. Operation failures
// answer with an error frame on this connection only; the connection
// itself stays up.
func (c *Client) handleFrame(ctx context.Context, data []byte) {
	parser := c.parsers.Get()
	defer c.parsers.Put(parser)

	v, err := parser.ParseBytes(data)
	if err != nil {
		c.sendError("", "malformed frame")
		return
	}

	action := string(v.GetStringBytes("action"))
	switch action {
	case "SendDirectMessage":
		c.handleSendDirectMessage(ctx, v)
	case "GetOnlineUsers":
		c.handleGetOnlineUsers(ctx)
	default:
		c.sendError(action, "unknown action")
	}
}

func (c *Client) handleSendDirectMessage(ctx context.Context, v *fastjson.Value) {
	const op = "SendDirectMessage"

	target, err := uuid.Parse(string(v.GetStringBytes("targetUserId")))
	if err != nil {
		c.sendError(op, "targetUserId must be a valid user id")
		return
	}

	text := string(v.GetStringBytes("text"))

	err = c.hub.SendDirectMessage(ctx, c.userID, target, text)
	if err != nil {
		if errors.Is(err, ErrNotFriends) {
			c.sendError(op, "you are not friends with this user")
			return
		}
		c.logger.Errorf("send from %s to %s: %v", c.userID, target, err)
		c.sendError(op, "message could not be delivered, try again")
	}
}

func (c *Client) handleGetOnlineUsers(ctx context.Context) {
	const op = "GetOnlineUsers"

	online, err := c.hub.OnlineVisible(ctx)
	if err != nil {
		c.logger.Errorf("listing online users for %s: %v", c.userID, err)
		c.sendError(op, "online list is unavailable, try again")
		return
	}

	ids := make([]string, len(online))
	for i, u := range online {
		ids[i] = u.String()
	}

	data, err := encodeEnvelope("OnlineUsers", ids)
	if err != nil {
		c.logger.Errorf("encoding online list: %v", err)
		return
	}
	c.Send(data)
}

func (c *Client) sendError(op, reason string) {
	data, err := encodeEnvelope("Error", struct {
		Op     string `json:"op,omitempty"`
		Reason string `json:"reason"`
	}{op, reason})
	if err != nil {
		c.logger.Errorf("encoding error frame: %v", err)
		return
	}
	c.Send(data)
}
