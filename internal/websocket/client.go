package websocket

import (
	"time"

	fiberws "github.com/gofiber/websocket/v2"
)

const sendBuffer = 256

// Client is a middleman between a server-side websocket connection and the hub.
type Client struct {
	Hub *Hub

	// The websocket connection.
	Conn *fiberws.Conn

	// Topic the client follows.
	Topic string

	// Buffered channel of outbound messages.
	Send chan []byte

	// OnMessage receives inbound text messages. Nil ignores them.
	OnMessage func(data []byte)
}

func NewClient(hub *Hub, conn *fiberws.Conn, topic string) *Client {
	return &Client{Hub: hub, Conn: conn, Topic: topic, Send: make(chan []byte, sendBuffer)}
}

// Enqueue queues data ahead of anything the hub delivers later. Call it
// before Register; it reports false if the buffer is full.
func (c *Client) Enqueue(data []byte) bool {
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// readPump pumps messages from the websocket connection to OnMessage.
func (c *Client) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if fiberws.IsUnexpectedCloseError(err, fiberws.CloseGoingAway, fiberws.CloseNormalClosure, fiberws.CloseAbnormalClosure) {
				c.Hub.logger.Warn("Hub", "Unexpected close", map[string]interface{}{"topic": c.Topic, "error": err.Error()})
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.OnMessage != nil {
			c.OnMessage(data)
		}
	}
}

// writePump pumps messages from the hub to the websocket connection, one
// websocket message per frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(fiberws.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(fiberws.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(fiberws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
