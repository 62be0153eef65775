package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"docforge/internal/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ClusterChannel is the Redis channel dev-server instances fan frames out on.
const ClusterChannel = "docforge_frames"

// Hub is the server side of the stream: it fans frames out to every client
// following a topic (a generation job or an upload session).
type Hub struct {
	// Registered clients: topic -> clients following it
	clients map[string][]*Client

	mu sync.RWMutex

	// Redis connection for cross-instance communication
	rdb *redis.Client

	// instance tags what this hub publishes so its own messages are skipped
	instance string

	logger logger.ILogger
}

type clusterMessage struct {
	Instance string          `json:"instance"`
	Topic    string          `json:"topic"`
	Message  json.RawMessage `json:"message"`
}

func NewHub(rdb *redis.Client, log logger.ILogger) *Hub {
	return &Hub{
		clients:  make(map[string][]*Client),
		rdb:      rdb,
		instance: uuid.NewString(),
		logger:   log,
	}
}

// Run consumes the Redis channel until ctx ends. Without Redis it only waits.
func (h *Hub) Run(ctx context.Context) {
	if h.rdb == nil {
		<-ctx.Done()
		return
	}
	h.subscribeToRedis(ctx)
}

// Register adds c to its topic. Anything already queued on c.Send is
// delivered before the hub's frames.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.Topic] = append(h.clients[c.Topic], c)
	h.mu.Unlock()
	h.logger.Info("Hub", "Client registered", map[string]interface{}{"topic": c.Topic})
}

// Unregister removes c and closes its Send channel. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.clients[c.Topic]
	if !ok {
		return
	}
	for i, existing := range clients {
		if existing == c {
			h.clients[c.Topic] = append(clients[:i:i], clients[i+1:]...)
			close(c.Send)
			break
		}
	}
	if len(h.clients[c.Topic]) == 0 {
		delete(h.clients, c.Topic)
		h.logger.Info("Hub", "Topic has no more clients", map[string]interface{}{"topic": c.Topic})
	}
}

// Send delivers data to local followers of topic and publishes it for other instances.
func (h *Hub) Send(topic string, data []byte) {
	h.deliverLocal(topic, data)

	if h.rdb != nil {
		payload, _ := json.Marshal(clusterMessage{Instance: h.instance, Topic: topic, Message: data})
		if err := h.rdb.Publish(context.Background(), ClusterChannel, payload).Err(); err != nil {
			h.logger.Warn("Hub", "Redis publish failed", map[string]interface{}{"topic": topic, "error": err.Error()})
		}
	}
}

// deliverLocal never blocks: a client whose buffer is full is dropped.
func (h *Hub) deliverLocal(topic string, data []byte) {
	var slow []*Client

	h.mu.RLock()
	for _, client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("Hub", "Client Send buffer full, dropping client", map[string]interface{}{"topic": topic})
		h.Unregister(client)
	}
}

func (h *Hub) subscribeToRedis(ctx context.Context) {
	pubsub := h.rdb.Subscribe(ctx, ClusterChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var payload clusterMessage
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				h.logger.Warn("Hub", "Redis message parse error", map[string]interface{}{"error": err.Error()})
				continue
			}
			if payload.Instance == h.instance {
				continue
			}
			h.deliverLocal(payload.Topic, payload.Message)
		}
	}
}
