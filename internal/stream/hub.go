package stream

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TopicFleet receives every accepted position, for the admin live map.
// Per-rider topics carry only that rider's positions.
const TopicFleet = "fleet"

type Hub struct {
	// id distinguishes this instance's publishes on the shared channels so
	// the bridge does not re-deliver them to clients that already got the
	// direct local fan-out.
	id      string
	redis   *redis.Client
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
}

// envelope is the wire form on the redis live channels.
type envelope struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

type Client struct {
	Topic string
	Send  chan []byte
}

func NewHub(redisClient *redis.Client) *Hub {
	h := &Hub{
		id:      uuid.NewString(),
		redis:   redisClient,
		clients: map[string]map[*Client]struct{}{},
	}

	if redisClient != nil {
		go h.subscribeRedis()
	}
	return h
}

func (h *Hub) Register(topic string) *Client {
	client := &Client{
		Topic: topic,
		Send:  make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[topic] == nil {
		h.clients[topic] = map[*Client]struct{}{}
	}
	h.clients[topic][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if topicClients, ok := h.clients[client.Topic]; ok {
		delete(topicClients, client)
		if len(topicClients) == 0 {
			delete(h.clients, client.Topic)
		}
	}
	close(client.Send)
}

func (h *Hub) Broadcast(topic string, payload []byte) {
	h.mu.RLock()
	clients := h.clients[topic]
	h.mu.RUnlock()

	for client := range clients {
		select {
		case client.Send <- payload:
		default:
		}
	}

	if h.redis != nil {
		wire, _ := json.Marshal(envelope{Origin: h.id, Payload: payload})
		err := h.redis.Publish(context.Background(), redisChannel(topic), wire).Err()
		if err != nil {
			log.Printf("redis publish error: %v", err)
		}
	}
}

func (h *Hub) subscribeRedis() {
	ctx := context.Background()
	pubsub := h.redis.PSubscribe(ctx, "gps:*:live")
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			continue
		}
		// own publishes were already fanned out directly
		if env.Origin == h.id {
			continue
		}

		topic := topicFromChannel(msg.Channel)
		h.mu.RLock()
		clients := h.clients[topic]
		h.mu.RUnlock()
		for client := range clients {
			select {
			case client.Send <- env.Payload:
			default:
			}
		}
	}
}

func redisChannel(topic string) string {
	return "gps:" + topic + ":live"
}

func topicFromChannel(ch string) string {
	// gps:{topic}:live
	const prefix = "gps:"
	const suffix = ":live"
	if len(ch) <= len(prefix)+len(suffix) {
		return ""
	}
	return ch[len(prefix) : len(ch)-len(suffix)]
}
