package events

import (
	"context"
	"sync"
)

// Hub is the central pub/sub broker for connected operators. All mutation
// of the client registry is serialised through the Run loop via channels;
// Publish holds a read-lock just long enough to copy the target set, then
// sends outside the lock so a slow client can never stall the loop.
type Hub struct {
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}

	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
	}
}

// Run starts the hub's event loop. Call exactly once, in its own goroutine.
// It exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			for _, topic := range client.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Client]struct{})
				}
				h.topics[topic][client] = struct{}{}
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, topic := range client.topics {
					delete(h.topics[topic], client)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends msg to every client subscribed to topic. Safe to call from
// any goroutine — controlplane and dispatcher both publish here.
func (h *Hub) Publish(topic string, msg Message) {
	h.mu.RLock()
	targets := h.topics[topic]
	clients := make([]*Client, 0, len(targets))
	for c := range targets {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			h.unregister <- c
		}
	}
}

// PublishWorkerStatus publishes a worker transition to both its own
// "worker:<hostname>" topic and the catch-all "workers" topic.
func (h *Hub) PublishWorkerStatus(hostname string, online bool) {
	msg := Message{Type: MsgWorkerStatus, Payload: WorkerStatusPayload{Hostname: hostname, Online: online}}
	msg.Topic = "worker:" + hostname
	h.Publish(msg.Topic, msg)
	msg.Topic = "workers"
	h.Publish(msg.Topic, msg)
}

// PublishJobStatus publishes a job's status change to its "job:<uuid>"
// topic.
func (h *Hub) PublishJobStatus(jobID, status string) {
	topic := "job:" + jobID
	h.Publish(topic, Message{Type: MsgJobStatus, Topic: topic, Payload: JobStatusPayload{JobID: jobID, Status: status}})
}

// Subscribe registers client with the hub.
func (h *Hub) Subscribe(client *Client) { h.register <- client }

// Unsubscribe removes client from the hub and all its topic subscriptions.
func (h *Hub) Unsubscribe(client *Client) { h.unregister <- client }
