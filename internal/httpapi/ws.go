package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zephyrr-ci/zephyr/internal/observer"
)

const wsWriteTimeout = 10 * time.Second

// wsControl is a subscribe/unsubscribe message from the client.
type wsControl struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
}

// handleWS upgrades the connection and relays observer events for the
// jobs the client subscribes to.
func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn: conn,
		bus:  r.bus,
		subs: make(map[string]*observer.Subscription),
	}
	defer client.closeAll()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsControl
		if err := json.Unmarshal(payload, &msg); err != nil || msg.JobID == "" {
			client.writeError("invalid message")
			continue
		}
		switch msg.Type {
		case "subscribe":
			client.subscribe(msg.JobID)
		case "unsubscribe":
			client.unsubscribe(msg.JobID)
		default:
			client.writeError("unknown message type")
		}
	}
}

type wsClient struct {
	conn *websocket.Conn
	bus  *observer.Bus

	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[string]*observer.Subscription
}

// subscribe attaches a bus subscription and pumps its feed until the
// feed closes or the client unsubscribes.
func (c *wsClient) subscribe(jobID string) {
	c.mu.Lock()
	if _, exists := c.subs[jobID]; exists {
		c.mu.Unlock()
		return
	}
	sub := c.bus.Subscribe(jobID)
	c.subs[jobID] = sub
	c.mu.Unlock()

	go func() {
		for payload := range sub.C() {
			if err := c.write(payload); err != nil {
				c.unsubscribe(jobID)
				return
			}
		}
	}()
}

func (c *wsClient) unsubscribe(jobID string) {
	c.mu.Lock()
	sub, ok := c.subs[jobID]
	if ok {
		delete(c.subs, jobID)
	}
	c.mu.Unlock()
	if ok {
		c.bus.Unsubscribe(sub)
	}
}

func (c *wsClient) closeAll() {
	c.mu.Lock()
	subs := make([]*observer.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*observer.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		c.bus.Unsubscribe(sub)
	}
	_ = c.conn.Close()
}

func (c *wsClient) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsClient) writeError(msg string) {
	payload, _ := json.Marshal(map[string]string{"type": "error", "error": msg})
	_ = c.write(payload)
}
