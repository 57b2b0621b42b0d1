package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/filswan/go-swan-lib/logs"
	"github.com/gorilla/websocket"
)

const (
	PingMsg      = "ping"
	pingInterval = 3 * time.Second
	sendBuffer   = 32
)

var upgrade = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub pushes every event to the connected websocket clients. A client that
// cannot keep up loses events rather than slowing the publisher.
type Hub struct {
	mu      sync.Mutex
	clients map[*WsClient]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*WsClient]struct{})}
}

func (h *Hub) Handle(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.message <- wsMessage{data: data, msgType: websocket.TextMessage}:
		default:
			logs.GetLogger().Warnf("websocket client %s is slow, dropped event %s", c.client.RemoteAddr(), ev.Type)
		}
	}
	return nil
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWs upgrades the request and keeps the connection until the peer leaves.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrade.Upgrade(w, r, nil)
	if err != nil {
		logs.GetLogger().Errorf("Failed upgrade websocket, error: %+v", err)
		return
	}
	ws := NewWsClient(conn)
	h.mu.Lock()
	h.clients[ws] = struct{}{}
	h.mu.Unlock()

	ws.run()

	h.mu.Lock()
	delete(h.clients, ws)
	h.mu.Unlock()
}

type WsClient struct {
	client    *websocket.Conn
	message   chan wsMessage
	stopCh    chan struct{}
	closeOnce sync.Once
}

type wsMessage struct {
	data    []byte
	msgType int
}

func NewWsClient(client *websocket.Conn) *WsClient {
	wsClient := &WsClient{
		client:  client,
		message: make(chan wsMessage, sendBuffer),
		stopCh:  make(chan struct{}),
	}

	client.SetCloseHandler(func(code int, text string) error {
		logs.GetLogger().Infof("websocket client %s sent close, code: %d", client.RemoteAddr(), code)
		wsClient.Close()
		return nil
	})
	return wsClient
}

func (ws *WsClient) Close() {
	ws.closeOnce.Do(func() {
		close(ws.stopCh)
		ws.client.Close()
	})
}

// run blocks until the client goes away.
func (ws *WsClient) run() {
	go ws.readMessage()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-ws.message:
			if err := ws.write(msg); err != nil {
				ws.Close()
				return
			}
		case <-ticker.C:
			if err := ws.write(wsMessage{data: []byte(PingMsg), msgType: websocket.TextMessage}); err != nil {
				ws.Close()
				return
			}
		case <-ws.stopCh:
			return
		}
	}
}

func (ws *WsClient) write(msg wsMessage) error {
	ws.client.SetWriteDeadline(time.Now().Add(pingInterval))
	if err := ws.client.WriteMessage(msg.msgType, msg.data); err != nil {
		logs.GetLogger().Debugf("websocket write to %s failed: %v", ws.client.RemoteAddr(), err)
		return err
	}
	return nil
}

func (ws *WsClient) readMessage() {
	for {
		if _, _, err := ws.client.ReadMessage(); err != nil {
			ws.Close()
			return
		}
	}
}
