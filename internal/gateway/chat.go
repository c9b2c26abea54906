package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ottobot/ottobot/internal/common/logger"
	"github.com/ottobot/ottobot/internal/lifecycle"
	"github.com/ottobot/ottobot/internal/queue"
	"github.com/ottobot/ottobot/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// chatInbound is the only frame clients may send.
type chatInbound struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// chatClient is one WebSocket attached to a session's chat channel. Events
// from the fabric and direct replies both flow through send, so the write
// pump is the only goroutine touching the connection for writes.
type chatClient struct {
	handler   *Handler
	sessionID string
	conn      *websocket.Conn
	send      chan session.MessageEvent
	logger    *logger.Logger

	mu     sync.Mutex
	closed bool
}

func (h *Handler) chatSocket(c *gin.Context) {
	sessionID := c.Param("id")

	sess, err := h.registry.Get(c.Request.Context(), sessionID)
	if err != nil {
		h.notFoundOrError(c, err)
		return
	}
	if sess.Status == session.StatusTerminated || sess.Status == session.StatusError {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Conflict", Message: "session is no longer interactive"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	client := &chatClient{
		handler:   h,
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan session.MessageEvent, sendBuffer),
		logger:    h.logger.WithSessionID(sessionID),
	}

	// Fabric lifetime outlives the HTTP request; the unsubscribe below is
	// what ends delivery.
	unsub, err := h.fabric.Subscribe(context.Background(), sessionID, client.deliver)
	if err != nil {
		client.logger.Error("Chat subscribe failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	client.deliver(session.NewEvent(session.EventSystemUpdate, "Connected to session").
		WithMetadata(session.EventMetadata{SessionStatus: sess.Status}))
	client.replayHistory()

	go client.writePump()
	client.readPump(unsub)
}

// deliver hands an event to the write pump without ever blocking the fabric.
// A fabric dispatch may race the unsubscribe on close, so delivery after
// shutdown is a silent drop, never a send on a closed channel.
func (cl *chatClient) deliver(evt session.MessageEvent) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed {
		return
	}
	select {
	case cl.send <- evt:
	default:
		cl.logger.Warn("Chat client too slow, dropping event", zap.String("type", string(evt.Type)))
	}
}

// shutdown stops delivery and releases the write pump.
func (cl *chatClient) shutdown() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed {
		return
	}
	cl.closed = true
	close(cl.send)
}

// replayHistory pushes the recent transcript so a reconnecting client
// catches up before live events arrive.
func (cl *chatClient) replayHistory() {
	history, err := cl.handler.registry.ReadMessages(context.Background(), cl.sessionID, replayCount)
	if err != nil {
		cl.logger.Warn("Chat history replay failed", zap.Error(err))
		return
	}
	for _, evt := range history {
		cl.deliver(evt)
	}
}

func (cl *chatClient) readPump(unsub func()) {
	defer func() {
		unsub()
		cl.shutdown()
	}()

	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.logger.Warn("Chat connection dropped", zap.Error(err))
			}
			return
		}

		var msg chatInbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			cl.reject("invalid JSON frame")
			continue
		}
		cl.handleInbound(msg)
	}
}

func (cl *chatClient) handleInbound(msg chatInbound) {
	if msg.Type != string(session.EventUserPrompt) {
		cl.reject("unsupported message type")
		return
	}
	if len(msg.Content) == 0 || len(msg.Content) > maxChatPromptLen {
		cl.reject("content must be 1..10000 characters")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := cl.handler.registry.Get(ctx, cl.sessionID)
	if err != nil {
		cl.reject("session is gone")
		return
	}
	if sess.Status == session.StatusTerminated || sess.Status == session.StatusTerminating || sess.Status == session.StatusError {
		cl.reject("session is no longer interactive")
		return
	}

	evt := session.NewEvent(session.EventUserPrompt, msg.Content)
	if err := cl.handler.registry.AppendMessage(ctx, cl.sessionID, evt); err != nil {
		cl.logger.Error("Failed to record prompt", zap.Error(err))
		cl.reject("could not record message")
		return
	}
	if err := cl.handler.fabric.Publish(ctx, cl.sessionID, evt); err != nil {
		cl.logger.Warn("Prompt publish failed", zap.Error(err))
	}

	if sess.Status == session.StatusReady {
		if _, err := cl.handler.registry.SetStatus(ctx, cl.sessionID, session.StatusRunning, ""); err != nil {
			cl.logger.Warn("Failed to mark session running", zap.Error(err))
		}
	}

	payload, _ := json.Marshal(lifecycle.ProcessPayload{Content: msg.Content, Recorded: true})
	if _, err := cl.handler.queue.Enqueue(ctx, queue.Job{
		Kind:      queue.KindProcessMessage,
		SessionID: cl.sessionID,
		Payload:   payload,
	}); err != nil {
		cl.logger.Error("Failed to enqueue prompt", zap.Error(err))
		cl.reject("could not queue message")
		return
	}

	cl.deliver(session.NewEvent(session.EventSystemUpdate, "Message received and queued for processing"))
}

// reject answers a bad inbound frame without closing the connection.
func (cl *chatClient) reject(reason string) {
	cl.deliver(session.NewEvent(session.EventError, reason).
		WithMetadata(session.EventMetadata{Error: reason}))
}

func (cl *chatClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = cl.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteJSON(evt); err != nil {
				return
			}

		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
