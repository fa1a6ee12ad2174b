package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/teamforge/internal/chat"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamPageSize = 200

	// Time allowed to write a frame to the peer.
	socketWriteWait = 10 * time.Second
	// Time allowed to read the next pong from the peer.
	socketPongWait = 60 * time.Second
	// Must be less than socketPongWait.
	socketPingPeriod = (socketPongWait * 9) / 10
	// Clients only send control frames.
	socketMaxMessageSize = 4 * 1024
)

func newSocketUpgrader(origins originPolicy) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     origins.allowsRequest,
	}
}

type socketFrame struct {
	Type      string           `json:"type"`
	Message   *messageResponse `json:"message,omitempty"`
	Source    string           `json:"source,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`
}

type heartbeatPayload struct {
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

// groupFeed delivers a group's opened messages in sequence order, starting after
// cursor and following new appends announced by the dispatcher.
type groupFeed struct {
	chat    ChatService
	groupID string
	reader  string
	cursor  int64
	updates <-chan RealtimeMessage
}

// catchUp returns every message after the feed cursor and advances it.
func (f *groupFeed) catchUp(ctx context.Context) ([]chat.DisplayMessage, error) {
	var collected []chat.DisplayMessage
	for {
		page, err := f.chat.ListMessages(ctx, chat.ListRequest{
			GroupID:       f.groupID,
			Reader:        f.reader,
			AfterSequence: f.cursor,
			Limit:         streamPageSize,
		})
		if err != nil {
			return collected, err
		}
		collected = append(collected, page...)
		if len(page) > 0 {
			f.cursor = page[len(page)-1].Sequence
		}
		if len(page) < streamPageSize {
			return collected, nil
		}
	}
}

// follow blocks until ctx ends, the subscription closes or a sink fails.
func (f *groupFeed) follow(ctx context.Context, heartbeatInterval time.Duration, deliver func([]chat.DisplayMessage) error, heartbeat func(time.Time) error) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-f.updates:
			if !ok {
				return nil
			}
			if event.Sequence <= f.cursor {
				continue
			}
			f.drain()
			messages, err := f.catchUp(ctx)
			if len(messages) > 0 {
				if deliverErr := deliver(messages); deliverErr != nil {
					return deliverErr
				}
			}
			if err != nil {
				return err
			}
		case now := <-ticker.C:
			if err := heartbeat(now.UTC()); err != nil {
				return err
			}
		}
	}
}

// drain discards queued events; the following catch-up covers them.
func (f *groupFeed) drain() {
	for {
		select {
		case <-f.updates:
		default:
			return
		}
	}
}

// openFeed subscribes before loading the backlog so no append is missed between
// the two.
func (h *httpHandler) openFeed(ctx context.Context, c *gin.Context) (*groupFeed, []chat.DisplayMessage, func(), bool) {
	reader, ok := h.currentMember(c)
	if !ok {
		return nil, nil, nil, false
	}
	after, _, err := parsePaging(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return nil, nil, nil, false
	}
	// Subscribe under the same trimmed id the chat service announces appends with.
	groupID := strings.TrimSpace(c.Param(paramGroupID))
	updates, cleanup := h.realtime.Subscribe(ctx, groupID)
	feed := &groupFeed{
		chat:    h.chat,
		groupID: groupID,
		reader:  reader.String(),
		cursor:  after,
		updates: updates,
	}
	backlog, err := feed.catchUp(ctx)
	if err != nil {
		cleanup()
		h.respondError(c, err)
		return nil, nil, nil, false
	}
	return feed, backlog, cleanup, true
}

func (h *httpHandler) handleMessageStream(c *gin.Context) {
	ctx := c.Request.Context()
	feed, backlog, cleanup, ok := h.openFeed(ctx, c)
	if !ok {
		return
	}
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	deliver := func(messages []chat.DisplayMessage) error {
		for _, message := range messages {
			c.SSEvent(RealtimeEventMessageCreated, newMessageResponse(message))
		}
		c.Writer.Flush()
		return nil
	}
	heartbeat := func(now time.Time) error {
		c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Source: realtimeSourceBackend, Timestamp: formatTimestamp(now)})
		c.Writer.Flush()
		return nil
	}

	_ = deliver(backlog)
	if err := feed.follow(ctx, h.heartbeat, deliver, heartbeat); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("message stream stopped", zap.String("group_id", feed.groupID), zap.Error(err))
		c.SSEvent(realtimeEventError, gin.H{"error": "stream_failed"})
		c.Writer.Flush()
	}
}

func (h *httpHandler) handleMessageSocket(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	feed, backlog, cleanup, ok := h.openFeed(ctx, c)
	if !ok {
		return
	}
	defer cleanup()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.String("group_id", feed.groupID), zap.Error(err))
		return
	}
	defer conn.Close()

	go readSocket(conn, cancel)

	deliver := func(messages []chat.DisplayMessage) error {
		for index := range messages {
			message := newMessageResponse(messages[index])
			if err := writeSocketJSON(conn, socketFrame{Type: RealtimeEventMessageCreated, Message: &message}); err != nil {
				return err
			}
		}
		return nil
	}
	heartbeat := func(time.Time) error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteWait))
	}

	if err := deliver(backlog); err != nil {
		return
	}
	if err := feed.follow(ctx, socketPingPeriod, deliver, heartbeat); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, websocket.ErrCloseSent) {
			h.logger.Warn("message socket stopped", zap.String("group_id", feed.groupID), zap.Error(err))
		}
		_ = writeSocketJSON(conn, socketFrame{Type: realtimeEventError, Source: realtimeSourceBackend})
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(socketWriteWait))
}

// readSocket consumes control frames and cancels the feed once the peer goes away.
func readSocket(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(socketMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeSocketJSON(conn *websocket.Conn, frame socketFrame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(socketWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}
