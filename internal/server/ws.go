package server

import (
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck/internal/bus"
	"github.com/agentdeck/agentdeck/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API binds to localhost for a local dashboard.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS upgrades the connection and forwards a filtered view of the
// event stream. Query parameters: session_id, run_id, kinds (comma
// separated) and after_sequence for resuming after a disconnect.
func (s *Server) handleWS(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws_event=upgrade_failed error=%q", err)
		return
	}

	sub := s.service.Events().Subscribe(filter)
	log.Printf("ws_event=connected remote=%s after_sequence=%d", conn.RemoteAddr(), filter.AfterSequence)

	// Inbound frames are ignored; the read loop only detects disconnects.
	go func() {
		defer sub.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writeEvents(conn, sub)
	conn.Close()
	log.Printf("ws_event=disconnected remote=%s", conn.RemoteAddr())
}

// writeEvents forwards events until the subscription or connection ends.
// A lagged subscription is surfaced to the client as a policy-violation
// close so it can resubscribe with its last seen sequence.
func writeEvents(conn *websocket.Conn, sub *bus.Subscription) {
	defer sub.Close()

	for e := range sub.Events() {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}

	if sub.Lagged() {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation,
			"event stream lagged; resubscribe with after_sequence")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func parseFilter(c *gin.Context) (bus.Filter, error) {
	filter := bus.Filter{
		SessionID: c.Query("session_id"),
		RunID:     c.Query("run_id"),
	}

	if raw := strings.TrimSpace(c.Query("after_sequence")); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return bus.Filter{}, &badQueryError{param: "after_sequence"}
		}
		filter.AfterSequence = seq
	}

	if raw := strings.TrimSpace(c.Query("kinds")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			kind := models.EventKind(strings.TrimSpace(part))
			if kind == "" {
				continue
			}
			filter.Kinds = append(filter.Kinds, kind)
		}
	}

	return filter, nil
}

type badQueryError struct{ param string }

func (e *badQueryError) Error() string { return "invalid " + e.param }
