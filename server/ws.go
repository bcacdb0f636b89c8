package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/licita/consolidate"
	"github.com/hazyhaar/licita/kit"
	"github.com/hazyhaar/licita/shield"
)

const (
	wsQueryWait  = 10 * time.Second
	wsWriteWait  = 5 * time.Second
	wsMaxMessage = shield.DefaultBodyLimit
)

// wsFrame is the terminal frame of a stream. Progress frames are
// consolidate.Progress values, typed "partition" or "source".
type wsFrame struct {
	Type   string `json:"type"`
	Status int    `json:"status,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteWait))
	c.conn.Close()
}

// handleWS reads one search body, streams progress frames as partitions and
// sources finish, then sends the result frame and closes. A client that goes
// away cancels the search.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log(r.Context()).Debug("ws: upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(wsMaxMessage)
	c := &wsConn{conn: conn}

	conn.SetReadDeadline(time.Now().Add(wsQueryWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		c.close(websocket.CloseNormalClosure, "")
		return
	}
	q, err := decodeQuery(json.NewDecoder(bytes.NewReader(raw)))
	if err != nil {
		c.send(wsFrame{Type: "error", Status: http.StatusBadRequest, Error: err.Error()})
		c.close(websocket.CloseUnsupportedData, "bad query")
		return
	}
	conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(kit.WithTransport(r.Context(), "ws"))
	defer cancel()

	// The only reads left are control frames; any error means the peer left.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	progress := func(p consolidate.Progress) {
		if err := c.send(p); err != nil {
			cancel()
		}
	}
	code, body := s.run(ctx, &searchRequest{Query: q, Progress: progress})
	if ctx.Err() != nil {
		conn.Close()
		return
	}
	if err := c.send(wsFrame{Type: "result", Status: code, Result: body}); err != nil {
		s.log(r.Context()).Debug("ws: result not delivered", "error", err)
	}
	c.close(websocket.CloseNormalClosure, "")
}
