package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ength/aiagent-console/internal/id"
	"github.com/ength/aiagent-console/internal/metrics"
	"github.com/ength/aiagent-console/internal/subscriber"
)

const wsWriteTimeout = 10 * time.Second

// handleWS upgrades the connection and runs one subscriber until the
// transport closes. Each browser connection becomes one subscriber.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Trust boundary is localhost; the console carries no
		// cross-origin credentials.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Debug("ws: accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	metrics.ActiveSubscribers.Inc()
	defer metrics.ActiveSubscribers.Dec()

	ctx := r.Context()
	subID := id.Generate()
	sender := &wsSender{conn: conn, ctx: ctx}
	sub := subscriber.New(subID, sender, s.reg, s.ctl, s.bus)
	defer sub.Close()

	slog.Info("subscriber connected", "subscriber_id", subID)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			slog.Info("subscriber disconnected", "subscriber_id", subID)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		sub.HandleMessage(data)
	}
}

// wsSender serializes outbound frames onto one WebSocket connection.
// Safe for concurrent use: the subscriber sends from both its dispatch
// and bus goroutines.
type wsSender struct {
	conn *websocket.Conn
	ctx  context.Context

	mu sync.Mutex
}

func (s *wsSender) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, wsWriteTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	metrics.WSMessagesTotal.Inc()
	return nil
}
