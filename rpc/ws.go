package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"auctionchain/core/types"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsStreamBuffer  = 64
	wsBacklogEvents = 50
)

// handleEventsWS streams committed events. The optional id query parameter
// restricts the stream to one auction; recent matching events are replayed
// first.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	filter := ""
	var idPtr *[32]byte
	if raw := strings.TrimSpace(r.URL.Query().Get("id")); raw != "" {
		id, err := parseAuctionID(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter = formatAuctionID(id)
		idPtr = &id
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Clients never send frames; CloseRead cancels ctx once they disconnect.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, filter, idPtr); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, filter string, id *[32]byte) error {
	backlog, updates, cancel := s.node.StreamEvents(id, wsBacklogEvents, wsStreamBuffer)
	defer cancel()

	for _, evt := range backlog {
		if err := writeEvent(ctx, conn, evt); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if filter != "" && evt.Attributes["id"] != filter {
				continue
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
