package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sinanour/cultivate-sub007/pkg/httpx"
	"github.com/sinanour/cultivate-sub007/pkg/stream"
)

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
