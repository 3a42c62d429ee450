package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	domain "github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
	"github.com/bryanwahyu/automaton-hardening/internal/middleware"
)

const writeWait = 10 * time.Second

// recipient of a live stream. With auth disabled the client names itself.
func (r *Router) recipient(req *http.Request) string {
	if len(r.deps.APIKeys) == 0 {
		return middleware.SanitizeString(req.URL.Query().Get("recipient"))
	}
	return middleware.Recipient(req.Context())
}

// GET /v1/notifications/stream (text/event-stream)
func (r *Router) handleSSE(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if r.deps.Hub == nil {
		http.Error(w, "notifications disabled", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := r.deps.Hub.Subscribe(r.recipient(req))
	defer r.deps.Hub.Unsubscribe(sub)
	log := r.log.With().Str("recipient", sub.Recipient).Str("transport", "sse").Logger()
	log.Debug().Msg("subscriber connected")

	heartbeat := time.NewTicker(r.deps.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			log.Debug().Msg("subscriber disconnected")
			return
		case ev, ok := <-sub.Events():
			if !ok {
				// dropped by the hub (slow consumer or shutdown)
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case t := <-heartbeat.C:
			if err := writeSSE(w, heartbeatEvent(t)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func heartbeatEvent(t time.Time) domain.Event {
	return domain.Event{Type: domain.EventHeartbeat, Data: map[string]any{"at": t.UTC()}}
}

func (r *Router) upgrader() websocket.Upgrader {
	allowed := r.deps.CORSOrigins
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			origin := req.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 {
				return true
			}
			for _, o := range allowed {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
}

// GET /v1/notifications/ws
func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	if r.deps.Hub == nil {
		http.Error(w, "notifications disabled", http.StatusServiceUnavailable)
		return
	}
	up := r.upgrader()
	conn, err := up.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already wrote the error response
		r.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := r.deps.Hub.Subscribe(r.recipient(req))
	defer r.deps.Hub.Unsubscribe(sub)
	log := r.log.With().Str("recipient", sub.Recipient).Str("transport", "websocket").Logger()
	log.Debug().Msg("subscriber connected")

	// the read pump only notices the close frame; clients send nothing else
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(r.deps.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("subscriber disconnected")
			return
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case t := <-heartbeat.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(heartbeatEvent(t)); err != nil {
				return
			}
		}
	}
}
