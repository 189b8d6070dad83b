package httpx

import (
	"net/http"
	"time"

	"github.com/jmccormack1717/SecuraFlow/internal/ws"
)

const anomalyEventName = "anomaly"

func (r *Router) handleAnomalyStream(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for anomaly stream", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, anomalyEventName, r.logger)
	if err := client.Heartbeat(); err != nil {
		return
	}
	r.hub.Register(ws.TopicAnomalies, client)
	r.trackStreamClient("sse", 1)
	defer func() {
		r.hub.Unregister(ws.TopicAnomalies, client)
		client.Close()
		r.trackStreamClient("sse", -1)
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if client.Closed() || client.Heartbeat() != nil {
				return
			}
		}
	}
}

func (r *Router) handleAnomalyWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for anomaly websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live stream unavailable")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(ws.TopicAnomalies, client)
	r.trackStreamClient("websocket", 1)
	defer func() {
		r.hub.Unregister(ws.TopicAnomalies, client)
		client.Close()
		r.trackStreamClient("websocket", -1)
	}()
	client.Serve(req.Context().Done())
}
