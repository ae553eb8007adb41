package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/jarvis/internal/live"
	"github.com/MrWong99/jarvis/internal/observe"
)

const (
	// toggleTimeout bounds the open sequence started by POST /v1/live/toggle.
	toggleTimeout = 30 * time.Second

	// eventWriteTimeout bounds a single snapshot push on /v1/live/events.
	eventWriteTimeout = 5 * time.Second
)

// Handler returns the HTTP control surface:
//
//	POST /v1/live/toggle  toggle the link, respond with the snapshot
//	GET  /v1/live/state   current snapshot
//	GET  /v1/live/events  WebSocket pushing the snapshot on every change
//	GET  /v1/messages     conversation log
//	GET  /healthz, /readyz, /metrics
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/live/toggle", a.handleToggle)
	mux.HandleFunc("GET /v1/live/state", a.handleState)
	mux.HandleFunc("GET /v1/live/events", a.handleEvents)
	mux.HandleFunc("GET /v1/messages", a.handleMessages)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleToggle(w http.ResponseWriter, r *http.Request) {
	// The open sequence must survive the client hanging up.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), toggleTimeout)
	defer cancel()

	err := a.ctrl.Toggle(ctx)
	if errors.Is(err, live.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if err != nil {
		// The failure is reported through the snapshot's last_error.
		observe.Logger(r.Context()).Debug("app: toggle failed", "err", err)
	}
	writeJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

func (a *App) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

func (a *App) handleMessages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.log.Messages())
}

// handleEvents streams snapshots until the client goes away. The first frame
// is the current snapshot; later frames follow controller notifications and
// are coalesced, so a slow client always ends up with the latest state.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Debug("app: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	changes, unsubscribe := a.ctrl.Subscribe()
	defer unsubscribe()

	// The client never sends; CloseRead handles its close frame.
	ctx := conn.CloseRead(r.Context())

	var last live.Snapshot
	first := true
	for {
		snap := a.ctrl.Snapshot()
		if first || snap != last {
			if err := writeSnapshot(ctx, conn, snap); err != nil {
				slog.Debug("app: websocket write", "err", err)
				return
			}
			last, first = snap, false
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-changes:
		}
	}
}

func writeSnapshot(ctx context.Context, conn *websocket.Conn, snap live.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("app: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
