package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"genforge/internal/domain"
	"genforge/internal/middleware"
	"genforge/internal/progress"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// JobEvents streams one job's progress events over a websocket. The stream
// ends after the terminal event; a job that is already terminal gets a single
// snapshot event synthesized from the stored record.
func (a *App) JobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}

	// Subscribe before re-reading the record so no event can slip between
	// the snapshot and the live stream.
	events, cancel := a.Publisher.SubscribeJob(jobID)
	defer cancel()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if job, err = a.Store.Get(r.Context(), jobID); err == nil && job.Status.Terminal() {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(snapshotEvent(job))
		return
	}

	a.stream(conn, events, true)
}

// UserEvents streams every event for the identified user's jobs, across job
// boundaries, until the client disconnects.
func (a *App) UserEvents(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	events, cancel := a.Publisher.SubscribeUser(userID)
	defer cancel()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	a.stream(conn, events, false)
}

// stream pumps events to the peer, pinging on an interval and leaving when
// the subscription closes, the peer goes away, or (for single-job streams)
// the terminal event has been written.
func (a *App) stream(conn *websocket.Conn, events <-chan progress.Event, stopAtTerminal bool) {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if stopAtTerminal && ev.Terminal() {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func snapshotEvent(job *domain.Job) progress.Event {
	ev := progress.Event{
		JobID:     job.ID,
		UserID:    job.UserID,
		Status:    job.Status,
		Progress:  job.Progress,
		Timestamp: job.UpdatedAt,
	}
	if job.Status == domain.JobStatusCompleted {
		ev.Type = progress.EventComplete
		ev.OutputData = job.OutputData
		ev.Degraded = job.Degraded
	} else {
		ev.Type = progress.EventError
		ev.Error = job.ErrorMessage
	}
	return ev
}
