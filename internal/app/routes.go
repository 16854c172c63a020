package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/omnimind/internal/health"
	"github.com/MrWong99/omnimind/internal/observe"
	"github.com/MrWong99/omnimind/pkg/memory"
)

const readHeaderTimeout = 10 * time.Second

// routes builds the control plane mux wrapped in the observability
// middleware.
//
//	POST   /v1/voice             open the voice session
//	GET    /v1/voice             current or last session
//	DELETE /v1/voice             close the session
//	GET    /v1/transcripts/{id}  stored transcript, optional ?since=5m
//	GET    /v1/live              circuit state of the live transports
//	GET    /healthz, /readyz     probes
//	GET    /metrics              Prometheus exposition
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/voice", a.handleStart)
	mux.HandleFunc("GET /v1/voice", a.handleInfo)
	mux.HandleFunc("DELETE /v1/voice", a.handleStop)
	mux.HandleFunc("GET /v1/transcripts/{id}", a.handleTranscripts)
	mux.HandleFunc("GET /v1/live", a.handleLive)
	health.New(a.checkers).Register(mux)
	if a.metricsH != nil {
		mux.Handle("GET /metrics", a.metricsH)
	}
	return observe.Middleware(a.metrics, a.log)(mux)
}

type errorBody struct {
	Error string `json:"error"`
}

type transcriptsBody struct {
	SessionID string                   `json:"session_id"`
	Entries   []memory.TranscriptEntry `json:"entries"`
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	info, err := a.manager.Start(r.Context())
	switch {
	case errors.Is(err, ErrSessionActive):
		writeJSON(w, http.StatusConflict, info)
	case errors.Is(err, ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.Header().Set("Location", "/v1/voice")
		writeJSON(w, http.StatusAccepted, info)
	}
}

func (a *App) handleInfo(w http.ResponseWriter, _ *http.Request) {
	info := a.manager.Info()
	if info.SessionID == "" {
		writeError(w, http.StatusNotFound, ErrNoSession)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *App) handleStop(w http.ResponseWriter, _ *http.Request) {
	err := a.manager.Stop()
	switch {
	case errors.Is(err, ErrNoSession):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		// The session is torn down regardless; report the release failure.
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, a.manager.Info())
	}
}

func (a *App) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		entries []memory.TranscriptEntry
		err     error
	)
	if since := r.URL.Query().Get("since"); since != "" {
		window, perr := time.ParseDuration(since)
		if perr != nil || window <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("since must be a positive duration such as 5m"))
			return
		}
		entries, err = a.store.GetRecent(r.Context(), id, window)
	} else {
		entries, err = a.store.GetSession(r.Context(), id)
	}
	if err != nil {
		observe.Logger(r.Context(), a.log).Error("transcript lookup failed", "session_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("transcript lookup failed"))
		return
	}
	if entries == nil {
		entries = []memory.TranscriptEntry{}
	}
	writeJSON(w, http.StatusOK, transcriptsBody{SessionID: id, Entries: entries})
}

func (a *App) handleLive(w http.ResponseWriter, _ *http.Request) {
	states := a.Breakers()
	out := make(map[string]string, len(states))
	for name, st := range states {
		out[name] = st.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
