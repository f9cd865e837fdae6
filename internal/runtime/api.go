package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-readaloud/internal/eventstore"
)

type speakBody struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
}

type streamView struct {
	Stream eventstore.Stream  `json:"stream"`
	Events []eventstore.Event `json:"events"`
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.telemetry != nil && r.telemetry.metrics != nil {
		mux.Handle("/metrics", r.telemetry.metrics)
	}
	mux.HandleFunc("POST /v1/speak", r.handleSpeak)
	mux.HandleFunc("POST /v1/stop", r.handleStop)
	mux.HandleFunc("GET /v1/snapshot", r.handleSnapshot)
	mux.HandleFunc("GET /v1/preferences", r.handleGetPreferences)
	mux.HandleFunc("PUT /v1/preferences", r.handlePutPreferences)
	mux.HandleFunc("GET /v1/streams/{id}", r.handleStream)
	if r.hub != nil {
		mux.Handle("/v1/status", r.hub)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) healthy() bool {
	if r.bus == nil || !r.bus.Healthy() {
		return false
	}
	if r.service != nil && !r.service.Healthy() {
		return false
	}
	if r.client != nil && !r.client.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleSpeak(w http.ResponseWriter, req *http.Request) {
	if r.client == nil {
		writeError(w, http.StatusServiceUnavailable, "playback disabled")
		return
	}
	var body speakBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	reply, err := r.client.Speak(req.Context(), body.Text, body.Voice, body.Speed)
	if err != nil {
		r.logger.Warn("speak failed", slog.String("error", err.Error()))
		status := http.StatusBadGateway
		if reply.Error != "" {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, reply)
}

func (r *Runtime) handleStop(w http.ResponseWriter, _ *http.Request) {
	if r.client == nil {
		writeError(w, http.StatusServiceUnavailable, "playback disabled")
		return
	}
	r.client.Stop()
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleSnapshot(w http.ResponseWriter, req *http.Request) {
	if r.client == nil {
		writeError(w, http.StatusServiceUnavailable, "playback disabled")
		return
	}
	snap, err := r.client.Snapshot(req.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (r *Runtime) handleGetPreferences(w http.ResponseWriter, req *http.Request) {
	prefs, err := r.store.LoadPreferences(req.Context(), r.defaultPreferences())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (r *Runtime) handlePutPreferences(w http.ResponseWriter, req *http.Request) {
	var prefs eventstore.Preferences
	if err := json.NewDecoder(req.Body).Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if prefs.Speed < 0 {
		writeError(w, http.StatusBadRequest, "speed must be positive")
		return
	}
	if err := r.store.SavePreferences(req.Context(), prefs); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.handleGetPreferences(w, req)
}

func (r *Runtime) handleStream(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	stream, ok, err := r.store.GetStream(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	limit := 0
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	events, err := r.store.ListStreamEvents(req.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, streamView{Stream: stream, Events: events})
}

func (r *Runtime) defaultPreferences() eventstore.Preferences {
	return eventstore.Preferences{Voice: r.cfg.Engine.Voice, Speed: r.cfg.Engine.Speed}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
