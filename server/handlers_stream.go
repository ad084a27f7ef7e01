package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/live-tender/backend/encoder"
	"github.com/onnwee/live-tender/backend/resolver"
	"github.com/onnwee/live-tender/backend/supervisor"
)

// defaultLightProfile caps output for constrained hosts when a start request
// asks for light mode without supplying its own caps.
var defaultLightProfile = encoder.LightProfile{
	MaxWidth:       854,
	MaxHeight:      480,
	MaxFPS:         30,
	MaxBitrateKbps: 1200,
	Preset:         "ultrafast",
	AudioBitrate:   "96k",
}

type streamStartRequest struct {
	SessionID    string           `json:"sessionId"`
	Source       string           `json:"source"`
	Loop         bool             `json:"loop"`
	KeepAlive    bool             `json:"keepAlive"`
	LightMode    bool             `json:"lightMode"`
	Destinations []string         `json:"destinations"`
	Settings     encoder.Settings `json:"settings"`
}

// buildStartRequest validates the payload, resolves the source and fills
// config defaults. Returned errors are safe to show to the caller as 400s.
func (h *Handlers) buildStartRequest(r *http.Request, in streamStartRequest) (supervisor.StartRequest, error) {
	if in.Source == "" {
		return supervisor.StartRequest{}, errors.New("source is required")
	}
	if in.SessionID == "" {
		in.SessionID = uuid.NewString()
	}
	if len(in.Destinations) == 0 {
		in.Destinations = h.deps.Cfg.DefaultDestinations
	}
	if len(in.Destinations) == 0 {
		return supervisor.StartRequest{}, errors.New("no destinations: provide destinations or set STREAM_DESTINATIONS")
	}
	if in.Settings.Resolution == "" {
		in.Settings.Resolution = h.deps.Cfg.DefaultResolution
	}
	if in.Settings.FPS == "" {
		in.Settings.FPS = strconv.Itoa(h.deps.Cfg.DefaultFPS)
	}
	if in.Settings.Bitrate == "" {
		in.Settings.Bitrate = fmt.Sprintf("%dk", h.deps.Cfg.DefaultBitrateKbps)
	}

	req := supervisor.StartRequest{
		SessionID:    in.SessionID,
		Owner:        "video",
		Source:       in.Source,
		Loop:         in.Loop,
		Settings:     in.Settings,
		Destinations: in.Destinations,
		KeepAlive:    in.KeepAlive,
	}
	if in.LightMode {
		lp := defaultLightProfile
		req.Light = &lp
	}
	if resolver.IsHTTPURL(in.Source) {
		src, err := h.deps.Resolver.Resolve(r.Context(), in.Source)
		if err != nil {
			return supervisor.StartRequest{}, err
		}
		req.Owner = src.Provider
		req.Source = src.ResolvedURL
		req.Remote = true
	}
	return req, nil
}

func startErrorStatus(err error) int {
	var cfgErr *encoder.ConfigError
	var spawnErr *supervisor.SpawnError
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.As(err, &spawnErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HandleStreamStart starts supervising a new stream session.
func (h *Handlers) HandleStreamStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var in streamStartRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	req, err := h.buildStartRequest(r, in)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// The stream outlives the request; start it under the server context.
	pid, err := h.deps.Sup.Start(h.ctx, req)
	if err != nil {
		http.Error(w, err.Error(), startErrorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"sessionId": req.SessionID,
		"pid":       pid,
	})
}

// HandleStreamStop stops a session and cancels any pending restart. Stopping
// an unknown session is not an error.
func (h *Handlers) HandleStreamStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var in struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if in.SessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}
	if err := h.deps.Sup.Stop(in.SessionID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "sessionId": in.SessionID})
}

// HandleStreamSchedule manages delayed stream starts: POST schedules, GET
// lists pending ones, DELETE cancels by id.
func (h *Handlers) HandleStreamSchedule(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var in struct {
			streamStartRequest
			At time.Time `json:"at"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
			return
		}
		req, err := h.buildStartRequest(r, in.streamStartRequest)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := h.deps.Scheduler.Schedule(in.At, req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"id":        id,
			"sessionId": req.SessionID,
			"at":        in.At,
		})
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"scheduled": h.deps.Scheduler.List()})
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}
		if !h.deps.Scheduler.Cancel(id) {
			http.Error(w, "unknown schedule id", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStatus returns a snapshot of every stream session plus engine state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"streams":     h.deps.Sup.Status(),
		"scheduled":   h.deps.Scheduler.List(),
		"autoReply":   h.deps.Engine.State(),
		"subscribers": h.deps.Publisher.SubscriberCount(),
	})
}
