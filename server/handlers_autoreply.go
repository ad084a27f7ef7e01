package server

import (
	"encoding/json"
	"net/http"
)

// HandleAutoReplyConfig reads (GET) or replaces (POST) the auto-reply
// configuration. POST bodies go through sanitization, so out-of-range values
// are clamped rather than rejected; the effective config is echoed back.
func (h *Handlers) HandleAutoReplyConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.deps.Engine.Config())
	case http.MethodPost:
		var in map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
			return
		}
		// Merge over the current config so a partial body only touches the
		// fields it names.
		cfg := h.deps.Engine.Config()
		merged, _ := json.Marshal(cfg)
		var full map[string]json.RawMessage
		_ = json.Unmarshal(merged, &full)
		for k, v := range in {
			full[k] = v
		}
		raw, _ := json.Marshal(full)
		if err := json.Unmarshal(raw, &cfg); err != nil {
			http.Error(w, "invalid config: "+err.Error(), http.StatusBadRequest)
			return
		}
		applied, err := h.deps.Engine.Configure(r.Context(), cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, applied)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleAutoReplyState returns the public engine state snapshot.
func (h *Handlers) HandleAutoReplyState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Engine.State())
}

// HandleAutoReplyRun forces a single tick regardless of the enabled flag and
// returns the resulting state.
func (h *Handlers) HandleAutoReplyRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Engine.RunOnce(r.Context()))
}
