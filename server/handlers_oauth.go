package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	dbpkg "github.com/onnwee/live-tender/backend/db"
	"github.com/onnwee/live-tender/backend/youtubeapi"
)

// oauthTokenStore adapts the DB to youtubeapi.TokenStore interface
type oauthTokenStore struct{ db *sql.DB }

func (o *oauthTokenStore) UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error {
	// Use dbpkg.UpsertOAuthToken which handles encryption automatically
	return dbpkg.UpsertOAuthToken(ctx, o.db, provider, accessToken, refreshToken, expiry, raw, "")
}
func (o *oauthTokenStore) GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error) {
	// Use dbpkg.GetOAuthToken which handles decryption automatically
	access, refresh, exp, scope, dbErr := dbpkg.GetOAuthToken(ctx, o.db, provider)
	return access, refresh, exp, scope, dbErr
}

// HandleYouTubeOAuthStart initiates the YouTube OAuth flow.
func (h *Handlers) HandleYouTubeOAuthStart(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Cfg
	if cfg.YTClientID == "" || cfg.YTRedirectURI == "" {
		http.Error(w, "youtube oauth not configured (need YT_CLIENT_ID + YT_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	// generate state
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", 500)
		return
	}
	st := hex.EncodeToString(b)
	h.addOAuthState(st, time.Now().Add(10*time.Minute))
	ts := &oauthTokenStore{db: h.deps.DB}
	yts := youtubeapi.New(cfg, ts)
	authURL := yts.AuthCodeURL(st)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleYouTubeOAuthCallback handles the OAuth callback from YouTube and stores tokens.
func (h *Handlers) HandleYouTubeOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", 400)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", 400)
		return
	}
	ts := &oauthTokenStore{db: h.deps.DB}
	yts := youtubeapi.New(h.deps.Cfg, ts)
	tok, err := yts.Exchange(r.Context(), code)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"status": "ok", "expiry": tok.Expiry, "access_token_present": tok.AccessToken != "", "refresh_token_present": tok.RefreshToken != ""}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
