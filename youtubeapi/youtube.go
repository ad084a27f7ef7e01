// Package youtubeapi wraps Google OAuth2 client config and the YouTube Data
// API to read and post live chat messages. Tokens are persisted via the
// provided TokenStore interface so they can be refreshed and reused across
// restarts.
package youtubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/live-tender/backend/autoreply"
	"github.com/onnwee/live-tender/backend/config"
)

const provider = "youtube"

type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error)
}

type Service struct {
	cfg   *config.Config
	db    TokenStore
	oauth *oauth2.Config
}

func New(cfg *config.Config, ts TokenStore) *Service {
	scopes := []string{"https://www.googleapis.com/auth/youtube.readonly", "https://www.googleapis.com/auth/youtube.force-ssl"}
	if cfg.YTScopes != "" {
		// allow comma or space separated
		s := strings.ReplaceAll(cfg.YTScopes, ",", " ")
		fields := strings.Fields(s)
		if len(fields) > 0 {
			scopes = fields
		}
	}
	oauth := &oauth2.Config{
		ClientID:     cfg.YTClientID,
		ClientSecret: cfg.YTClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.YTRedirectURI,
		Scopes:       scopes,
	}
	return &Service{cfg: cfg, db: ts, oauth: oauth}
}

func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (s *Service) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	rawBytes, _ := json.Marshal(tok)
	_ = s.db.UpsertOAuthToken(ctx, provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, string(rawBytes))
	return tok, nil
}

func (s *Service) refreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, raw, err := s.db.GetOAuthToken(ctx, provider)
	if err != nil {
		return nil, err
	}
	if access == "" {
		return nil, errors.New("no youtube token stored")
	}
	var tok oauth2.Token
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &tok)
	}
	if tok.AccessToken == "" {
		tok.AccessToken = access
	}
	tok.RefreshToken = refresh
	tok.Expiry = expiry
	if time.Until(tok.Expiry) > 2*time.Minute {
		return &tok, nil
	}
	ts := s.oauth.TokenSource(ctx, &tok)
	newTok, err := ts.Token()
	if err != nil {
		return &tok, err
	}
	rawBytes, _ := json.Marshal(newTok)
	_ = s.db.UpsertOAuthToken(ctx, provider, newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, string(rawBytes))
	return newTok, nil
}

func (s *Service) Client(ctx context.Context) (*yt.Service, error) {
	tok, err := s.refreshIfNeeded(ctx)
	if err != nil {
		return nil, err
	}
	client := s.oauth.Client(ctx, tok)
	return yt.New(client)
}

// LiveChatAdapter is a comment source / reply sink for one YouTube live chat.
// The chat id comes from the active broadcast's snippet.
type LiveChatAdapter struct {
	svc        *Service
	liveChatID string
	pageToken  string
}

func NewLiveChatAdapter(svc *Service, liveChatID string) *LiveChatAdapter {
	return &LiveChatAdapter{svc: svc, liveChatID: liveChatID}
}

// ResolveLiveChatID finds the live chat id of the channel's active broadcast.
func ResolveLiveChatID(ctx context.Context, svc *Service) (string, error) {
	client, err := svc.Client(ctx)
	if err != nil {
		return "", err
	}
	res, err := client.LiveBroadcasts.List([]string{"snippet"}).BroadcastStatus("active").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("list live broadcasts: %w", err)
	}
	if len(res.Items) == 0 || res.Items[0].Snippet == nil || res.Items[0].Snippet.LiveChatId == "" {
		return "", errors.New("no active broadcast with a live chat")
	}
	return res.Items[0].Snippet.LiveChatId, nil
}

// Fetch pulls up to limit recent chat messages, newest first. Paging state is
// kept across calls so each tick only sees new messages plus overlap the
// engine dedups anyway.
func (a *LiveChatAdapter) Fetch(ctx context.Context, limit int) ([]autoreply.Comment, error) {
	client, err := a.svc.Client(ctx)
	if err != nil {
		return nil, err
	}
	call := client.LiveChatMessages.List(a.liveChatID, []string{"snippet", "authorDetails"}).Context(ctx)
	if limit > 0 {
		call = call.MaxResults(int64(limit))
	}
	if a.pageToken != "" {
		call = call.PageToken(a.pageToken)
	}
	res, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("list live chat messages: %w", err)
	}
	a.pageToken = res.NextPageToken

	out := make([]autoreply.Comment, 0, len(res.Items))
	// API returns oldest first; the engine expects newest first.
	for i := len(res.Items) - 1; i >= 0; i-- {
		item := res.Items[i]
		if item.Snippet == nil || item.AuthorDetails == nil {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, item.Snippet.PublishedAt)
		out = append(out, autoreply.Comment{
			ID:        item.Id,
			Platform:  "youtube",
			Author:    item.AuthorDetails.DisplayName,
			Text:      item.Snippet.DisplayMessage,
			Timestamp: ts,
			Origin:    autoreply.OriginNetwork,
		})
	}
	return out, nil
}

// Send posts one message to the live chat.
func (a *LiveChatAdapter) Send(ctx context.Context, text string) error {
	client, err := a.svc.Client(ctx)
	if err != nil {
		return err
	}
	msg := &yt.LiveChatMessage{
		Snippet: &yt.LiveChatMessageSnippet{
			LiveChatId: a.liveChatID,
			Type:       "textMessageEvent",
			TextMessageDetails: &yt.LiveChatTextMessageDetails{
				MessageText: text,
			},
		},
	}
	if _, err := client.LiveChatMessages.Insert([]string{"snippet"}, msg).Context(ctx).Do(); err != nil {
		return fmt.Errorf("insert live chat message: %w", err)
	}
	return nil
}
