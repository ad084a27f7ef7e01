// Package oauth keeps provider tokens in the oauth_tokens table fresh. A
// background loop wakes on a jittered interval and refreshes any token whose
// remaining lifetime has fallen inside the configured window.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/onnwee/live-tender/backend/db"
)

// RefreshFunc exchanges a refresh token for new credentials. An empty new
// refresh token or scope means "keep the stored one".
type RefreshFunc func(ctx context.Context, refreshToken string) (access, refresh string, expiry time.Time, scope string, err error)

type refresher struct {
	db       *sql.DB
	provider string
	interval time.Duration
	window   time.Duration
	fn       RefreshFunc
	log      *slog.Logger
}

// StartRefresher launches the refresh loop for one provider. interval is how
// often the token row is checked; window is the remaining lifetime below
// which a refresh is attempted. The loop exits when ctx is cancelled.
func StartRefresher(ctx context.Context, database *sql.DB, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	r := &refresher{
		db:       database,
		provider: provider,
		interval: interval,
		window:   window,
		fn:       fn,
		log:      slog.Default().With(slog.String("component", "oauth_refresher"), slog.String("provider", provider)),
	}
	go r.loop(ctx)
}

func (r *refresher) loop(ctx context.Context) {
	// Stagger startup so replicas do not all hit the table at once.
	if !sleepCtx(ctx, jitterUpTo(r.interval/2)) {
		return
	}
	for {
		next := r.interval + jitterUpTo(2*r.interval/5) - r.interval/5
		if next < r.interval/2 {
			next = r.interval / 2
		}
		if !sleepCtx(ctx, next) {
			return
		}
		r.refreshIfDue(ctx)
	}
}

// refreshIfDue checks the stored row and refreshes when expiry is within the
// window. Token reads and writes go through the db helpers so encrypted rows
// stay encrypted across refreshes.
func (r *refresher) refreshIfDue(ctx context.Context) {
	_, refreshToken, expiry, scope, err := db.GetOAuthToken(ctx, r.db, r.provider)
	if err != nil {
		r.log.Warn("token lookup failed", slog.Any("err", err))
		return
	}
	if refreshToken == "" || time.Until(expiry) > r.window {
		return
	}

	// Brief extra jitter so many instances seeing the same expiry do not
	// stampede the provider. Capped by the check interval so short intervals
	// stay responsive.
	pre := 5 * time.Second
	if r.interval/2 < pre {
		pre = r.interval / 2
	}
	if !sleepCtx(ctx, jitterUpTo(pre)) {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAccess, newRefresh, newExpiry, newScope, err := r.fn(rctx, refreshToken)
	cancel()
	if err != nil {
		r.log.Warn("token refresh failed", slog.Any("err", err))
		return
	}
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	if newScope == "" {
		newScope = scope
	}
	if err := db.UpsertOAuthToken(ctx, r.db, r.provider, newAccess, newRefresh, newExpiry, "", strings.TrimSpace(newScope)); err != nil {
		r.log.Warn("token persist failed", slog.Any("err", err))
		return
	}
	r.log.Info("token refreshed", slog.Time("expires_at", newExpiry))
}

// jitterUpTo returns a random duration in [0, max).
func jitterUpTo(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	//nolint:gosec // G404: jitter only, not security sensitive
	return time.Duration(rand.Int63n(int64(max)))
}

// sleepCtx waits for d, returning false when ctx is done first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
