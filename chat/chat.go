// Package chat adapts Twitch IRC to the auto-reply engine: inbound messages
// are buffered as comments for polling, and replies go out as channel
// messages through the same connection.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/live-tender/backend/autoreply"
)

const defaultBufferSize = 500

// Adapter is a Twitch IRC comment source and reply sink. The IRC client
// pushes messages as they arrive; the engine pulls snapshots on its own
// polling cadence, so the adapter keeps a bounded most-recent buffer.
type Adapter struct {
	channel string
	client  *twitch.Client
	log     *slog.Logger

	mu        sync.Mutex
	buf       []autoreply.Comment // oldest first, bounded
	max       int
	connected bool
}

// NewAdapter builds the IRC adapter. The oauth token is the "oauth:..." chat
// token, not an app access token.
func NewAdapter(channel, username, oauthToken string) *Adapter {
	a := &Adapter{
		channel: channel,
		client:  twitch.NewClient(username, oauthToken),
		log:     slog.Default().With(slog.String("component", "twitch_chat"), slog.String("channel", channel)),
		max:     defaultBufferSize,
	}
	a.client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		a.add(autoreply.Comment{
			ID:        msg.ID,
			Platform:  "twitch",
			Author:    msg.User.Name,
			Text:      msg.Message,
			Timestamp: msg.Time,
			Origin:    autoreply.OriginNetwork,
		})
	})
	a.client.OnConnect(func() {
		a.mu.Lock()
		a.connected = true
		a.mu.Unlock()
		a.log.Info("twitch chat connected")
	})
	return a
}

func (a *Adapter) add(c autoreply.Comment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = append(a.buf, c)
	if len(a.buf) > a.max {
		a.buf = a.buf[len(a.buf)-a.max:]
	}
}

// Start connects to IRC on its own goroutine and disconnects when ctx ends.
func (a *Adapter) Start(ctx context.Context) {
	a.client.Join(a.channel)
	go func() {
		<-ctx.Done()
		if err := a.client.Disconnect(); err != nil {
			a.log.Warn("twitch chat disconnect", slog.Any("err", err))
		}
	}()
	go func() {
		if err := a.client.Connect(); err != nil && ctx.Err() == nil {
			a.log.Error("twitch chat connect error", slog.Any("err", err))
		}
	}()
}

// Fetch returns up to limit buffered comments, newest first.
func (a *Adapter) Fetch(ctx context.Context, limit int) ([]autoreply.Comment, error) {
	if limit <= 0 {
		limit = defaultBufferSize
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.buf)
	if n > limit {
		n = limit
	}
	out := make([]autoreply.Comment, n)
	for i := 0; i < n; i++ {
		out[i] = a.buf[len(a.buf)-1-i]
	}
	return out, nil
}

// Send posts one reply to the channel. The IRC client has no send ack, so
// failure only surfaces when the connection is known-down.
func (a *Adapter) Send(ctx context.Context, text string) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("twitch chat not connected")
	}
	a.client.Say(a.channel, text)
	return nil
}

// Connected reports whether the IRC session is established.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// BufferLen reports currently buffered comments (diagnostics).
func (a *Adapter) BufferLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// WaitConnected blocks until the session is up or the timeout passes.
func (a *Adapter) WaitConnected(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if a.Connected() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return a.Connected()
}
