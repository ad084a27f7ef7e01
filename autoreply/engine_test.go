package autoreply

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu       sync.Mutex
	comments []Comment
	err      error
	calls    int
}

func (s *fakeSource) Fetch(ctx context.Context, limit int) ([]Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]Comment, len(s.comments))
	copy(out, s.comments)
	return out, nil
}

func (s *fakeSource) set(comments []Comment, err error) {
	s.mu.Lock()
	s.comments = comments
	s.err = err
	s.mu.Unlock()
}

type fakeSink struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *fakeSink) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memStore struct {
	mu    sync.Mutex
	cfg   Config
	saved bool
}

func (m *memStore) Save(ctx context.Context, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.saved = true
	return nil
}

func (m *memStore) Load(ctx context.Context) (Config, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg, m.saved, nil
}

func comment(id, author, text string) Comment {
	return Comment{ID: id, Platform: "live", Author: author, Text: text, Timestamp: time.Now()}
}

func newTestEngine(t *testing.T, src *fakeSource, sink *fakeSink, gen Generator, clk *fakeClock) *Engine {
	t.Helper()
	if clk == nil {
		clk = &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	}
	return NewEngine(Options{
		Source:      src,
		Sink:        sink,
		Generator:   gen,
		BotUsername: "liveadmin",
		Clock:       clk.Now,
	})
}

func configure(t *testing.T, e *Engine, cfg Config) {
	t.Helper()
	if _, err := e.Configure(context.Background(), cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
}

func TestRunOnceNoMatchMarksProcessedWithoutSend(t *testing.T) {
	src := &fakeSource{comments: []Comment{comment("c1", "viewer", "just saying hi")}}
	sink := &fakeSink{}
	e := newTestEngine(t, src, sink, nil, nil)
	configure(t, e, Config{Enabled: true, Mode: ModeTemplateOnly})

	st := e.RunOnce(context.Background())
	if sink.count() != 0 {
		t.Errorf("sent = %d, want 0", sink.count())
	}
	if st.ProcessedCount != 1 {
		t.Errorf("processedCount = %d, want 1", st.ProcessedCount)
	}
	if st.LastError != "" {
		t.Errorf("lastError = %q, want empty", st.LastError)
	}
	if st.LastRunAt == nil {
		t.Error("lastRunAt not set")
	}
}

func TestCommentRepliedOnceAcrossTicks(t *testing.T) {
	src := &fakeSource{comments: []Comment{comment("c1", "viewer", "what's the price?")}}
	sink := &fakeSink{}
	e := newTestEngine(t, src, sink, nil, nil)
	configure(t, e, Config{Enabled: true, Mode: ModeTemplateOnly})

	e.RunOnce(context.Background())
	e.RunOnce(context.Background())
	e.RunOnce(context.Background())
	if sink.count() != 1 {
		t.Errorf("sent = %d, want 1 despite re-delivery", sink.count())
	}
}

func TestPerUserRollingLimit(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	src := &fakeSource{comments: []Comment{comment("c1", "viewer", "price please")}}
	sink := &fakeSink{}
	e := NewEngine(Options{Source: src, Sink: sink, Clock: clk.Now})
	configure(t, e, Config{Enabled: true, Mode: ModeTemplateOnly, MaxRepliesPerUser: 1, CooldownSec: 1})

	e.RunOnce(context.Background())
	if sink.count() != 1 {
		t.Fatalf("sent = %d, want 1", sink.count())
	}

	// New comment, same user, past cooldown but inside the rolling window.
	clk.Advance(2 * time.Minute)
	src.set([]Comment{comment("c2", "viewer", "price again?")}, nil)
	e.RunOnce(context.Background())
	if sink.count() != 1 {
		t.Errorf("sent = %d, want 1; user is over the window limit", sink.count())
	}

	// Window expiry frees the user again.
	clk.Advance(16 * time.Minute)
	src.set([]Comment{comment("c3", "viewer", "price once more")}, nil)
	e.RunOnce(context.Background())
	if sink.count() != 2 {
		t.Errorf("sent = %d, want 2 after window reset", sink.count())
	}
}

func TestPerTickSendCap(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	src := &fakeSource{comments: []Comment{
		comment("c3", "u3", "price?"),
		comment("c2", "u2", "price?"),
		comment("c1", "u1", "price?"),
	}}
	sink := &fakeSink{}
	e := NewEngine(Options{Source: src, Sink: sink, MaxPerTick: 1, Clock: clk.Now})
	configure(t, e, Config{Enabled: true, Mode: ModeTemplateOnly})

	e.RunOnce(context.Background())
	if sink.count() != 1 {
		t.Fatalf("tick 1 sent = %d, want 1", sink.count())
	}
	e.RunOnce(context.Background())
	if sink.count() != 2 {
		t.Errorf("tick 2 sent = %d, want 2; capped comments must carry over", sink.count())
	}
}

func TestOwnCommentsIgnored(t *testing.T) {
	src := &fakeSource{comments: []Comment{comment("c1", "LiveAdmin", "price is on screen")}}
	sink := &fakeSink{}
	e := newTestEngine(t, src, sink, nil, nil)
	configure(t, e, Config{Enabled: true, Mode: ModeTemplateOnly})

	st := e.RunOnce(context.Background())
	if sink.count() != 0 {
		t.Errorf("replied to own comment")
	}
	if st.ProcessedCount != 1 {
		t.Errorf("own comment not marked processed")
	}
}

func TestCommentsProcessedOldestFirst(t *testing.T) {
	// Source order is newest first; replies must go out in arrival order.
	src := &fakeSource{comments: []Comment{
		comment("c2", "u2", "what's the price of the second item?"),
		comment("c1", "u1", "what's the price of the first item?"),
	}}
	sink := &fakeSink{}
	e := newTestEngine(t, src, sink, nil, nil)
	configure(t, e, Config{Enabled: true, Mode: ModeTemplateOnly})

	e.RunOnce(context.Background())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(sink.sent))
	}
	if sink.sent[0] != "Hi @u1, the price is -. DM us to check out!" {
		t.Errorf("first reply = %q, want u1 first", sink.sent[0])
	}
}

func TestFetchErrorRecordedAndCleared(t *testing.T) {
	src := &fakeSource{err: errors.New("session expired")}
	sink := &fakeSink{}
	e := newTestEngine(t, src, sink, nil, nil)
	configure(t, e, Config{Enabled: true})

	st := e.RunOnce(context.Background())
	if st.LastError == "" {
		t.Fatal("fetch error not recorded")
	}

	src.set(nil, nil)
	st = e.RunOnce(context.Background())
	if st.LastError != "" {
		t.Errorf("lastError = %q after clean tick, want empty", st.LastError)
	}
}

func TestSendErrorRecorded(t *testing.T) {
	src := &fakeSource{comments: []Comment{comment("c1", "viewer", "price?")}}
	sink := &fakeSink{err: errors.New("comment box locked")}
	e := newTestEngine(t, src, sink, nil, nil)
	configure(t, e, Config{Enabled: true, Mode: ModeTemplateOnly})

	st := e.RunOnce(context.Background())
	if st.LastError == "" {
		t.Error("send error not recorded")
	}
	if st.RepliesSent != 0 {
		t.Errorf("repliesSent = %d after failed send", st.RepliesSent)
	}
}

func TestDisabledEngineSkipsTickUnlessForced(t *testing.T) {
	src := &fakeSource{comments: []Comment{comment("c1", "viewer", "price?")}}
	sink := &fakeSink{}
	e := newTestEngine(t, src, sink, nil, nil)
	// Default config is disabled.

	e.tick(context.Background(), false)
	if src.calls != 0 {
		t.Errorf("disabled engine fetched comments")
	}

	e.RunOnce(context.Background())
	if src.calls != 1 {
		t.Errorf("forced tick did not fetch")
	}
}

func TestTickIsSingleFlight(t *testing.T) {
	src := &fakeSource{comments: []Comment{comment("c1", "viewer", "price?")}}
	sink := &fakeSink{}
	e := newTestEngine(t, src, sink, nil, nil)
	configure(t, e, Config{Enabled: true})

	e.ticking.Store(true)
	e.RunOnce(context.Background())
	if src.calls != 0 {
		t.Error("overlapping tick ran anyway")
	}
	e.ticking.Store(false)
}

func TestFollowUpTasksScheduled(t *testing.T) {
	src := &fakeSource{comments: []Comment{comment("c1", "viewer", "price?")}}
	sink := &fakeSink{}
	e := newTestEngine(t, src, sink, nil, nil)
	configure(t, e, Config{
		Enabled:           true,
		Mode:              ModeTemplateOnly,
		RepliesPerComment: 3,
		FollowUpEnabled:   true,
		FollowUpDelaySec:  600,
		MaxRepliesPerUser: 5,
	})

	e.RunOnce(context.Background())
	if got := e.PendingFollowUps(); got != 2 {
		t.Errorf("pending follow-ups = %d, want 2 for repliesPerComment=3", got)
	}

	// Disabling cancels every pending follow-up.
	configure(t, e, Config{Enabled: false})
	if got := e.PendingFollowUps(); got != 0 {
		t.Errorf("pending follow-ups = %d after disable, want 0", got)
	}
}

func TestFollowUpNotScheduledWhenDisabled(t *testing.T) {
	src := &fakeSource{comments: []Comment{comment("c1", "viewer", "price?")}}
	sink := &fakeSink{}
	e := newTestEngine(t, src, sink, nil, nil)
	configure(t, e, Config{
		Enabled:           true,
		Mode:              ModeTemplateOnly,
		RepliesPerComment: 3,
		FollowUpEnabled:   false,
	})

	e.RunOnce(context.Background())
	if got := e.PendingFollowUps(); got != 0 {
		t.Errorf("pending follow-ups = %d with followUpEnabled=false, want 0", got)
	}
}

func TestFireFollowUpSendsAndAdvancesChain(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	sink := &fakeSink{}
	e := NewEngine(Options{Source: &fakeSource{}, Sink: sink, Clock: clk.Now})
	configure(t, e, Config{
		Enabled:           true,
		MaxRepliesPerUser: 5,
		FollowUpTemplates: []string{"step one @{username}", "step two @{username}"},
	})

	c := comment("c1", "viewer", "price?")
	chain := &followChain{text: "initial reply"}
	e.fireFollowUp(c, chain, 1)
	e.fireFollowUp(c, chain, 2)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(sink.sent))
	}
	if sink.sent[0] != "step one @viewer" || sink.sent[1] != "step two @viewer" {
		t.Errorf("sent = %v", sink.sent)
	}
	if chain.text != "step two @viewer" {
		t.Errorf("chain.text = %q, want last follow-up", chain.text)
	}
}

func TestFireFollowUpRevalidatesQuota(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	sink := &fakeSink{}
	e := NewEngine(Options{Source: &fakeSource{}, Sink: sink, Clock: clk.Now})
	configure(t, e, Config{Enabled: true, MaxRepliesPerUser: 1})

	// User exhausted the quota before the task fired.
	e.mu.Lock()
	e.users.record("viewer", clk.Now())
	e.mu.Unlock()

	e.fireFollowUp(comment("c1", "viewer", "price?"), &followChain{text: "x"}, 1)
	if sink.count() != 0 {
		t.Errorf("follow-up sent past quota")
	}
}

func TestFireFollowUpSkipsWhenEngineDisabled(t *testing.T) {
	sink := &fakeSink{}
	e := NewEngine(Options{Source: &fakeSource{}, Sink: sink})

	e.fireFollowUp(comment("c1", "viewer", "price?"), &followChain{text: "x"}, 1)
	if sink.count() != 0 {
		t.Errorf("disabled engine sent a follow-up")
	}
}

func TestConfigurePersistsAndLoadRestores(t *testing.T) {
	store := &memStore{}
	e := NewEngine(Options{Source: &fakeSource{}, Sink: &fakeSink{}, Store: store})

	applied, err := e.Configure(context.Background(), Config{Enabled: true, Mode: ModeAIOnly, PollMs: 5000})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if !store.saved {
		t.Fatal("config not persisted")
	}

	e2 := NewEngine(Options{Source: &fakeSource{}, Sink: &fakeSink{}, Store: store})
	if err := e2.LoadPersisted(context.Background()); err != nil {
		t.Fatalf("LoadPersisted: %v", err)
	}
	got := e2.Config()
	if got.Mode != applied.Mode || got.PollMs != applied.PollMs || got.Enabled != applied.Enabled {
		t.Errorf("restored = %+v, want %+v", got, applied)
	}
}

func TestStartStopLoop(t *testing.T) {
	e := newTestEngine(t, &fakeSource{}, &fakeSink{}, nil, nil)

	e.Start(context.Background())
	if !e.State().Running {
		t.Error("engine not running after Start")
	}
	e.Start(context.Background()) // idempotent
	e.Stop()
	if e.State().Running {
		t.Error("engine still running after Stop")
	}
	e.Stop() // idempotent
}

func TestDefaultPollMsSeedsPolicy(t *testing.T) {
	e := NewEngine(Options{Source: &fakeSource{}, Sink: &fakeSink{}, DefaultPollMs: 5000})
	if got := e.Config().PollMs; got != 5000 {
		t.Errorf("PollMs = %d, want 5000", got)
	}

	// Out-of-range seeds clamp like any other config input.
	e = NewEngine(Options{Source: &fakeSource{}, Sink: &fakeSink{}, DefaultPollMs: 100})
	if got := e.Config().PollMs; got != 3000 {
		t.Errorf("PollMs = %d, want 3000", got)
	}
}
